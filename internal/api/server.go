// Package api exposes the hub's status, request, and monitoring
// interfaces over HTTP, plus the Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fsmhub/internal/hub"
	"fsmhub/internal/models"
	"fsmhub/internal/monitor"
	"fsmhub/internal/sim"
)

type Handler struct {
	hub     *hub.Hub
	monitor *monitor.Monitor
	logger  *zap.Logger
}

// NewHandler builds the HTTP mux for the daemon.
func NewHandler(h *hub.Hub, m *monitor.Monitor, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &Handler{hub: h, monitor: m, logger: logger.Named("api")}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", handler.handlePing)
	mux.HandleFunc("/status", handler.handleStatus)
	mux.HandleFunc("/machines", handler.handleMachines)
	mux.HandleFunc("/transition", handler.handleTransition)
	mux.HandleFunc("/heartbeat", handler.handleHeartbeat)
	mux.HandleFunc("/history/metrics", handler.handleHistoryMetrics)
	mux.HandleFunc("/monitor/metrics", handler.handleMonitorMetrics)
	mux.HandleFunc("/monitor/history", handler.handleMonitorHistory)
	mux.HandleFunc("/monitor/alerts", handler.handleAlerts)
	mux.HandleFunc("/monitor/health", handler.handleHealth)
	mux.HandleFunc("/monitor/report", handler.handleReport)
	RegisterMetrics(mux)

	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from fsmhub"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.hub.GetStatus())
}

func (h *Handler) handleMachines(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, h.hub.RegisteredMachines())
	case http.MethodPost:
		h.handleRegisterMachine(w, r)
	case http.MethodDelete:
		h.handleUnregisterMachine(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "GET, POST or DELETE required")
	}
}

type registerMachineRequest struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	InitialState string `json:"initial_state"`
	WorkDelay    string `json:"work_delay,omitempty"`
}

// handleRegisterMachine creates a built-in simulated machine and
// registers it with the hub, so a bare daemon can serve transition
// traffic without an external machine process.
func (h *Handler) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	var req registerMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	if req.InitialState == "" {
		req.InitialState = "idle"
	}

	kind := models.KindLeaf
	switch models.MachineKind(req.Kind) {
	case models.KindTopLevel, models.KindMidTier, models.KindLeaf:
		kind = models.MachineKind(req.Kind)
	case "":
	default:
		h.writeError(w, http.StatusBadRequest, "kind must be top-level, mid-tier or leaf")
		return
	}

	var delay time.Duration
	if req.WorkDelay != "" {
		parsed, err := time.ParseDuration(req.WorkDelay)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "work_delay must be a non-negative duration")
			return
		}
		delay = parsed
	}

	for _, reg := range h.hub.RegisteredMachines() {
		if reg.ID == req.ID {
			h.writeError(w, http.StatusConflict, "machine id already registered")
			return
		}
	}

	h.hub.Register(req.ID, kind, req.Name, sim.New(req.InitialState, delay))
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":    req.ID,
		"name":  req.Name,
		"kind":  string(kind),
		"state": req.InitialState,
	})
}

func (h *Handler) handleUnregisterMachine(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	found := false
	for _, reg := range h.hub.RegisteredMachines() {
		if reg.ID == id {
			found = true
			break
		}
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	h.hub.Unregister(id)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered", "id": id})
}

type transitionRequest struct {
	MachineID string            `json:"machine_id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Event     string            `json:"event"`
	Priority  int               `json:"priority"`
	Requester string            `json:"requester"`
	Tags      map[string]string `json:"tags,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.MachineID == "" || req.From == "" || req.To == "" || req.Event == "" {
		h.writeError(w, http.StatusBadRequest, "machine_id, from, to and event are required")
		return
	}

	tc := models.NewTransitionContext()
	if len(req.Tags) > 0 {
		tc.Tags = req.Tags
	}
	if len(req.Metadata) > 0 {
		tc.Metadata = req.Metadata
	}
	requester := req.Requester
	if requester == "" {
		requester = "http"
	}

	resp, err := h.hub.RequestTransition(r.Context(), req.MachineID, req.From, req.To, req.Event, tc, req.Priority, requester)
	status := http.StatusOK
	switch {
	case errors.Is(err, hub.ErrUnknownMachine):
		status = http.StatusNotFound
	case errors.Is(err, hub.ErrValidationRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, hub.ErrTimeout):
		status = http.StatusGatewayTimeout
	case err != nil:
		status = http.StatusConflict
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := h.hub.UpdateHeartbeat(id); err != nil {
		h.writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (h *Handler) handleHistoryMetrics(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = parsed
	}
	h.writeJSON(w, http.StatusOK, h.hub.Metrics(window))
}

func (h *Handler) handleMonitorMetrics(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.monitor.CurrentMetrics())
}

func (h *Handler) handleMonitorHistory(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	h.writeJSON(w, http.StatusOK, h.monitor.MetricsHistory(since))
}

func (h *Handler) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.monitor.ActiveAlerts())
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.monitor.HealthStatuses())
}

func (h *Handler) handleReport(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.monitor.GenerateReport())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
	h.logger.Warn("request rejected", zap.Int("status", status), zap.String("error", msg))
}
