// Package hub is the transition scheduler: it owns the state machine
// registry, validates and queues transition requests, executes them under
// a concurrency cap, serializes conflicting transitions on the same
// machine, and records every outcome.
package hub

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"fsmhub/internal/dispatch"
	"fsmhub/internal/guard"
	"fsmhub/internal/history"
	"fsmhub/internal/models"
)

// Options tune the hub. Zero values fall back to the listed defaults.
type Options struct {
	MaxConcurrent      int           // default 50
	RequestTimeout     time.Duration // default 30s
	ConflictWait       time.Duration // default 10s
	HeartbeatInterval  time.Duration // default 30s
	LivenessTimeout    time.Duration // default 120s
	ShutdownGrace      time.Duration // default 5s
	PollInterval       time.Duration // scheduler idle wait, default 10ms
	ValidationEnabled  bool
	ConflictResolution bool
}

// DefaultOptions returns production defaults with validation and
// conflict resolution enabled.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:      50,
		RequestTimeout:     30 * time.Second,
		ConflictWait:       10 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		LivenessTimeout:    120 * time.Second,
		ShutdownGrace:      5 * time.Second,
		PollInterval:       10 * time.Millisecond,
		ValidationEnabled:  true,
		ConflictResolution: true,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = def.MaxConcurrent
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.ConflictWait <= 0 {
		o.ConflictWait = def.ConflictWait
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = def.LivenessTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = def.ShutdownGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
}

// Registration is the public snapshot of a registered machine.
type Registration struct {
	ID              string             `json:"id"`
	Kind            models.MachineKind `json:"kind"`
	Name            string             `json:"name"`
	IsActive        bool               `json:"is_active"`
	LastHeartbeat   time.Time          `json:"last_heartbeat"`
	TransitionCount uint64             `json:"transition_count"`
	RegisteredAt    time.Time          `json:"registered_at"`
}

type registration struct {
	Registration
	instance Machine
}

type activeExec struct {
	req  *models.TransitionRequest
	done chan struct{}
}

// Status is the hub-level counters snapshot for the status API.
type Status struct {
	RegisteredMachines int    `json:"registered_machines"`
	ActiveMachines     int    `json:"active_machines"`
	PendingRequests    int    `json:"pending_requests"`
	ActiveTransitions  int    `json:"active_transitions"`
	QueueLength        int    `json:"queue_length"`
	TotalTransitions   uint64 `json:"total_transitions"`
}

// Hub coordinates all transition traffic. Construct with New, start with
// Start, and tear down with Shutdown; the lifecycle belongs to the
// caller, not to package state.
type Hub struct {
	opts       Options
	validator  guard.Validator
	history    *history.Manager
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger

	mu       sync.Mutex
	registry map[string]*registration
	pending  map[string]*pendingRequest
	queue    requestQueue
	active   map[string]*activeExec
	seq      uint64
	total    uint64
	closed   bool

	wake   chan struct{}
	stop   chan struct{}
	loopWG sync.WaitGroup
	execWG sync.WaitGroup
}

// New builds a hub. validator may be nil when validation is disabled.
func New(opts Options, validator guard.Validator, hist *history.Manager, disp *dispatch.Dispatcher, logger *zap.Logger) *Hub {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		opts:       opts,
		validator:  validator,
		history:    hist,
		dispatcher: disp,
		logger:     logger.Named("hub"),
		registry:   make(map[string]*registration),
		pending:    make(map[string]*pendingRequest),
		active:     make(map[string]*activeExec),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Start launches the scheduling loop and the heartbeat scanner.
func (h *Hub) Start() {
	h.loopWG.Add(2)
	go h.scheduleLoop()
	go h.heartbeatLoop()
}

// ---------- registry ----------

// Register adds a machine to the registry. Re-registering an existing id
// overwrites the previous registration.
func (h *Hub) Register(id string, kind models.MachineKind, name string, instance Machine) {
	now := time.Now().UTC()
	reg := &registration{
		Registration: Registration{
			ID:            id,
			Kind:          kind,
			Name:          name,
			IsActive:      true,
			LastHeartbeat: now,
			RegisteredAt:  now,
		},
		instance: instance,
	}

	h.mu.Lock()
	h.registry[id] = reg
	n := len(h.registry)
	h.mu.Unlock()
	registeredMachines.Set(float64(n))

	if obs, ok := instance.(Observable); ok {
		machineID := id
		obs.SetHooks(MachineHooks{
			StateChanged: func(from, to string) {
				h.dispatcher.Dispatch(context.Background(), dispatch.EventStateChange, models.MachineEvent{
					MachineID: machineID,
					From:      from,
					To:        to,
					Timestamp: time.Now().UTC(),
				}, 0)
			},
			ErrorReported: func(err error) {
				h.dispatcher.Dispatch(context.Background(), dispatch.EventFSMError, models.MachineEvent{
					MachineID: machineID,
					Reason:    err.Error(),
					Timestamp: time.Now().UTC(),
				}, 0)
			},
		})
	}

	h.logger.Info("machine registered",
		zap.String("machine_id", id),
		zap.String("kind", string(kind)),
		zap.String("name", name))
}

// Unregister removes a machine and cancels its pending requests.
// Unknown ids are a no-op.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	reg, ok := h.registry[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.registry, id)
	n := len(h.registry)

	for rid, p := range h.pending {
		if p.req.MachineID != id {
			continue
		}
		if p.index >= 0 {
			h.queue.remove(p)
		}
		delete(h.pending, rid)
		p.deliver(h.failResponse(p.req, 0, "machine unregistered"), ErrRequestCancelled)
	}
	queueLength.Set(float64(h.queue.Len()))
	h.mu.Unlock()
	registeredMachines.Set(float64(n))

	if obs, ok := reg.instance.(Observable); ok {
		obs.SetHooks(MachineHooks{})
	}

	h.logger.Info("machine unregistered", zap.String("machine_id", id))
}

// UpdateHeartbeat records liveness for a machine. An inactive machine
// that heartbeats again becomes active.
func (h *Hub) UpdateHeartbeat(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.registry[id]
	if !ok {
		return ErrUnknownMachine
	}
	reg.LastHeartbeat = time.Now().UTC()
	reg.IsActive = true
	return nil
}

// RegisteredMachines returns a snapshot of all registrations.
func (h *Hub) RegisteredMachines() []Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Registration, 0, len(h.registry))
	for _, reg := range h.registry {
		out = append(out, reg.Registration)
	}
	return out
}

// GetStatus reports the hub's counters.
func (h *Hub) GetStatus() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	activeMachines := 0
	for _, reg := range h.registry {
		if reg.IsActive {
			activeMachines++
		}
	}
	return Status{
		RegisteredMachines: len(h.registry),
		ActiveMachines:     activeMachines,
		PendingRequests:    len(h.pending),
		ActiveTransitions:  len(h.active),
		QueueLength:        h.queue.Len(),
		TotalTransitions:   h.total,
	}
}

// QueueLength reports how many requests are waiting.
func (h *Hub) QueueLength() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue.Len()
}

// ActiveCount reports how many transitions are executing.
func (h *Hub) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Metrics returns ledger aggregates, optionally windowed.
func (h *Hub) Metrics(window time.Duration) history.Metrics {
	return h.history.Metrics(window)
}

// ---------- request submission ----------

// RequestTransition submits a transition and blocks until a terminal
// response is produced or the request timeout fires. The returned
// response is never nil; on failure the error is one of the package
// sentinels for errors.Is checks.
func (h *Hub) RequestTransition(ctx context.Context, machineID, from, to, event string, tc *models.TransitionContext, priority int, requester string) (*models.TransitionResponse, error) {
	if tc == nil {
		tc = models.NewTransitionContext()
	}
	req := &models.TransitionRequest{
		ID:          uuid.NewString(),
		MachineID:   machineID,
		FromState:   from,
		ToState:     to,
		Event:       event,
		Context:     tc,
		Priority:    priority,
		SubmittedAt: time.Now().UTC(),
		Requester:   requester,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		transitionsTotal.WithLabelValues(resultCancelled).Inc()
		return h.failResponse(req, 0, ErrShuttingDown.Error()), ErrShuttingDown
	}
	if _, ok := h.registry[machineID]; !ok {
		h.mu.Unlock()
		transitionsTotal.WithLabelValues(resultFailure).Inc()
		return h.failResponse(req, 0, fmt.Sprintf("machine %q is not registered", machineID)), ErrUnknownMachine
	}
	h.mu.Unlock()

	if h.opts.ValidationEnabled && h.validator != nil {
		if res := h.validator.Validate(from, to, event, tc); !res.Valid {
			h.history.RecordTransition(ctx, models.TransitionRecord{
				MachineID: machineID,
				From:      from,
				To:        to,
				Event:     event,
				Timestamp: time.Now().UTC(),
				Duration:  0,
				Success:   false,
				Context:   tc,
			})
			transitionsTotal.WithLabelValues(resultRejected).Inc()
			return h.failResponse(req, 0, res.Reason), ErrValidationRejected
		}
	}

	p := &pendingRequest{
		req:    req,
		index:  -1,
		result: make(chan outcome, 1),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		transitionsTotal.WithLabelValues(resultCancelled).Inc()
		return h.failResponse(req, 0, ErrShuttingDown.Error()), ErrShuttingDown
	}
	h.seq++
	p.seq = h.seq
	h.pending[req.ID] = p
	heap.Push(&h.queue, p)
	queueLength.Set(float64(h.queue.Len()))
	h.mu.Unlock()
	h.signal()

	timer := time.NewTimer(h.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case out := <-p.result:
		return out.resp, out.err
	case <-timer.C:
		h.abandon(p, ErrTimeout, "request exceeded its timeout", resultTimeout)
	case <-ctx.Done():
		h.abandon(p, ErrRequestCancelled, ctx.Err().Error(), resultCancelled)
	}
	out := <-p.result
	return out.resp, out.err
}

// abandon resolves a request from the caller's side of the race: timeout
// or context cancellation. If execution already delivered, this is a
// no-op and the delivered outcome is what the caller reads.
func (h *Hub) abandon(p *pendingRequest, sentinel error, msg, metric string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.delivered {
		return
	}
	if p.index >= 0 {
		h.queue.remove(p)
		queueLength.Set(float64(h.queue.Len()))
	}
	delete(h.pending, p.req.ID)
	transitionsTotal.WithLabelValues(metric).Inc()
	p.deliver(h.failResponse(p.req, 0, msg), sentinel)
}

func (h *Hub) failResponse(req *models.TransitionRequest, duration time.Duration, msg string) *models.TransitionResponse {
	return &models.TransitionResponse{
		RequestID: req.ID,
		Success:   false,
		FromState: req.FromState,
		ToState:   req.ToState,
		Duration:  duration,
		Error:     msg,
	}
}

// ---------- scheduling ----------

func (h *Hub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) scheduleLoop() {
	defer h.loopWG.Done()
	for {
		select {
		case <-h.stop:
			return
		case <-h.wake:
		case <-time.After(h.opts.PollInterval):
		}
		for h.dispatchNext() {
		}
	}
}

// dispatchNext admits the highest-priority request if a worker slot is
// free. Returns false when nothing could be admitted.
func (h *Hub) dispatchNext() bool {
	h.mu.Lock()
	if h.closed || h.queue.Len() == 0 || len(h.active) >= h.opts.MaxConcurrent {
		h.mu.Unlock()
		return false
	}

	p := heap.Pop(&h.queue).(*pendingRequest)
	delete(h.pending, p.req.ID)
	queueLength.Set(float64(h.queue.Len()))

	// Snapshot conflicting in-flight executions on the same machine:
	// one transition's destination being the other's source means they
	// race on that state if run concurrently.
	var conflicts []chan struct{}
	if h.opts.ConflictResolution {
		for _, a := range h.active {
			if a.req.MachineID != p.req.MachineID {
				continue
			}
			if a.req.ToState == p.req.FromState || a.req.FromState == p.req.ToState {
				conflicts = append(conflicts, a.done)
			}
		}
	}

	exec := &activeExec{req: p.req, done: make(chan struct{})}
	h.active[p.req.ID] = exec
	activeTransitions.Set(float64(len(h.active)))
	reg := h.registry[p.req.MachineID]
	h.mu.Unlock()

	h.execWG.Add(1)
	go h.execute(p, exec, reg, conflicts)
	return true
}

func (h *Hub) execute(p *pendingRequest, exec *activeExec, reg *registration, conflicts []chan struct{}) {
	defer h.execWG.Done()
	defer func() {
		h.mu.Lock()
		delete(h.active, p.req.ID)
		activeTransitions.Set(float64(len(h.active)))
		h.mu.Unlock()
		close(exec.done)
		h.signal()
	}()

	if len(conflicts) > 0 {
		// One deadline across every conflicting execution: the total
		// wait is bounded by ConflictWait regardless of how many
		// conflicts are in flight.
		wait := time.NewTimer(h.opts.ConflictWait)
		defer wait.Stop()
		for _, done := range conflicts {
			select {
			case <-done:
			case <-wait.C:
				h.finish(p, h.failResponse(p.req, 0,
					"conflicting transition did not finish in time"), ErrConflictTimeout, resultFailure)
				return
			case <-h.stop:
				h.finish(p, h.failResponse(p.req, 0, ErrShuttingDown.Error()), ErrShuttingDown, resultCancelled)
				return
			}
		}
	}

	if reg == nil {
		// Unregistered between admission and execution.
		h.finish(p, h.failResponse(p.req, 0,
			fmt.Sprintf("machine %q is not registered", p.req.MachineID)), ErrUnknownMachine, resultFailure)
		return
	}

	ctx, span := otel.Tracer("fsmhub/hub").Start(context.Background(), "hub.execute")
	span.SetAttributes(
		attribute.String("machine_id", p.req.MachineID),
		attribute.String("from", p.req.FromState),
		attribute.String("to", p.req.ToState),
		attribute.String("event", p.req.Event),
	)
	defer span.End()

	start := time.Now()
	err := h.invoke(ctx, reg.instance, p.req)
	duration := time.Since(start)

	resp := &models.TransitionResponse{
		RequestID: p.req.ID,
		Success:   err == nil,
		FromState: p.req.FromState,
		ToState:   p.req.ToState,
		Duration:  duration,
	}
	var sentinel error
	if err != nil {
		sentinel = ErrExecutionFailed
		resp.Error = err.Error()
	}

	h.mu.Lock()
	if r, ok := h.registry[p.req.MachineID]; ok {
		if err == nil {
			r.TransitionCount++
		}
		r.LastHeartbeat = time.Now().UTC()
	}
	h.total++
	h.mu.Unlock()

	h.history.RecordTransition(ctx, models.TransitionRecord{
		MachineID: p.req.MachineID,
		From:      p.req.FromState,
		To:        p.req.ToState,
		Event:     p.req.Event,
		Timestamp: start.UTC(),
		Duration:  duration,
		Success:   err == nil,
		Context:   p.req.Context,
	})
	transitionDuration.Observe(duration.Seconds())

	metric := resultSuccess
	if err != nil {
		metric = resultFailure
		h.logger.Warn("transition failed",
			zap.String("machine_id", p.req.MachineID),
			zap.String("from", p.req.FromState),
			zap.String("to", p.req.ToState),
			zap.String("event", p.req.Event),
			zap.Error(err))
	}
	h.finish(p, resp, sentinel, metric)

	h.dispatcher.Dispatch(ctx, dispatch.EventStateTransition, models.TransitionEvent{
		RequestID: p.req.ID,
		MachineID: p.req.MachineID,
		From:      p.req.FromState,
		To:        p.req.ToState,
		Event:     p.req.Event,
		Duration:  duration,
		Success:   err == nil,
		Error:     resp.Error,
		Priority:  p.req.Priority,
		Timestamp: time.Now().UTC(),
	}, p.req.Priority)
}

// invoke calls the machine's entry point and converts panics to errors so
// a single machine's failure never takes the hub down.
func (h *Hub) invoke(ctx context.Context, m Machine, req *models.TransitionRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("machine panicked: %v", r)
		}
	}()
	return m.Transition(ctx, req.FromState, req.ToState, req.Event, req.Context)
}

func (h *Hub) finish(p *pendingRequest, resp *models.TransitionResponse, sentinel error, metric string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.delivered {
		return
	}
	transitionsTotal.WithLabelValues(metric).Inc()
	p.deliver(resp, sentinel)
}

// ---------- heartbeat ----------

func (h *Hub) heartbeatLoop() {
	defer h.loopWG.Done()
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.scanHeartbeats()
		}
	}
}

// scanHeartbeats marks machines inactive when their last heartbeat is
// older than the liveness timeout. The active flag gates the fsmInactive
// notification so it fires exactly once per outage. Pending requests for
// an inactive machine stay queued; the caller's own timeout governs.
func (h *Hub) scanHeartbeats() {
	cutoff := time.Now().Add(-h.opts.LivenessTimeout)

	h.mu.Lock()
	var stale []models.MachineEvent
	for _, reg := range h.registry {
		if reg.IsActive && reg.LastHeartbeat.Before(cutoff) {
			reg.IsActive = false
			stale = append(stale, models.MachineEvent{
				MachineID: reg.ID,
				Name:      reg.Name,
				Kind:      reg.Kind,
				Reason:    "heartbeat timeout",
				Timestamp: time.Now().UTC(),
			})
		}
	}
	h.mu.Unlock()

	for _, ev := range stale {
		h.logger.Warn("machine inactive", zap.String("machine_id", ev.MachineID))
		h.dispatcher.Dispatch(context.Background(), dispatch.EventFSMInactive, ev, 0)
	}
}

// ---------- shutdown ----------

// Shutdown stops the loops, cancels all pending requests, waits up to the
// shutdown grace for in-flight executions, then closes the dispatcher and
// the history manager, in that order, and clears the registry.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	// Everything still in pending is queued, not executing; executors
	// resolve their own requests.
	for id, p := range h.pending {
		if p.index >= 0 {
			h.queue.remove(p)
		}
		delete(h.pending, id)
		transitionsTotal.WithLabelValues(resultCancelled).Inc()
		p.deliver(h.failResponse(p.req, 0, ErrShuttingDown.Error()), ErrShuttingDown)
	}
	queueLength.Set(0)
	h.mu.Unlock()

	close(h.stop)
	h.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		h.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(h.opts.ShutdownGrace):
		h.logger.Warn("in-flight transitions did not drain", zap.Duration("grace", h.opts.ShutdownGrace))
	}

	h.dispatcher.Close(h.opts.ShutdownGrace)
	if err := h.history.Close(); err != nil {
		h.logger.Warn("history close failed", zap.Error(err))
	}

	h.mu.Lock()
	h.registry = make(map[string]*registration)
	h.mu.Unlock()
	registeredMachines.Set(0)

	h.logger.Info("hub shut down")
}
