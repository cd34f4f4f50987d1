// Package history keeps the append-only ledger of executed transitions
// and derives aggregate metrics from it on demand.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fsmhub/internal/models"
	"fsmhub/internal/storage"
)

// Metrics are aggregates over the ledger, optionally restricted to a
// trailing time window.
type Metrics struct {
	Count           int           `json:"count"`
	Successes       int           `json:"successes"`
	Failures        int           `json:"failures"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	P95Duration     time.Duration `json:"p95_duration"`
}

// Manager is the ledger. Appends come from every worker goroutine; reads
// come from the metrics endpoints and the monitor, so everything is
// behind a RWMutex.
type Manager struct {
	mu      sync.RWMutex
	records []models.TransitionRecord

	store  storage.Store // optional; nil disables persistence
	logger *zap.Logger
}

// New creates a manager. store may be nil; persistence failures are
// logged and never surfaced to the recording path.
func New(store storage.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger.Named("history"),
	}
}

// RecordTransition appends a record to the ledger.
func (m *Manager) RecordTransition(ctx context.Context, rec models.TransitionRecord) {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.AppendRecord(ctx, rec); err != nil {
			m.logger.Warn("persist record failed",
				zap.String("machine_id", rec.MachineID),
				zap.Error(err))
		}
	}
}

// Len returns the number of records in the ledger.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns a snapshot of the most recent records, newest last.
// limit <= 0 returns everything.
func (m *Manager) Records(limit int) []models.TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if limit > 0 && len(m.records) > limit {
		start = len(m.records) - limit
	}
	out := make([]models.TransitionRecord, len(m.records)-start)
	copy(out, m.records[start:])
	return out
}

// Metrics aggregates the ledger. A window of 0 covers all records.
func (m *Manager) Metrics(window time.Duration) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	var out Metrics
	var total time.Duration
	durations := make([]time.Duration, 0, len(m.records))

	for _, rec := range m.records {
		if window > 0 && rec.Timestamp.Before(cutoff) {
			continue
		}
		out.Count++
		if rec.Success {
			out.Successes++
		} else {
			out.Failures++
		}
		total += rec.Duration
		durations = append(durations, rec.Duration)
	}

	if out.Count == 0 {
		return out
	}

	out.SuccessRate = float64(out.Successes) / float64(out.Count)
	out.AverageDuration = total / time.Duration(out.Count)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := (len(durations) * 95) / 100
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	out.P95Duration = durations[idx]

	return out
}

// Close releases the backing store, if any.
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
