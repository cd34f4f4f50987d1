// Package monitor observes the hub's event stream and keeps rolling
// real-time metrics, per-machine health, and threshold alerts.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fsmhub/internal/dispatch"
	"fsmhub/internal/hub"
	"fsmhub/internal/models"
)

// Thresholds trigger performance alerts when crossed. A value at more
// than twice its threshold escalates the alert to critical.
type Thresholds struct {
	ErrorRate   float64       // default 0.05
	AvgDuration time.Duration // default 10s
	QueueLength int           // default 100
}

// Options tune the monitor. Zero values fall back to defaults.
type Options struct {
	CollectInterval time.Duration // default 5s
	Retention       time.Duration // default 1h
	IdleAfter       time.Duration // health penalty when no transition, default 5m
	Thresholds      Thresholds
}

// DefaultOptions returns the documented monitor defaults.
func DefaultOptions() Options {
	return Options{
		CollectInterval: 5 * time.Second,
		Retention:       time.Hour,
		IdleAfter:       5 * time.Minute,
		Thresholds: Thresholds{
			ErrorRate:   0.05,
			AvgDuration: 10 * time.Second,
			QueueLength: 100,
		},
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.CollectInterval <= 0 {
		o.CollectInterval = def.CollectInterval
	}
	if o.Retention <= 0 {
		o.Retention = def.Retention
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = def.IdleAfter
	}
	if o.Thresholds.ErrorRate <= 0 {
		o.Thresholds.ErrorRate = def.Thresholds.ErrorRate
	}
	if o.Thresholds.AvgDuration <= 0 {
		o.Thresholds.AvgDuration = def.Thresholds.AvgDuration
	}
	if o.Thresholds.QueueLength <= 0 {
		o.Thresholds.QueueLength = def.Thresholds.QueueLength
	}
}

// StatusSource is the slice of the hub the monitor reads directly
// instead of via events: queue depth, active executions, registrations.
type StatusSource interface {
	QueueLength() int
	ActiveCount() int
	RegisteredMachines() []hub.Registration
}

const maxWarnings = 10

type machineStats struct {
	errors         int
	lastTransition time.Time
	unhealthy      bool
	warnings       []string
	firstSeen      time.Time
}

func (s *machineStats) warn(msg string) {
	for _, w := range s.warnings {
		if w == msg {
			return
		}
	}
	if len(s.warnings) < maxWarnings {
		s.warnings = append(s.warnings, msg)
	}
}

// Monitor subscribes to the dispatcher on construction and starts its
// collection loop on Start.
type Monitor struct {
	opts       Options
	source     StatusSource
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger

	mu          sync.Mutex
	events      []models.TransitionEvent
	machines    map[string]*machineStats
	snapshots   []models.RealTimeMetrics
	alerts      []models.PerformanceAlert
	lastCollect time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a monitor wired to the dispatcher's event stream.
func New(opts Options, source StatusSource, d *dispatch.Dispatcher, logger *zap.Logger) *Monitor {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		opts:        opts,
		source:      source,
		dispatcher:  d,
		logger:      logger.Named("monitor"),
		machines:    make(map[string]*machineStats),
		lastCollect: time.Now(),
		stop:        make(chan struct{}),
	}

	d.Subscribe(dispatch.EventStateTransition, 0, m.onTransition)
	d.Subscribe(dispatch.EventStateChange, 0, m.onStateChange)
	d.Subscribe(dispatch.EventFSMError, 0, m.onError)
	d.Subscribe(dispatch.EventFSMInactive, 0, m.onInactive)

	return m
}

// Start launches the periodic collection and retention loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.CollectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Collect()
				m.prune()
			}
		}
	}()
}

// Stop halts the collection loop. Event subscriptions stay live until
// the dispatcher itself closes.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// ---------- event intake ----------

func (m *Monitor) stats(machineID string) *machineStats {
	s, ok := m.machines[machineID]
	if !ok {
		s = &machineStats{firstSeen: time.Now()}
		m.machines[machineID] = s
	}
	return s
}

func (m *Monitor) onTransition(ctx context.Context, ev dispatch.Event) {
	te, ok := ev.Payload.(models.TransitionEvent)
	if !ok {
		return
	}

	m.mu.Lock()
	m.events = append(m.events, te)
	s := m.stats(te.MachineID)
	s.lastTransition = te.Timestamp
	if !te.Success {
		s.errors++
	}
	m.mu.Unlock()

	// A single transition taking more than twice the duration threshold
	// alerts immediately, without waiting for the next collection.
	if te.Duration > 2*m.opts.Thresholds.AvgDuration {
		m.raiseAlert(ctx, models.AlertSlowTransition, models.SeverityCritical, te.MachineID,
			fmt.Sprintf("transition %s->%s took %s", te.From, te.To, te.Duration),
			map[string]float64{"duration_seconds": te.Duration.Seconds()})
	}
}

func (m *Monitor) onStateChange(ctx context.Context, ev dispatch.Event) {
	me, ok := ev.Payload.(models.MachineEvent)
	if !ok {
		return
	}
	m.mu.Lock()
	m.stats(me.MachineID).lastTransition = me.Timestamp
	m.mu.Unlock()
}

func (m *Monitor) onError(ctx context.Context, ev dispatch.Event) {
	me, ok := ev.Payload.(models.MachineEvent)
	if !ok {
		return
	}
	m.mu.Lock()
	s := m.stats(me.MachineID)
	s.errors++
	s.unhealthy = true
	s.warn(me.Reason)
	m.mu.Unlock()

	m.raiseAlert(ctx, models.AlertMachineUnhealthy, models.SeverityHigh, me.MachineID,
		fmt.Sprintf("machine reported error: %s", me.Reason), nil)
}

func (m *Monitor) onInactive(ctx context.Context, ev dispatch.Event) {
	me, ok := ev.Payload.(models.MachineEvent)
	if !ok {
		return
	}
	m.mu.Lock()
	s := m.stats(me.MachineID)
	s.unhealthy = true
	s.warn("heartbeat timeout")
	m.mu.Unlock()

	m.raiseAlert(ctx, models.AlertMachineUnhealthy, models.SeverityCritical, me.MachineID,
		"machine went inactive: heartbeat timeout", nil)
}

// ---------- collection ----------

// Collect computes a metrics snapshot over the trailing interval and
// checks thresholds. Exposed for tests and on-demand refreshes.
func (m *Monitor) Collect() models.RealTimeMetrics {
	now := time.Now()
	queueLen := m.source.QueueLength()
	active := m.source.ActiveCount()
	regs := m.source.RegisteredMachines()

	m.mu.Lock()
	since := m.lastCollect
	m.lastCollect = now

	var total, failed int
	var successDur time.Duration
	var successes int
	for _, ev := range m.events {
		if ev.Timestamp.Before(since) {
			continue
		}
		total++
		if ev.Success {
			successes++
			successDur += ev.Duration
		} else {
			failed++
		}
	}

	elapsed := now.Sub(since).Seconds()
	snap := models.RealTimeMetrics{
		Timestamp:         now,
		ActiveTransitions: active,
		QueueLength:       queueLen,
		HealthScores:      make(map[string]float64, len(regs)),
	}
	if elapsed > 0 {
		snap.TransitionsPerSecond = float64(total) / elapsed
	}
	if successes > 0 {
		snap.AverageTransitionTime = successDur / time.Duration(successes)
	}
	if total > 0 {
		snap.ErrorRate = float64(failed) / float64(total)
	}

	healthSum := 0.0
	for _, reg := range regs {
		score := m.healthScoreLocked(reg, now)
		snap.HealthScores[reg.ID] = score
		healthSum += score
	}
	meanHealth := 100.0
	if len(regs) > 0 {
		meanHealth = healthSum / float64(len(regs))
	}
	snap.PerformanceScore = m.performanceScore(snap, meanHealth)

	m.snapshots = append(m.snapshots, snap)
	m.mu.Unlock()

	m.dispatcher.Dispatch(context.Background(), dispatch.EventMetricsCollected, snap, 0)
	m.dispatcher.Dispatch(context.Background(), dispatch.EventHealthUpdated, snap.HealthScores, 0)
	m.checkThresholds(snap)

	return snap
}

// healthScoreLocked computes the 0-100 health score for one machine.
// Callers hold m.mu.
func (m *Monitor) healthScoreLocked(reg hub.Registration, now time.Time) float64 {
	score := 100.0
	s, ok := m.machines[reg.ID]
	if !ok {
		s = &machineStats{lastTransition: reg.RegisteredAt}
	}

	if s.unhealthy || !reg.IsActive {
		score -= 50
	}

	errPenalty := float64(s.errors) * 2
	if errPenalty > 30 {
		errPenalty = 30
	}
	score -= errPenalty

	last := s.lastTransition
	if last.IsZero() {
		last = reg.RegisteredAt
	}
	if now.Sub(last) > m.opts.IdleAfter {
		score -= 20
	}

	score -= float64(len(s.warnings)) * 5

	return clamp(score)
}

// performanceScore aggregates the whole system into 0-100.
func (m *Monitor) performanceScore(snap models.RealTimeMetrics, meanHealth float64) float64 {
	score := 100.0

	score -= snap.ErrorRate * 40

	durRatio := snap.AverageTransitionTime.Seconds() / m.opts.Thresholds.AvgDuration.Seconds()
	if durRatio > 1 {
		durRatio = 1
	}
	score -= durRatio * 30

	queueRatio := float64(snap.QueueLength) / float64(m.opts.Thresholds.QueueLength)
	if queueRatio > 1 {
		queueRatio = 1
	}
	score -= queueRatio * 20

	score -= (100 - meanHealth) / 100 * 10

	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ---------- alerting ----------

func (m *Monitor) checkThresholds(snap models.RealTimeMetrics) {
	ctx := context.Background()
	t := m.opts.Thresholds

	if snap.ErrorRate > t.ErrorRate {
		m.raiseAlert(ctx, models.AlertErrorRate, escalate(snap.ErrorRate, t.ErrorRate), "",
			fmt.Sprintf("error rate %.1f%% exceeds threshold %.1f%%", snap.ErrorRate*100, t.ErrorRate*100),
			map[string]float64{"error_rate": snap.ErrorRate})
	}
	if snap.AverageTransitionTime > t.AvgDuration {
		m.raiseAlert(ctx, models.AlertSlowTransition,
			escalate(snap.AverageTransitionTime.Seconds(), t.AvgDuration.Seconds()), "",
			fmt.Sprintf("average transition time %s exceeds threshold %s", snap.AverageTransitionTime, t.AvgDuration),
			map[string]float64{"average_seconds": snap.AverageTransitionTime.Seconds()})
	}
	if snap.QueueLength > t.QueueLength {
		m.raiseAlert(ctx, models.AlertQueueOverflow,
			escalate(float64(snap.QueueLength), float64(t.QueueLength)), "",
			fmt.Sprintf("queue length %d exceeds threshold %d", snap.QueueLength, t.QueueLength),
			map[string]float64{"queue_length": float64(snap.QueueLength)})
	}
}

// escalate picks high severity for a crossed threshold, critical past 2x.
func escalate(value, threshold float64) models.AlertSeverity {
	if value > 2*threshold {
		return models.SeverityCritical
	}
	return models.SeverityHigh
}

func (m *Monitor) raiseAlert(ctx context.Context, typ models.AlertType, sev models.AlertSeverity, machineID, msg string, metrics map[string]float64) {
	alert := models.PerformanceAlert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		Message:   msg,
		MachineID: machineID,
		Timestamp: time.Now().UTC(),
		Metrics:   metrics,
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()

	m.logger.Warn("performance alert",
		zap.String("type", string(typ)),
		zap.String("severity", string(sev)),
		zap.String("machine_id", machineID),
		zap.String("message", msg))

	m.dispatcher.Dispatch(ctx, dispatch.EventAlert, alert, 0)
}

// ---------- retention ----------

// prune drops snapshots, buffered events, and alerts older than the
// retention period.
func (m *Monitor) prune() {
	cutoff := time.Now().Add(-m.opts.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = pruneEvents(m.events, cutoff)
	m.snapshots = pruneSnapshots(m.snapshots, cutoff)
	m.alerts = pruneAlerts(m.alerts, cutoff)
}

func pruneEvents(in []models.TransitionEvent, cutoff time.Time) []models.TransitionEvent {
	out := in[:0]
	for _, ev := range in {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

func pruneSnapshots(in []models.RealTimeMetrics, cutoff time.Time) []models.RealTimeMetrics {
	out := in[:0]
	for _, s := range in {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func pruneAlerts(in []models.PerformanceAlert, cutoff time.Time) []models.PerformanceAlert {
	out := in[:0]
	for _, a := range in {
		if !a.Timestamp.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// ---------- queries ----------

// CurrentMetrics returns the latest snapshot, or a zero snapshot when
// nothing has been collected yet.
func (m *Monitor) CurrentMetrics() models.RealTimeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return models.RealTimeMetrics{Timestamp: time.Now(), HealthScores: map[string]float64{}}
	}
	return m.snapshots[len(m.snapshots)-1]
}

// MetricsHistory returns snapshots taken at or after since. A zero time
// returns everything retained.
func (m *Monitor) MetricsHistory(since time.Time) []models.RealTimeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RealTimeMetrics, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		if since.IsZero() || !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

// ActiveAlerts returns all alerts still within the retention window.
func (m *Monitor) ActiveAlerts() []models.PerformanceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PerformanceAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// HealthStatuses returns per-machine health derived from the observed
// event stream and the registry.
func (m *Monitor) HealthStatuses() []models.HealthStatus {
	now := time.Now()
	regs := m.source.RegisteredMachines()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.HealthStatus, 0, len(regs))
	for _, reg := range regs {
		s, ok := m.machines[reg.ID]
		if !ok {
			s = &machineStats{}
		}
		last := s.lastTransition
		if last.IsZero() {
			last = reg.RegisteredAt
		}
		out = append(out, models.HealthStatus{
			MachineID:          reg.ID,
			IsHealthy:          !s.unhealthy && reg.IsActive,
			Uptime:             now.Sub(reg.RegisteredAt),
			ErrorCount:         s.errors,
			LastTransitionTime: last,
			Warnings:           append([]string(nil), s.warnings...),
			Score:              m.healthScoreLocked(reg, now),
		})
	}
	return out
}
