// Package dispatch is the in-process pub/sub layer between the hub, the
// monitor, and external bridges. Delivery is fire-and-continue: a slow or
// panicking subscriber never blocks the scheduling loop.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event names emitted by the hub and the monitor.
const (
	EventStateChange      = "stateChange"
	EventStateTransition  = "stateTransition"
	EventFSMError         = "fsmError"
	EventFSMInactive      = "fsmInactive"
	EventAlert            = "alert"
	EventMetricsCollected = "metricsCollected"
	EventHealthUpdated    = "fsmHealthUpdated"
)

// Event is what subscribers receive.
type Event struct {
	Name      string
	Payload   any
	Priority  int // priority of the originating request, informational
	Timestamp time.Time
}

// Handler consumes a dispatched event.
type Handler func(ctx context.Context, ev Event)

type subscriber struct {
	id       string
	priority int // lower value is notified first
	seq      uint64
	handler  Handler
}

// Dispatcher fans events out to subscribers ordered by their priority.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber // event name -> subscribers
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a dispatcher.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subs:   make(map[string][]subscriber),
		logger: logger.Named("dispatch"),
	}
}

// Subscribe registers a handler for an event name. Lower priority values
// are notified first; ties keep subscription order. The returned id can
// be passed to Unsubscribe.
func (d *Dispatcher) Subscribe(event string, priority int, h Handler) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	sub := subscriber{
		id:       uuid.NewString(),
		priority: priority,
		seq:      d.seq,
		handler:  h,
	}
	d.subs[event] = append(d.subs[event], sub)
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are no-ops.
func (d *Dispatcher) Unsubscribe(event, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[event]
	for i, s := range subs {
		if s.id == id {
			d.subs[event] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Dispatch delivers the event to all current subscribers without blocking
// the caller. Subscribers run sequentially in priority order on a single
// goroutine per dispatch, so a given event is seen by higher-priority
// subscribers first.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload any, priority int) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	subs := make([]subscriber, len(d.subs[name]))
	copy(subs, d.subs[name])
	d.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})

	ev := Event{
		Name:      name,
		Payload:   payload,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, sub := range subs {
			d.deliver(ctx, sub, ev)
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, sub subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber panicked",
				zap.String("event", ev.Name),
				zap.Any("panic", r))
		}
	}()
	sub.handler(ctx, ev)
}

// Close stops accepting events and waits for in-flight deliveries,
// bounded by the given grace period.
func (d *Dispatcher) Close(grace time.Duration) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("dispatch drain timed out", zap.Duration("grace", grace))
	}
}
