package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Bridge republishes dispatcher events onto NATS subjects so external
// dashboards and loggers can consume the hub's event stream without
// linking against it. Subjects are "<prefix>.events.<eventName>".
type Bridge struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	subIDs map[string]string // event name -> subscription id
}

// NewBridge connects to NATS and subscribes to the given events on the
// dispatcher. Publishing is best-effort; failures are logged.
func NewBridge(d *Dispatcher, url, prefix string, events []string, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	opts := []nats.Option{
		nats.Name("fsmhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		nc:     nc,
		prefix: prefix,
		logger: logger,
		subIDs: make(map[string]string),
	}
	for _, name := range events {
		name := name
		b.subIDs[name] = d.Subscribe(name, 100, func(ctx context.Context, ev Event) {
			b.publish(ev)
		})
	}
	return b, nil
}

type wireEvent struct {
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *Bridge) publish(ev Event) {
	if b.nc == nil || b.nc.IsClosed() {
		return
	}
	payload, err := json.Marshal(wireEvent{
		Event:     ev.Name,
		Payload:   ev.Payload,
		Priority:  ev.Priority,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		b.logger.Warn("marshal event failed", zap.String("event", ev.Name), zap.Error(err))
		return
	}
	subject := b.prefix + ".events." + ev.Name
	if err := b.nc.Publish(subject, payload); err != nil {
		b.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the connection.
func (b *Bridge) Close() {
	if b.nc != nil {
		b.nc.Drain()
		b.nc.Close()
	}
}
