package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink receives notifications for remote observers.
type Sink interface {
	// Notify delivers an object or search notification.
	Notify(ctx context.Context, n Notification) error
	// NotifyTable delivers a row change of a live table.
	NotifyTable(ctx context.Context, n TableNotification) error
}

// Dispatcher fans events out to the matching subscriptions and hands every
// notification to each sink once. Sink failures are logged and dropped.
type Dispatcher struct {
	reg    *Registry
	sinks  []Sink
	logger *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher over a registry.
func NewDispatcher(reg *Registry, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{reg: reg, sinks: sinks, logger: logger}
}

// Registry returns the subscription registry.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Dispatch delivers ev to every matching observer and returns the number
// of notifications produced.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) int {
	ns := d.reg.Match(ev)
	for _, n := range ns {
		for _, s := range d.sinks {
			if err := s.Notify(ctx, n); err != nil {
				d.failed.Add(1)
				d.logger.Warn("notification delivery failed",
					"observer", n.Observer, "subscription", n.SubscriptionID,
					"path", ev.Path, "type", ev.Type.String(), "error", err)
				continue
			}
			d.delivered.Add(1)
		}
	}
	return len(ns)
}

// DispatchTable delivers a table row change to its observer.
func (d *Dispatcher) DispatchTable(ctx context.Context, n TableNotification) {
	for _, s := range d.sinks {
		if err := s.NotifyTable(ctx, n); err != nil {
			d.failed.Add(1)
			d.logger.Warn("table notification delivery failed",
				"observer", n.Observer, "path", n.Path, "table", n.Table,
				"kind", n.Event.Kind.String(), "error", err)
			continue
		}
		d.delivered.Add(1)
	}
}

// Stats returns the number of successful and failed sink deliveries.
func (d *Dispatcher) Stats() (delivered, failed int64) {
	return d.delivered.Load(), d.failed.Load()
}

// Recorder is a Sink that keeps everything it receives.
type Recorder struct {
	mu     sync.Mutex
	notes  []Notification
	tables []TableNotification
}

// Notify records n.
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

// NotifyTable records n.
func (r *Recorder) NotifyTable(_ context.Context, n TableNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, n)
	return nil
}

// Notifications returns the recorded object notifications.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

// TableNotifications returns the recorded table notifications.
func (r *Recorder) TableNotifications() []TableNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TableNotification(nil), r.tables...)
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = nil
	r.tables = nil
}
