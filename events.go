package exmdb

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/exmdb/notify"
)

// Event names for exmdb events.
const (
	EventNameObjectNotification = "exmdb.notification.object"
	EventNameTableNotification  = "exmdb.notification.table"
	EventNameSearchCompleted    = "exmdb.search.completed"
)

// ObjectNotificationEvent is published for every notification matched to a
// subscription. Remote observers filter on Observer.
type ObjectNotificationEvent struct {
	Observer       string    `json:"observer"`
	SubscriptionID string    `json:"subscription_id"`
	Path           string    `json:"path"`
	Type           string    `json:"type"`
	Folder         uint64    `json:"folder_id"`
	Message        uint64    `json:"message_id,omitempty"`
	Parent         uint64    `json:"parent_id,omitempty"`
	OldFolder      uint64    `json:"old_folder_id,omitempty"`
	Tags           []uint32  `json:"tags,omitempty"`
	Time           time.Time `json:"time"`
}

// TableNotificationEvent is published for every row change of a live table.
// Row and Prev are row ids, stable for the life of the row; Prev is the
// row the changed row now follows.
type TableNotificationEvent struct {
	Observer string    `json:"observer"`
	Path     string    `json:"path"`
	TableID  uint32    `json:"table_id"`
	Kind     string    `json:"kind"`
	Row      uint32    `json:"row,omitempty"`
	Prev     uint32    `json:"prev,omitempty"`
	Entity   uint64    `json:"entity,omitempty"`
	Instance int       `json:"instance,omitempty"`
	Time     time.Time `json:"time"`
}

// SearchCompletedEvent is published when a search folder population ends.
type SearchCompletedEvent struct {
	Path        string        `json:"path"`
	Folder      uint64        `json:"folder_id"`
	JobID       string        `json:"job_id"`
	Matches     int           `json:"matches"`
	Elapsed     time.Duration `json:"elapsed"`
	CompletedAt time.Time     `json:"completed_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().ObjectNotification.Subscribe(ctx, handler)
//	svc.Events().TableNotification.Subscribe(ctx, handler)
//	svc.Events().SearchCompleted.Subscribe(ctx, handler)
type ServiceEvents struct {
	// ObjectNotification carries object and search notifications.
	ObjectNotification event.Event[ObjectNotificationEvent]

	// TableNotification carries live table row changes.
	TableNotification event.Event[TableNotificationEvent]

	// SearchCompleted is published once per finished population.
	SearchCompleted event.Event[SearchCompletedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		ObjectNotification: event.New[ObjectNotificationEvent](namePrefix + "." + EventNameObjectNotification),
		TableNotification:  event.New[TableNotificationEvent](namePrefix + "." + EventNameTableNotification),
		SearchCompleted:    event.New[SearchCompletedEvent](namePrefix + "." + EventNameSearchCompleted),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.ObjectNotification); err != nil {
		return fmt.Errorf("register ObjectNotification: %w", err)
	}
	if err := event.Register(ctx, bus, events.TableNotification); err != nil {
		return fmt.Errorf("register TableNotification: %w", err)
	}
	if err := event.Register(ctx, bus, events.SearchCompleted); err != nil {
		return fmt.Errorf("register SearchCompleted: %w", err)
	}
	return nil
}

// busSink publishes notifications on the service event bus.
type busSink struct {
	events *ServiceEvents
	opts   *options
}

var _ notify.Sink = (*busSink)(nil)

func (b *busSink) Notify(ctx context.Context, n notify.Notification) error {
	ev := n.Event
	var tags []uint32
	for _, t := range ev.Tags {
		tags = append(tags, uint32(t))
	}
	err := b.events.ObjectNotification.Publish(ctx, ObjectNotificationEvent{
		Observer:       n.Observer,
		SubscriptionID: n.SubscriptionID,
		Path:           ev.Path,
		Type:           ev.Type.String(),
		Folder:         ev.Folder,
		Message:        ev.Message,
		Parent:         ev.Parent,
		OldFolder:      ev.OldFolder,
		Tags:           tags,
		Time:           ev.Time,
	})
	return b.failed("ObjectNotification", n.Observer, err)
}

func (b *busSink) NotifyTable(ctx context.Context, n notify.TableNotification) error {
	err := b.events.TableNotification.Publish(ctx, TableNotificationEvent{
		Observer: n.Observer,
		Path:     n.Path,
		TableID:  n.Table,
		Kind:     n.Event.Kind.String(),
		Row:      uint32(n.Event.Row),
		Prev:     uint32(n.Event.Prev),
		Entity:   n.Event.Entity,
		Instance: n.Event.Instance,
		Time:     time.Now().UTC(),
	})
	return b.failed("TableNotification", n.Observer, err)
}

func (b *busSink) searchCompleted(ctx context.Context, ev SearchCompletedEvent) {
	if err := b.events.SearchCompleted.Publish(ctx, ev); err != nil {
		b.opts.safeEventPublishFailure("SearchCompleted", err)
	}
}

// failed reports a publish failure to the failure handler. The error is
// only returned when event errors are fatal.
func (b *busSink) failed(name, observer string, err error) error {
	if err == nil {
		return nil
	}
	b.opts.safeEventPublishFailure(name, err)
	if b.opts.eventErrorsFatal {
		return &EventPublishError{Event: name, Observer: observer, Err: err}
	}
	return nil
}
