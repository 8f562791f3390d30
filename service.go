package exmdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/search"
	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/table"
)

// FolderOperator creates, changes and removes folders.
type FolderOperator interface {
	CreateFolder(ctx context.Context, path string, f *store.Folder) (uint64, error)
	ModifyFolder(ctx context.Context, path string, id uint64, props store.PropValues) error
	MoveFolder(ctx context.Context, path string, id, parentID uint64) error
	DeleteFolder(ctx context.Context, path string, id uint64) error
	GetFolder(ctx context.Context, path string, id uint64) (*store.Folder, error)
}

// MessageOperator creates, changes and removes messages.
type MessageOperator interface {
	CreateMessage(ctx context.Context, path string, m *store.Message) (uint64, error)
	// DeliverMessage is CreateMessage for incoming mail: it also raises a
	// new-mail notification.
	DeliverMessage(ctx context.Context, path string, m *store.Message) (uint64, error)
	ModifyMessage(ctx context.Context, path string, id uint64, props store.PropValues) error
	SetMessageRead(ctx context.Context, path string, id uint64, read bool) error
	MoveMessage(ctx context.Context, path string, id, folderID uint64) error
	DeleteMessage(ctx context.Context, path string, id uint64) error
	GetMessage(ctx context.Context, path string, id uint64) (*store.Message, error)
}

// SearchOperator manages search folder criteria.
type SearchOperator interface {
	SetSearchCriteria(ctx context.Context, path string, c *store.SearchCriteria) error
	GetSearchCriteria(ctx context.Context, path string, folderID uint64) (*store.SearchCriteria, error)
	IsPopulating(path string, folderID uint64) bool
}

// TableOperator loads and reads live tables.
type TableOperator interface {
	LoadContentTable(ctx context.Context, path string, req TableRequest) (TableInfo, error)
	LoadHierarchyTable(ctx context.Context, path string, req TableRequest) (TableInfo, error)
	LoadAttachmentTable(ctx context.Context, path string, req TableRequest) (TableInfo, error)
	LoadRecipientTable(ctx context.Context, path string, req TableRequest) (TableInfo, error)
	LoadRuleTable(ctx context.Context, path string, req TableRequest) (TableInfo, error)
	UnloadTable(ctx context.Context, path string, tableID uint32) error
	QueryTable(ctx context.Context, path string, tableID uint32, start, count int, tags []store.PropTag) ([]store.PropValues, error)
	TableRowCount(ctx context.Context, path string, tableID uint32) (int, error)
	ExpandRow(ctx context.Context, path string, tableID uint32, instID int64) (int, error)
	CollapseRow(ctx context.Context, path string, tableID uint32, instID int64) (int, error)
	ReloadContentTable(ctx context.Context, path string, tableID uint32) error
}

// NotificationOperator manages the subscriptions of remote observers.
type NotificationOperator interface {
	Subscribe(ctx context.Context, sub notify.Subscription) (string, error)
	Unsubscribe(ctx context.Context, id string) error
}

// Service is the mailbox table and search engine.
//
// Every operation names the mailbox by path. The first use of a path opens
// the mailbox through the configured store.Opener and keeps it loaded
// until it is idle, broken, or evicted with ForceEvict. Operations on one
// mailbox are serialized; operations on different mailboxes run in
// parallel.
//
// Composed of:
//   - FolderOperator: folder create/modify/move/delete
//   - MessageOperator: message create/modify/move/delete and read state
//   - SearchOperator: search folder criteria and population status
//   - TableOperator: live tables
//   - NotificationOperator: subscriptions
type Service interface {
	// Connect starts the eviction scanner and the population workers.
	Connect(ctx context.Context) error
	// Close stops background work and closes every loaded mailbox.
	Close(ctx context.Context) error
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
	// Events returns the per-service notification events.
	// Only valid after Connect.
	Events() *ServiceEvents
	// ForceEvict closes a mailbox as soon as no operation uses it.
	ForceEvict(ctx context.Context, path string) error
	// Stats returns a snapshot of the service state.
	Stats() Stats

	FolderOperator
	MessageOperator
	SearchOperator
	TableOperator
	NotificationOperator
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	opener store.Opener
	logger *slog.Logger
	opts   *options
	state  int32 // stateDisconnected, stateConnecting, or stateConnected
	otel   *otelInstrumentation
	subs   *notify.Registry

	// Set by Connect.
	reg      *registry
	pool     *search.Pool
	disp     *notify.Dispatcher
	bus      *busSink
	eventBus *event.Bus
	events   *ServiceEvents
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewService creates a new service.
// Call Connect() to start background work.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.opener == nil {
		return nil, ErrOpenerRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		opener: o.opener,
		logger: o.logger,
		opts:   o,
		otel:   otelInstr,
		subs:   notify.NewRegistry(),
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

func (s *service) checkConnected() error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// Connect starts the service.
func (s *service) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	// Reset to disconnected on failure, set to connected on success
	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.initEventBus(ctx); err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}

	s.bus = &busSink{events: s.events, opts: s.opts}
	sinks := append([]notify.Sink{s.bus}, s.opts.sinks...)
	s.disp = notify.NewDispatcher(s.subs, s.logger, sinks...)

	s.reg = newRegistry(s.opener, s.opts, s.otel)
	s.reg.pinned = func(path string) bool { return s.subs.PathLen(path) > 0 }
	s.reg.onClose = s.handleClosed

	s.pool = search.NewPool(s.populate, s.opts.populateWorkers, s.logger)
	s.pool.Start()

	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reg.run(scanCtx, func() { s.pool.Prune(s.opts.jobRetention) })
	}()

	success = true
	s.logger.Info("exmdb service connected",
		"capacity", s.opts.handleCapacity,
		"workers", s.opts.populateWorkers)
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this service.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "exmdb"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	return nil
}

// Close stops the service.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	s.cancel()
	s.wg.Wait()
	s.pool.Stop()

	// Wait for operations still holding a mailbox, then close every handle.
	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.reg.closeAll(shutdownCtx); err != nil {
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown: %w", err))
	}

	// Close event bus only if using a real transport.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	s.logger.Info("exmdb service closed")
	return errors.Join(errs...)
}

// handleClosed drops the subscriptions registered through h. Populations
// keep running; their next batch reopens the mailbox.
func (s *service) handleClosed(h *handle) {
	if n := s.subs.RemoveIDs(h.subs...); n > 0 {
		s.logger.Debug("subscriptions dropped with store handle", "path", h.path, "count", n)
	}
}

// withHandle runs fn holding the mailbox at path.
func (s *service) withHandle(ctx context.Context, path string, fn func(h *handle) error) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	h, err := s.reg.acquire(ctx, p)
	if err != nil {
		return err
	}
	defer s.reg.release(h)
	return fn(h)
}

// ForceEvict closes the mailbox at path as soon as no operation holds it.
// It returns ErrEvictTimeout when the mailbox stayed in use for the whole
// retry budget; the next scan closes it once it is released.
func (s *service) ForceEvict(ctx context.Context, path string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	return s.reg.forceEvict(ctx, p)
}

// Stats is a snapshot of the service state.
type Stats struct {
	// Handles is the number of loaded mailboxes.
	Handles int
	// Tables is the number of live tables across all mailboxes.
	Tables int
	// PendingJobs and RunningJobs count search populations.
	PendingJobs int
	RunningJobs int
	// Subscriptions is the number of registered subscriptions.
	Subscriptions int
	// Delivered and Failed count sink deliveries.
	Delivered int64
	Failed    int64
}

// Stats returns a snapshot of the service state.
func (s *service) Stats() Stats {
	st := Stats{Subscriptions: s.subs.Len()}
	if !s.IsConnected() {
		return st
	}
	st.Handles, st.Tables = s.reg.counts()
	st.PendingJobs = s.pool.Pending()
	st.RunningJobs = s.pool.Running()
	st.Delivered, st.Failed = s.disp.Stats()
	return st
}

var _ Service = (*service)(nil)

// Compile-time check that table.Source adapters stay in sync.
var (
	_ table.Source = messageSource{}
	_ table.Source = folderSource{}
	_ table.Source = listSource(nil)
)
