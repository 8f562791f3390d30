package exmdb

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/exmdb/notify"
	"github.com/rbaliyan/exmdb/store"
	"github.com/rbaliyan/exmdb/table"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Store handle registry
	DefaultHandleCapacity = 256              // max mailboxes loaded at once
	DefaultAcquireTimeout = 30 * time.Second // wait for a busy mailbox
	MinAcquireTimeout     = 10 * time.Millisecond
	DefaultMaxWaiters     = 32 // callers queued on one mailbox

	// Eviction
	DefaultCacheInterval = 2 * time.Hour    // idle time before an unused handle is closed
	MinCacheInterval     = 1 * time.Second  // minimum idle time
	DefaultScanInterval  = 10 * time.Second // eviction scanner period
	MinScanInterval      = 10 * time.Millisecond
	DefaultEvictRetries  = 60          // ForceEvict polls
	DefaultEvictInterval = time.Second // pause between ForceEvict polls
	DefaultPingInterval  = time.Minute // health check period of an unused handle

	// Search population
	DefaultPopulateWorkers   = 4   // background population workers
	DefaultPopulateBatchSize = 100 // messages evaluated per handle acquisition
	DefaultJobRetention      = time.Hour
)

// options holds service configuration.
type options struct {
	opener store.Opener
	logger *slog.Logger

	// Registry
	handleCapacity int
	acquireTimeout time.Duration
	maxWaiters     int

	// Eviction
	cacheInterval time.Duration
	scanInterval  time.Duration
	evictRetries  int
	evictInterval time.Duration
	pingInterval  time.Duration

	// Search population
	populateWorkers   int
	populateBatchSize int
	jobRetention      time.Duration

	// Tables
	headerPolicy table.HeaderPolicy

	// Notifications
	sinks []notify.Sink

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool                    // If true, event publishing failures fail the notification
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "TableNotification"), and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
// If the callback panics, the panic is logged and suppressed to prevent cascading failures.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger: slog.Default(),
		// Registry defaults
		handleCapacity: DefaultHandleCapacity,
		acquireTimeout: DefaultAcquireTimeout,
		maxWaiters:     DefaultMaxWaiters,
		// Eviction defaults
		cacheInterval: DefaultCacheInterval,
		scanInterval:  DefaultScanInterval,
		evictRetries:  DefaultEvictRetries,
		evictInterval: DefaultEvictInterval,
		pingInterval:  DefaultPingInterval,
		// Population defaults
		populateWorkers:   DefaultPopulateWorkers,
		populateBatchSize: DefaultPopulateBatchSize,
		jobRetention:      DefaultJobRetention,
		// Shutdown defaults
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a service.
type Option func(*options)

// --- Core Options ---

// WithOpener sets the storage backend used to open mailboxes (required).
func WithOpener(op store.Opener) Option {
	return func(o *options) {
		if op != nil {
			o.opener = op
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// --- Registry Options ---

// WithHandleCapacity sets how many mailboxes may be loaded at once.
// Acquiring a new mailbox beyond this fails with ErrRegistryFull.
// Default is 256.
func WithHandleCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.handleCapacity = n
		}
	}
}

// WithAcquireTimeout sets how long an operation waits for a mailbox held by
// another operation. Default is 30 seconds. Minimum is 10ms.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinAcquireTimeout {
			o.acquireTimeout = d
		}
	}
}

// WithMaxWaiters limits the callers queued on a single mailbox.
// Further callers fail immediately with ErrTooManyWaiters. Default is 32.
func WithMaxWaiters(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxWaiters = n
		}
	}
}

// --- Eviction Options ---

// WithCacheInterval sets how long an unused mailbox without live tables or
// subscriptions stays loaded. Default is 2 hours. Minimum is 1 second.
func WithCacheInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= MinCacheInterval {
			o.cacheInterval = d
		}
	}
}

// WithScanInterval sets the eviction scanner period.
// Default is 10 seconds. Minimum is 10ms.
func WithScanInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= MinScanInterval {
			o.scanInterval = d
		}
	}
}

// WithPingInterval sets how often the scanner checks the connection of an
// unused mailbox. Default is 1 minute.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// WithEvictRetries sets how often ForceEvict checks for the last reference
// to go away and the pause between checks. Defaults are 60 and 1 second.
func WithEvictRetries(attempts int, interval time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.evictRetries = attempts
		}
		if interval > 0 {
			o.evictInterval = interval
		}
	}
}

// --- Search Options ---

// WithPopulateWorkers sets the number of background search population
// workers. Default is 4.
func WithPopulateWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.populateWorkers = n
		}
	}
}

// WithPopulateBatchSize sets how many messages a population evaluates before
// releasing the mailbox to other operations. Default is 100.
func WithPopulateBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.populateBatchSize = n
		}
	}
}

// WithJobRetention sets how long completed population jobs are remembered.
// Default is 1 hour.
func WithJobRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.jobRetention = d
		}
	}
}

// --- Table Options ---

// WithHeaderPolicy sets what happens to category headers whose last row is
// deleted. Default is table.RemoveEmptyHeaders.
func WithHeaderPolicy(p table.HeaderPolicy) Option {
	return func(o *options) {
		o.headerPolicy = p
	}
}

// --- Notification Options ---

// WithSink adds a sink receiving every notification in addition to the
// event bus. Multiple sinks can be added by calling this option repeatedly.
func WithSink(s notify.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// When enabled, spans are created for all service operations.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
// This is a convenience function equivalent to calling
// WithTracing(true) and WithMetrics(true).
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for the tracer and the event
// bus. Default is "exmdb".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom tracer provider.
// If not set, the global tracer provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom meter provider.
// If not set, the global meter provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventTransport sets the transport of the notification event bus.
// Takes precedence over WithRedisClient.
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient publishes notifications over Redis Streams.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventErrorsFatal makes a failed event publish count as a failed
// notification delivery. By default failures are only reported through the
// publish failure handler.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventPublishFailureHandler sets a callback for event publish failures.
// The default logs the failure.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}

// --- Shutdown Options ---

// WithShutdownTimeout sets how long Close waits for running operations.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}
