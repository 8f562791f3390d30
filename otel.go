package exmdb

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/exmdb"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Store handles
	acquireLatency  metric.Float64Histogram
	acquireTimeouts metric.Int64Counter
	evictions       metric.Int64Counter

	// Mutations
	mutationLatency metric.Float64Histogram
	mutationCount   metric.Int64Counter
	mutationErrors  metric.Int64Counter

	// Table maintenance
	tableLatency   metric.Float64Histogram
	tableEvents    metric.Int64Counter
	tableFallbacks metric.Int64Counter

	// Search population
	populateLatency metric.Float64Histogram
	populateCount   metric.Int64Counter
	populateMatches metric.Int64Counter

	// Notifications
	notificationCount metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Handle metrics
	o.acquireLatency, err = meter.Float64Histogram(
		"exmdb.acquire.duration",
		metric.WithDescription("Time spent waiting for a store handle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.acquireTimeouts, err = meter.Int64Counter(
		"exmdb.acquire.timeouts",
		metric.WithDescription("Number of failed store handle acquisitions"),
	)
	if err != nil {
		return err
	}

	o.evictions, err = meter.Int64Counter(
		"exmdb.handle.evictions",
		metric.WithDescription("Number of store handles closed"),
	)
	if err != nil {
		return err
	}

	// Mutation metrics
	o.mutationLatency, err = meter.Float64Histogram(
		"exmdb.mutation.duration",
		metric.WithDescription("Duration of folder and message operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.mutationCount, err = meter.Int64Counter(
		"exmdb.mutation.count",
		metric.WithDescription("Number of folder and message operations"),
	)
	if err != nil {
		return err
	}

	o.mutationErrors, err = meter.Int64Counter(
		"exmdb.mutation.errors",
		metric.WithDescription("Number of failed folder and message operations"),
	)
	if err != nil {
		return err
	}

	// Table metrics
	o.tableLatency, err = meter.Float64Histogram(
		"exmdb.table.duration",
		metric.WithDescription("Duration of table loads and queries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.tableEvents, err = meter.Int64Counter(
		"exmdb.table.events",
		metric.WithDescription("Number of row events produced by table maintenance"),
	)
	if err != nil {
		return err
	}

	o.tableFallbacks, err = meter.Int64Counter(
		"exmdb.table.fallbacks",
		metric.WithDescription("Number of tables rebuilt after a maintenance failure"),
	)
	if err != nil {
		return err
	}

	// Population metrics
	o.populateLatency, err = meter.Float64Histogram(
		"exmdb.populate.duration",
		metric.WithDescription("Duration of search folder populations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.populateCount, err = meter.Int64Counter(
		"exmdb.populate.count",
		metric.WithDescription("Number of search folder populations"),
	)
	if err != nil {
		return err
	}

	o.populateMatches, err = meter.Int64Counter(
		"exmdb.populate.matches",
		metric.WithDescription("Number of messages added by populations"),
	)
	if err != nil {
		return err
	}

	o.notificationCount, err = meter.Int64Counter(
		"exmdb.notification.count",
		metric.WithDescription("Number of notifications matched to observers"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned function ends the span, recording err when non-nil.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordAcquire records store handle acquisition metrics.
func (o *otelInstrumentation) recordAcquire(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.acquireLatency.Record(ctx, duration.Seconds())
	if err != nil {
		o.acquireTimeouts.Add(ctx, 1)
	}
}

// recordEviction records a closed store handle.
func (o *otelInstrumentation) recordEviction(ctx context.Context, reason string) {
	if !o.metricsEnabled {
		return
	}

	o.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// recordMutation records folder and message operation metrics.
func (o *otelInstrumentation) recordMutation(ctx context.Context, duration time.Duration, operation string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
	)

	o.mutationLatency.Record(ctx, duration.Seconds(), attrs)
	o.mutationCount.Add(ctx, 1, attrs)
	if err != nil {
		o.mutationErrors.Add(ctx, 1, attrs)
	}
}

// recordTable records table load and query metrics.
func (o *otelInstrumentation) recordTable(ctx context.Context, duration time.Duration, operation string) {
	if !o.metricsEnabled {
		return
	}

	o.tableLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// recordTableEvents records row events produced by incremental maintenance.
func (o *otelInstrumentation) recordTableEvents(ctx context.Context, n int) {
	if !o.metricsEnabled || n == 0 {
		return
	}

	o.tableEvents.Add(ctx, int64(n))
}

// recordTableFallback records a table rebuilt after a failed update.
func (o *otelInstrumentation) recordTableFallback(ctx context.Context) {
	if !o.metricsEnabled {
		return
	}

	o.tableFallbacks.Add(ctx, 1)
}

// recordPopulate records search population metrics.
func (o *otelInstrumentation) recordPopulate(ctx context.Context, duration time.Duration, matches int, stopped bool) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("stopped", stopped),
	)

	o.populateLatency.Record(ctx, duration.Seconds(), attrs)
	o.populateCount.Add(ctx, 1, attrs)
	o.populateMatches.Add(ctx, int64(matches))
}

// recordNotifications records matched notifications.
func (o *otelInstrumentation) recordNotifications(ctx context.Context, eventType string, n int) {
	if !o.metricsEnabled || n == 0 {
		return
	}

	o.notificationCount.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("type", eventType),
	))
}
