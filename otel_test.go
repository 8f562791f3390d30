package exmdb

import (
	"context"
	"slices"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rbaliyan/exmdb/store"
)

func TestOTelInstrumentation(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	svc, _ := newTestService(t,
		WithOTel(true),
		WithTracerProvider(tp),
		WithMeterProvider(mp),
	)
	ctx := context.Background()
	f := mkFolder(t, svc, 0, "F")
	mkMessage(t, svc, f, "x")
	s := mkSearchFolder(t, svc, 0, "S")
	setCriteria(t, svc, &store.SearchCriteria{FolderID: s, Scope: []uint64{f}})
	info, err := svc.LoadContentTable(ctx, testPath, TableRequest{Observer: "obs", Owner: f})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := svc.QueryTable(ctx, testPath, info.ID, 0, 10, []store.PropTag{store.TagSubject}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := svc.MoveMessage(ctx, testPath, 9999, f); err == nil {
		t.Fatal("expected move of a missing message to fail")
	}

	var names []string
	for _, sp := range spans.Ended() {
		names = append(names, sp.Name())
	}
	for _, want := range []string{"exmdb.create_folder", "exmdb.create_message", "exmdb.populate", "exmdb.LoadTable", "exmdb.QueryTable", "exmdb.move_message"} {
		if !slices.Contains(names, want) {
			t.Errorf("missing span %q in %v", want, names)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var metrics []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			metrics = append(metrics, m.Name)
		}
	}
	for _, want := range []string{"exmdb.acquire.duration", "exmdb.mutation.count", "exmdb.mutation.errors"} {
		if !slices.Contains(metrics, want) {
			t.Errorf("missing metric %q in %v", want, metrics)
		}
	}
}

func TestOTelDisabled(t *testing.T) {
	o, err := newOtelInstrumentation(newOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, end := o.startSpan(context.Background(), "noop")
	end(nil)
	o.recordMutation(ctx, 0, "noop", nil)
	o.recordPopulate(ctx, 0, 1, false)
	o.recordNotifications(ctx, "created", 1)
}
