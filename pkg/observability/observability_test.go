package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "helm-integrity", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestDisabledProviderIsUsable(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	_, done := p.TrackOperation(context.Background(), "halt.trigger")
	done(errors.New("boom"))
	p.RecordAppend(context.Background(), "halt.triggered")
	p.RecordSweep(context.Background(), "nullify", 2)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	p, err := NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	require.NoError(t, err)
	return p, rec, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestTrackOperation_RecordsSpanAndMetrics(t *testing.T) {
	p, rec, reader := newTestProvider(t)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "rollback.execute", AttrCheckpointID.String("cp-1"))
	done(nil)
	_, done = p.TrackOperation(ctx, "rollback.execute", AttrCheckpointID.String("cp-1"))
	done(errors.New("quorum"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "rollback.execute", spans[0].Name())
	assert.Len(t, spans[1].Events(), 1, "error recorded on span")

	assert.Equal(t, int64(2), sumOf(t, reader, "integrity.operations.total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "integrity.errors.total"))
	assert.Equal(t, int64(0), sumOf(t, reader, "integrity.operations.active"))
}

func TestDomainCounters(t *testing.T) {
	p, _, reader := newTestProvider(t)
	ctx := context.Background()

	p.RecordAppend(ctx, "halt.triggered")
	p.RecordAppend(ctx, "task.nullified_on_halt")
	p.RecordHaltTransition(ctx, "HALTED")
	p.RecordSweep(ctx, "nullify", 3)
	p.RecordSweep(ctx, "failed", 0)

	assert.Equal(t, int64(2), sumOf(t, reader, "integrity.ledger.appends"))
	assert.Equal(t, int64(1), sumOf(t, reader, "integrity.halt.transitions"))
	assert.Equal(t, int64(3), sumOf(t, reader, "integrity.sweep.tasks"))
}
