package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestSyncMetrics(t *testing.T) (*SyncMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewSyncMetrics(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumWhere(t *testing.T, agg metricdata.Aggregation, kv attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(kv.Key); ok && v == kv.Value {
			total += dp.Value
		}
	}
	return total
}

func TestSyncRun_Outcome(t *testing.T) {
	tests := []struct {
		name string
		run  SyncRun
		want string
	}{
		{"success", SyncRun{Success: true, Created: 1}, OutcomeSuccess},
		{"aborted", SyncRun{Aborted: true, Created: 1}, OutcomeAborted},
		{"partial", SyncRun{Created: 3, Failed: 1}, OutcomePartial},
		{"all failed", SyncRun{Failed: 2}, OutcomeFailed},
		{"connection failure", SyncRun{}, OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.run.Outcome())
		})
	}
}

func TestSyncMetrics_RecordRun(t *testing.T) {
	m, reader := newTestSyncMetrics(t)
	ctx := context.Background()

	m.RecordRun(ctx, SyncRun{Platform: "STRIPE", Trigger: "manual", Mode: "FULL", Success: true, Created: 4, Updated: 2, Skipped: 1, Duration: 2 * time.Second})
	m.RecordRun(ctx, SyncRun{Platform: "STRIPE", Trigger: "scheduled", Mode: "INCREMENTAL", Created: 1, Failed: 1, Duration: time.Second})

	data := collect(t, reader)

	assert.Equal(t, int64(1), sumWhere(t, data["sync.runs"], AttrOutcome.String(OutcomeSuccess)))
	assert.Equal(t, int64(1), sumWhere(t, data["sync.runs"], AttrOutcome.String(OutcomePartial)))
	assert.Equal(t, int64(5), sumWhere(t, data["sync.records"], AttrRecordKind.String("created")))
	assert.Equal(t, int64(1), sumWhere(t, data["sync.records"], AttrRecordKind.String("failed")))

	hist, ok := data["sync.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestSyncMetrics_InFlightAndContention(t *testing.T) {
	m, reader := newTestSyncMetrics(t)
	ctx := context.Background()

	done := m.RunStarted(ctx, "HUBSPOT")
	assert.Equal(t, int64(1), sumWhere(t, collect(t, reader)["sync.in_flight"], AttrPlatform.String("HUBSPOT")))
	done()

	m.RecordContention(ctx, "HUBSPOT", "manual")
	m.RecordContention(ctx, "HUBSPOT", "scheduled")
	m.RecordEnqueued(ctx)
	m.RecordDropped(ctx)
	m.RecordScheduleEntries(ctx, 3)

	data := collect(t, reader)
	assert.Equal(t, int64(0), sumWhere(t, data["sync.in_flight"], AttrPlatform.String("HUBSPOT")))
	assert.Equal(t, int64(2), sumWhere(t, data["sync.lock.contention"], AttrPlatform.String("HUBSPOT")))
	assert.Contains(t, data, "sync.scheduler.enqueued")
	assert.Contains(t, data, "sync.scheduler.dropped")
	assert.Contains(t, data, "sync.scheduler.entries")
}

func TestSyncMetrics_NilAndNoop(t *testing.T) {
	var m *SyncMetrics
	ctx := context.Background()
	m.RunStarted(ctx, "STRIPE")()
	m.RecordRun(ctx, SyncRun{})
	m.RecordContention(ctx, "STRIPE", "manual")
	m.RecordEnqueued(ctx)
	m.RecordDropped(ctx)
	m.RecordScheduleEntries(ctx, 1)

	noopMetrics, err := NewSyncMetrics(noop.NewMeterProvider().Meter("noop"))
	require.NoError(t, err)
	noopMetrics.RecordRun(ctx, SyncRun{Success: true, Created: 1})
}
