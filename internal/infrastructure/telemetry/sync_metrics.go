package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Run outcomes reported on sync.runs.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// SyncRun is the metric view of one finished sync run.
type SyncRun struct {
	Platform string
	Trigger  string
	Mode     string
	Success  bool
	Aborted  bool
	Created  int
	Updated  int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// Outcome classifies the run for the outcome attribute.
func (r SyncRun) Outcome() string {
	switch {
	case r.Success:
		return OutcomeSuccess
	case r.Aborted:
		return OutcomeAborted
	case r.Failed > 0 && r.Created+r.Updated+r.Skipped > 0:
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}

// SyncMetrics holds the instruments of the synchronization engine.
// A nil *SyncMetrics records nothing.
type SyncMetrics struct {
	runs          *Counter
	records       *Counter
	duration      *Histogram
	inFlight      *UpDownCounter
	contention    *Counter
	scheduled     *Counter
	droppedTicks  *Counter
	activeEntries *Gauge
}

// NewSyncMetrics registers the sync instruments on meter.
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	var (
		m   SyncMetrics
		err error
	)
	if m.runs, err = NewCounter(meter, "sync.runs", "Finished sync runs", "{run}"); err != nil {
		return nil, err
	}
	if m.records, err = NewCounter(meter, "sync.records", "Records processed by sync runs", "{record}"); err != nil {
		return nil, err
	}
	if m.duration, err = NewHistogram(meter, HistogramOpts{
		Name:        "sync.duration",
		Description: "Wall clock duration of sync runs",
		Unit:        "s",
		Boundaries:  SyncDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.inFlight, err = NewUpDownCounter(meter, "sync.in_flight", "Sync runs currently executing", "{run}"); err != nil {
		return nil, err
	}
	if m.contention, err = NewCounter(meter, "sync.lock.contention", "Sync requests rejected because a run was already in progress", "{request}"); err != nil {
		return nil, err
	}
	if m.scheduled, err = NewCounter(meter, "sync.scheduler.enqueued", "Scheduled runs handed to the worker pool", "{run}"); err != nil {
		return nil, err
	}
	if m.droppedTicks, err = NewCounter(meter, "sync.scheduler.dropped", "Scheduled runs dropped because the queue was full", "{run}"); err != nil {
		return nil, err
	}
	if m.activeEntries, err = NewGauge(meter, "sync.scheduler.entries", "Integrations with automatic sync enabled", "{integration}"); err != nil {
		return nil, err
	}
	return &m, nil
}

// RunStarted marks a run in flight and returns the function that ends it.
func (m *SyncMetrics) RunStarted(ctx context.Context, platform string) func() {
	if m == nil {
		return func() {}
	}
	attrs := []attribute.KeyValue{AttrPlatform.String(platform)}
	m.inFlight.Add(ctx, 1, attrs...)
	return func() { m.inFlight.Add(context.WithoutCancel(ctx), -1, attrs...) }
}

// RecordRun records the counters of a finished run.
func (m *SyncMetrics) RecordRun(ctx context.Context, run SyncRun) {
	if m == nil {
		return
	}
	platform := AttrPlatform.String(run.Platform)
	m.runs.Inc(ctx, platform, AttrTrigger.String(run.Trigger), AttrSyncMode.String(run.Mode), AttrOutcome.String(run.Outcome()))
	m.duration.RecordDuration(ctx, run.Duration, platform, AttrOutcome.String(run.Outcome()))

	m.records.Add(ctx, int64(run.Created), platform, AttrRecordKind.String("created"))
	m.records.Add(ctx, int64(run.Updated), platform, AttrRecordKind.String("updated"))
	m.records.Add(ctx, int64(run.Skipped), platform, AttrRecordKind.String("skipped"))
	m.records.Add(ctx, int64(run.Failed), platform, AttrRecordKind.String("failed"))
}

// RecordContention counts a request rejected by the per-integration lock.
func (m *SyncMetrics) RecordContention(ctx context.Context, platform, trigger string) {
	if m == nil {
		return
	}
	m.contention.Inc(ctx, AttrPlatform.String(platform), AttrTrigger.String(trigger))
}

// RecordEnqueued counts a scheduled run handed to the worker pool.
func (m *SyncMetrics) RecordEnqueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.scheduled.Inc(ctx)
}

// RecordDropped counts a scheduled run dropped on a full queue.
func (m *SyncMetrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.droppedTicks.Inc(ctx)
}

// RecordScheduleEntries records the number of active schedule entries.
func (m *SyncMetrics) RecordScheduleEntries(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.activeEntries.Record(ctx, int64(n))
}
