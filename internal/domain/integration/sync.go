package integration

import (
	"fmt"
	"time"

	"github.com/retention/backend/internal/domain/customer"
)

// ---------------------------------------------------------------------------
// SyncOptions
// ---------------------------------------------------------------------------

// SyncMode selects between incremental and full synchronization
type SyncMode string

const (
	// SyncModeIncremental fetches only records changed since the last successful sync
	SyncModeIncremental SyncMode = "INCREMENTAL"
	// SyncModeFull fetches and reconciles the entire remote data set
	SyncModeFull SyncMode = "FULL"
)

// SyncOptions is the per-run configuration handed to a connector.
// It is built fresh for each run and never persisted.
type SyncOptions struct {
	Mode SyncMode
	// Since is set for incremental runs
	Since *time.Time
	// MaxRecords caps the number of fetched records; 0 means unbounded
	MaxRecords int
	// Timeout is the overall deadline of the fetch, enforced by the connector
	Timeout time.Duration
}

// Incremental reports whether the run should only fetch changed records
func (o SyncOptions) Incremental() bool {
	return o.Mode == SyncModeIncremental && o.Since != nil
}

// BudgetExhausted reports whether fetched has reached MaxRecords
func (o SyncOptions) BudgetExhausted(fetched int) bool {
	return o.MaxRecords > 0 && fetched >= o.MaxRecords
}

// ---------------------------------------------------------------------------
// SyncResult
// ---------------------------------------------------------------------------

// RecordFailure describes one failed record. A run-level failure (timeout,
// connection fault) has an empty ExternalID and is not counted in Failed.
type RecordFailure struct {
	ExternalID string `json:"external_id,omitempty"`
	Reason     string `json:"reason"`
}

// String returns a one-line summary of the failure
func (f RecordFailure) String() string {
	if f.ExternalID == "" {
		return f.Reason
	}
	return fmt.Sprintf("record %s: %s", f.ExternalID, f.Reason)
}

// SyncResult is the outcome of one run. A connector returns it with the
// fetched records still pending in Records; the coordinator merges them and
// produces the final result. Results are built by ResultBuilder and must be
// treated as immutable.
type SyncResult struct {
	Fetched   int             `json:"fetched"`
	Created   int             `json:"created"`
	Updated   int             `json:"updated"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Failures  []RecordFailure `json:"failures,omitempty"`
	Success   bool            `json:"success"`
	Aborted   bool            `json:"aborted,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`

	Records []customer.Record `json:"-"`
}

// Balanced reports whether Created + Updated + Skipped + Failed == Fetched,
// counting records still pending merge.
func (r *SyncResult) Balanced() bool {
	return r.Created+r.Updated+r.Skipped+r.Failed+len(r.Records) == r.Fetched
}

// Summary returns the error message recorded on the integration when the run
// did not succeed.
func (r *SyncResult) Summary() string {
	if r.Failed > 0 && r.Failed < r.Fetched {
		return fmt.Sprintf("partial failure: %d of %d records failed", r.Failed, r.Fetched)
	}
	if len(r.Failures) > 0 {
		return r.Failures[0].String()
	}
	if !r.Success {
		return "sync failed"
	}
	return ""
}

// ---------------------------------------------------------------------------
// ResultBuilder
// ---------------------------------------------------------------------------

// ResultBuilder accumulates the counters of a run. Connectors use the fetch
// side (AddRecord, Skip, FailRecord, Abort); the merge step continues from a
// connector result with the merge side (Created, Updated, Unchanged,
// MergeFailed), which never changes Fetched.
type ResultBuilder struct {
	startedAt time.Time
	fetched   int
	created   int
	updated   int
	skipped   int
	failed    int
	failures  []RecordFailure
	records   []customer.Record
	aborted   bool
}

// NewResultBuilder starts a result for a run beginning at startedAt
func NewResultBuilder(startedAt time.Time) *ResultBuilder {
	return &ResultBuilder{startedAt: startedAt}
}

// ContinueResult starts the merge phase from a connector result. Pending
// records are not carried over; the caller merges them.
func ContinueResult(fetched *SyncResult) *ResultBuilder {
	b := &ResultBuilder{
		startedAt: fetched.StartedAt,
		fetched:   fetched.Fetched,
		created:   fetched.Created,
		updated:   fetched.Updated,
		skipped:   fetched.Skipped,
		failed:    fetched.Failed,
		aborted:   fetched.Aborted,
	}
	b.failures = append(b.failures, fetched.Failures...)
	return b
}

// AddRecord counts a fetched record and queues it for merge
func (b *ResultBuilder) AddRecord(r customer.Record) {
	b.fetched++
	b.records = append(b.records, r)
}

// Skip counts a fetched record the connector deliberately ignores
func (b *ResultBuilder) Skip() {
	b.fetched++
	b.skipped++
}

// FailRecord counts a fetched record that could not be mapped
func (b *ResultBuilder) FailRecord(externalID, reason string) {
	b.fetched++
	b.failed++
	b.failures = append(b.failures, RecordFailure{ExternalID: externalID, Reason: reason})
}

// Abort marks the run as incomplete with a run-level failure
func (b *ResultBuilder) Abort(reason string) {
	b.aborted = true
	b.failures = append(b.failures, RecordFailure{Reason: reason})
}

// Fetched returns the number of records seen so far
func (b *ResultBuilder) Fetched() int {
	return b.fetched
}

// Created counts a merged record that did not exist locally
func (b *ResultBuilder) Created() { b.created++ }

// Updated counts a merged record whose content changed
func (b *ResultBuilder) Updated() { b.updated++ }

// Unchanged counts a merged record whose content already matched
func (b *ResultBuilder) Unchanged() { b.skipped++ }

// MergeFailed counts a record that failed validation or persistence
func (b *ResultBuilder) MergeFailed(externalID, reason string) {
	b.failed++
	b.failures = append(b.failures, RecordFailure{ExternalID: externalID, Reason: reason})
}

// Build produces the result. Success requires a complete run without
// failed records.
func (b *ResultBuilder) Build(now time.Time) *SyncResult {
	res := &SyncResult{
		Fetched:   b.fetched,
		Created:   b.created,
		Updated:   b.updated,
		Skipped:   b.skipped,
		Failed:    b.failed,
		Success:   !b.aborted && b.failed == 0,
		Aborted:   b.aborted,
		StartedAt: b.startedAt,
		Duration:  now.Sub(b.startedAt),
	}
	if len(b.failures) > 0 {
		res.Failures = append([]RecordFailure(nil), b.failures...)
	}
	if len(b.records) > 0 {
		res.Records = append([]customer.Record(nil), b.records...)
	}
	return res
}
