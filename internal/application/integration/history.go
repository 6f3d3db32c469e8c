package integration

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retention/backend/internal/domain/integration"
)

// Trigger identifies what started a run
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerBulk     Trigger = "bulk"
)

// RunRecord is the history entry of one finished run
type RunRecord struct {
	RunID         uuid.UUID                `json:"run_id"`
	IntegrationID uuid.UUID                `json:"integration_id"`
	TenantID      uuid.UUID                `json:"tenant_id"`
	Platform      integration.PlatformType `json:"platform"`
	Trigger       Trigger                  `json:"trigger"`
	Mode          integration.SyncMode     `json:"mode,omitempty"`
	Result        *integration.SyncResult  `json:"result,omitempty"`
	Error         string                   `json:"error,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
}

// HasFailures reports whether the run produced anything worth archiving
func (r RunRecord) HasFailures() bool {
	return r.Error != "" || (r.Result != nil && len(r.Result.Failures) > 0)
}

// DefaultHistorySize is used when a non-positive size is requested
const DefaultHistorySize = 200

// History keeps the most recent run records in a fixed-size ring
type History struct {
	mu   sync.Mutex
	buf  []RunRecord
	next int
	full bool
}

// NewHistory creates a History holding up to size records
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]RunRecord, size)}
}

// Add appends a record, evicting the oldest when full
func (h *History) Add(rec RunRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = rec
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of stored records
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Recent returns up to limit records, newest first, that satisfy keep.
// A nil keep matches everything; limit <= 0 returns every match.
func (h *History) Recent(limit int, keep func(RunRecord) bool) []RunRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.buf)
	}
	out := make([]RunRecord, 0, min(n, max(limit, 0)))
	for k := 1; k <= n; k++ {
		rec := h.buf[(h.next-k+len(h.buf))%len(h.buf)]
		if keep != nil && !keep(rec) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
