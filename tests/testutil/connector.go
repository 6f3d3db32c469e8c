package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/retention/backend/internal/domain/customer"
	"github.com/retention/backend/internal/domain/integration"
)

// StubConnector serves a fixed set of records for one platform. Records
// and failures can be swapped between runs; Calls counts SyncCustomers.
type StubConnector struct {
	platform integration.PlatformType

	mu       sync.Mutex
	records  []customer.Record
	connErr  error
	syncErr  error
	delay    time.Duration
	calls    int
	lastOpts integration.SyncOptions
}

// NewStubConnector creates a connector for platform serving records
func NewStubConnector(platform integration.PlatformType, records ...customer.Record) *StubConnector {
	return &StubConnector{platform: platform, records: records}
}

// Platform implements integration.Connector
func (s *StubConnector) Platform() integration.PlatformType { return s.platform }

// SetRecords replaces the served records
func (s *StubConnector) SetRecords(records ...customer.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

// FailConnection makes TestConnection fail with err wrapped in ErrConnection
func (s *StubConnector) FailConnection(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connErr = err
}

// FailSync makes SyncCustomers return err after fetching nothing
func (s *StubConnector) FailSync(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErr = err
}

// SetDelay holds every SyncCustomers call for d or until ctx ends
func (s *StubConnector) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns the number of SyncCustomers calls
func (s *StubConnector) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LastOptions returns the options of the latest SyncCustomers call
func (s *StubConnector) LastOptions() integration.SyncOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOpts
}

// TestConnection implements integration.Connector
func (s *StubConnector) TestConnection(_ context.Context, _ *integration.Integration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connErr != nil {
		return false, fmt.Errorf("%w: %v", integration.ErrConnection, s.connErr)
	}
	return true, nil
}

// SyncCustomers implements integration.Connector
func (s *StubConnector) SyncCustomers(ctx context.Context, _ *integration.Integration, opts integration.SyncOptions) (*integration.SyncResult, error) {
	s.mu.Lock()
	s.calls++
	s.lastOpts = opts
	records := append([]customer.Record(nil), s.records...)
	syncErr, delay := s.syncErr, s.delay
	s.mu.Unlock()

	b := integration.NewResultBuilder(time.Now())
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			b.Abort("sync timed out")
			return b.Build(time.Now()), nil
		}
	}
	if syncErr != nil {
		b.Abort(syncErr.Error())
		return b.Build(time.Now()), syncErr
	}
	for _, r := range records {
		if opts.BudgetExhausted(b.Fetched()) {
			break
		}
		b.AddRecord(r)
	}
	return b.Build(time.Now()), nil
}

var _ integration.Connector = (*StubConnector)(nil)
