// Package lock provides the per-integration mutual exclusion used by sync
// runs. A key can be held by at most one holder at a time; a second caller
// is refused immediately rather than queued.
package lock

import (
	"context"
	"errors"
)

// ErrLockUnavailable is returned when the lock backend cannot be reached
var ErrLockUnavailable = errors.New("lock backend unavailable")

// Locker grants non-blocking exclusive ownership of a key.
type Locker interface {
	// TryAcquire attempts to take key. When acquired is true the caller must
	// call release exactly once; release is idempotent.
	TryAcquire(ctx context.Context, key string) (release func(), acquired bool, err error)
	// Held reports whether key is currently owned by anyone.
	Held(ctx context.Context, key string) (bool, error)
}

// SyncKey returns the lock key of an integration's sync runs
func SyncKey(integrationID string) string {
	return "sync:" + integrationID
}
