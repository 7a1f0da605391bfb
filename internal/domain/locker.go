package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a claim lock is already held elsewhere.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired distributed lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker hands out non-blocking distributed locks. Queue consumers use it to
// claim a message before handling it.
type Locker interface {
	// Lock returns ErrLockNotAcquired if name is held by someone else.
	Lock(ctx context.Context, name string) (Lock, error)
}
