// Package lock provides the per-document mutual exclusion used to serialise
// update application. Waiters are served in FIFO order and may give up when
// their context is cancelled.
package lock

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Lock is a FIFO mutex with context-aware acquisition. The zero value is not
// usable; call New.
type Lock struct {
	sem *semaphore.Weighted
}

// New returns an unlocked Lock.
func New() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire takes the lock only if it is free.
func (l *Lock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release hands the lock to the next waiter. Releasing an unheld lock panics.
func (l *Lock) Release() {
	l.sem.Release(1)
}

// WithLock runs fn while holding the lock. onAcquire and onRelease are
// optional hooks; onRelease runs even if fn panics.
func (l *Lock) WithLock(ctx context.Context, fn func() error, onAcquire, onRelease func()) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		l.Release()
		if onRelease != nil {
			onRelease()
		}
	}()
	if onAcquire != nil {
		onAcquire()
	}
	return fn()
}
