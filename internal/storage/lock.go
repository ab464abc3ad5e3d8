package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
)

// Lock acquisition defaults.
const (
	DefaultLockAttempts  = 5
	DefaultLockBaseDelay = 500 * time.Millisecond
)

// FileLock serializes access to one durable record across processes through
// an advisory lock on "<file>.lock".
type FileLock struct {
	target    string
	attempts  int
	baseDelay time.Duration
	sleep     func(context.Context, time.Duration) error
}

// LockOption configures a FileLock.
type LockOption func(*FileLock)

// WithLockAttempts sets how many times acquisition is tried.
func WithLockAttempts(n int) LockOption {
	return func(l *FileLock) {
		if n > 0 {
			l.attempts = n
		}
	}
}

// WithLockBackoff sets the first retry delay. Later delays double.
func WithLockBackoff(d time.Duration) LockOption {
	return func(l *FileLock) { l.baseDelay = d }
}

// withLockSleeper replaces the backoff sleep in tests.
func withLockSleeper(fn func(context.Context, time.Duration) error) LockOption {
	return func(l *FileLock) { l.sleep = fn }
}

// NewFileLock returns a lock guarding target.
func NewFileLock(target string, opts ...LockOption) *FileLock {
	l := &FileLock{
		target:    target,
		attempts:  DefaultLockAttempts,
		baseDelay: DefaultLockBaseDelay,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.target + ".lock" }

// WithLock runs fn while holding the lock. The lock is released on every exit
// path, including a panic in fn.
func (l *FileLock) WithLock(ctx context.Context, fn func() error) error {
	fl := flock.New(l.Path())
	defer fl.Close()

	delay := l.baseDelay
	for attempt := 1; ; attempt++ {
		ok, err := fl.TryLock()
		if err != nil {
			return llmerrors.NewStorageError("lock", l.target, err)
		}
		if ok {
			break
		}
		if attempt >= l.attempts {
			return llmerrors.NewStorageError("lock", l.target,
				fmt.Errorf("%w after %d attempts", llmerrors.ErrLockTimeout, l.attempts))
		}
		if err := l.sleep(ctx, delay); err != nil {
			return llmerrors.NewStorageError("lock", l.target, err)
		}
		delay *= 2
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
