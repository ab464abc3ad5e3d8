package admin //nolint:testpackage

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/go-annotator/internal/domain"
)

// fakeStopper records stop requests.
type fakeStopper struct {
	mu      sync.Mutex
	stopped []domain.WorkerKey
	err     error
}

func (f *fakeStopper) Stop(_ context.Context, key domain.WorkerKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stopped = append(f.stopped, key)
	return nil
}

// fakeQueue records cleared metadata.
type fakeQueue struct {
	mu      sync.Mutex
	cleared []domain.WorkerKey
	fail    bool
}

func (q *fakeQueue) ClearMeta(_ context.Context, key domain.WorkerKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.New("queue store unavailable")
	}
	q.cleared = append(q.cleared, key)
	return nil
}

// failingArchiver rejects every file.
type failingArchiver struct{}

func (failingArchiver) Archive(context.Context, string, string) (string, error) {
	return "", errors.New("bucket unreachable")
}
