// Package queuetest provides an in-memory queue.Queue fake for tests that
// exercise pkg/purge and pkg/worker without a live Redis instance.
package queuetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ledge-cache/ledge/pkg/queue"
)

// Fake is an in-memory, goroutine-safe queue.Queue.
type Fake struct {
	mu       sync.Mutex
	pending  map[string]queue.Job
	inflight map[string]queue.Job

	// Enqueued records every job passed to Enqueue, in order, for tests
	// that assert on dispatch (e.g. a purge enqueuing exactly one job).
	Enqueued []queue.Job
}

// New creates an empty fake queue.
func New() *Fake {
	return &Fake{
		pending:  make(map[string]queue.Job),
		inflight: make(map[string]queue.Job),
	}
}

func (f *Fake) Enqueue(_ context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[job.ID] = job
	f.Enqueued = append(f.Enqueued, job)
	return nil
}

func (f *Fake) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		if job, ok := f.tryDequeue(); ok {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, queue.ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *Fake) tryDequeue() (*queue.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(f.pending))
	for id := range f.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return f.pending[ids[i]].Priority > f.pending[ids[j]].Priority
	})
	id := ids[0]
	job := f.pending[id]
	delete(f.pending, id)
	f.inflight[id] = job
	return &job, true
}

func (f *Fake) Ack(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, jobID)
	return nil
}

func (f *Fake) Nack(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.inflight[jobID]
	if !ok {
		return nil
	}
	delete(f.inflight, jobID)
	f.pending[jobID] = job
	return nil
}

func (f *Fake) Depth(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.pending)), nil
}
