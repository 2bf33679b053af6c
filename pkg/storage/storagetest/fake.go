// Package storagetest provides an in-memory storage.Driver fake for tests.
package storagetest

import (
	"context"
	"sync"
	"time"

	"github.com/ledge-cache/ledge/pkg/storage"
)

// Fake is an in-memory, goroutine-safe storage.Driver.
type Fake struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// PutCalls records every id passed to Put, in order, for tests that
	// assert on write ordering (e.g. invariant 1: body written before
	// metadata commit).
	PutCalls []string
}

// New creates an empty fake driver.
func New() *Fake {
	return &Fake{blobs: make(map[string][]byte)}
}

func (f *Fake) Put(_ context.Context, id string, body []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[id] = append([]byte(nil), body...)
	f.PutCalls = append(f.PutCalls, id)
	return nil
}

func (f *Fake) Get(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.blobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (f *Fake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, id)
	return nil
}

func (f *Fake) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[id]
	return ok, nil
}

func (f *Fake) SetTTL(_ context.Context, _ string, _ time.Duration) error {
	return nil
}
