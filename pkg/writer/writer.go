// Package writer commits a fetched response to the cache as one atomic
// unit (§4.6, C7): the response body lands in blob storage first, then the
// metadata record, entity membership, every chain key's TTL, and the
// expiry-queue entry are written through a single store transaction so a
// reader never observes a partially-written entry.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/ledge-cache/ledge/pkg/keychain"
	"github.com/ledge-cache/ledge/pkg/statsd"
	"github.com/ledge-cache/ledge/pkg/storage"
	"github.com/ledge-cache/ledge/pkg/store"
)

// ExpiresQueue is the global sorted set of cached request URIs
// (Record.URI), each scored by its entry's expiry unix time. It is kept for
// external tools; nothing in this module reads it.
const ExpiresQueue = "ledge::expires_queue"

// Write is everything Writer needs to commit a response: the request's
// key chain, the decoded response metadata, the raw body, and the TTL to
// apply across every chain key (already inclusive of any stale-while-
// revalidate grace, per pkg/origin.Cacheable).
type Write struct {
	Chain   keychain.Chain
	Record  store.Record
	Body    []byte
	TTL     time.Duration
	Expires int64 // unix seconds, used as the expires_queue score
}

// Writer commits cache writes atomically across the metadata store and
// the blob store.
type Writer struct {
	store   store.Store
	driver  storage.Driver
	metrics *statsd.Metrics
}

// New creates a Writer.
func New(s store.Store, driver storage.Driver, metrics *statsd.Metrics) *Writer {
	return &Writer{store: s, driver: driver, metrics: metrics}
}

// Commit stores w.Body under a fresh entity id, then writes the metadata
// record, entity-set membership, chain-wide TTLs, and the expiry-queue
// entry in one transaction. The entity id is assigned to w.Record.Entity
// before the transaction is built, so a caller inspecting w.Record after
// Commit sees the id that was actually written.
func (wr *Writer) Commit(ctx context.Context, w *Write) error {
	entityID, err := storage.NewEntityID()
	if err != nil {
		wr.count("storage_put")
		return fmt.Errorf("writer: %w", err)
	}

	if err := wr.driver.Put(ctx, entityID, w.Body, w.TTL); err != nil {
		wr.count("storage_put")
		return fmt.Errorf("writer: put entity: %w", err)
	}
	w.Record.Entity = entityID

	tx := wr.store.NewTx()
	tx.HSet(w.Chain.Main, store.EncodeRecord(&w.Record))
	tx.SAdd(w.Chain.Entities, entityID)
	tx.ZAdd(ExpiresQueue, float64(w.Expires), w.Record.URI)
	for _, key := range w.Chain.Keys() {
		tx.Expire(key, w.TTL)
	}

	if err := tx.Exec(ctx); err != nil {
		wr.count("tx_exec")
		return fmt.Errorf("writer: commit: %w", err)
	}
	return nil
}

func (wr *Writer) count(stage string) {
	if wr.metrics != nil {
		wr.metrics.WriteErrors.WithLabelValues(stage).Inc()
	}
}
