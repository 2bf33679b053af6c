// Package purge implements the purge coordinator (§4.8, C9): exact-key
// invalidate/delete/revalidate, the atomic expire_keys operation, and the
// asynchronous wildcard flow that dispatches a purge-scan job.
package purge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ledge-cache/ledge/pkg/keychain"
	"github.com/ledge-cache/ledge/pkg/queue"
	"github.com/ledge-cache/ledge/pkg/statsd"
	"github.com/ledge-cache/ledge/pkg/storage"
	"github.com/ledge-cache/ledge/pkg/store"
)

// Mode is a purge mode.
type Mode string

const (
	ModeInvalidate Mode = "invalidate"
	ModeDelete     Mode = "delete"
	ModeRevalidate Mode = "revalidate"
)

// ErrTargetMissing is returned when there is nothing to purge at root:
// no main record, or the record's entity no longer exists in storage.
var ErrTargetMissing = errors.New("purge: target missing")

// Result is the JSON body a purge request responds with.
type Result struct {
	Result    string    `json:"result"`
	PurgeMode Mode      `json:"purge_mode"`
	Job       *qlessJob `json:"qless_job,omitempty"`
}

// qlessJob is the wire shape of a queued job as the client sees it:
// {"klass":"ledge.jobs.purge","jid":"<32hex>","options":{"tags":[...],"jid":"<32hex>","priority":5}}.
// queue.Job is this module's internal dispatch representation and never
// serializes to a client directly; wireKlass maps its internal Klass
// strings onto the spec-literal ones here.
type qlessJob struct {
	Klass   string       `json:"klass"`
	JID     string       `json:"jid"`
	Options qlessOptions `json:"options"`
}

type qlessOptions struct {
	Tags     []string `json:"tags"`
	JID      string   `json:"jid"`
	Priority int      `json:"priority"`
}

// wireKlass maps an internal job klass to the client-facing klass literal.
var wireKlass = map[string]string{
	KlassPurgeScan:  "ledge.jobs.purge",
	KlassRevalidate: "ledge.jobs.revalidate",
}

// toQlessJob converts an internal queue.Job into the client-facing shape.
func toQlessJob(job *queue.Job) *qlessJob {
	if job == nil {
		return nil
	}
	klass, ok := wireKlass[job.Klass]
	if !ok {
		klass = job.Klass
	}
	return &qlessJob{
		Klass: klass,
		JID:   job.ID,
		Options: qlessOptions{
			Tags:     job.Tags,
			JID:      job.ID,
			Priority: job.Priority,
		},
	}
}

// Coordinator runs purge operations against the metadata store, the blob
// store, and the job queue.
type Coordinator struct {
	store   store.Store
	driver  storage.Driver
	queue   queue.Queue
	metrics *statsd.Metrics

	// KeyspaceScanCount is the batch-size hint written into each
	// purge-scan job's payload, which the worker's scan of that job uses
	// (spec's keyspace_scan_count).
	KeyspaceScanCount int64
}

// New creates a purge Coordinator.
func New(s store.Store, driver storage.Driver, q queue.Queue, metrics *statsd.Metrics) *Coordinator {
	return &Coordinator{store: s, driver: driver, queue: q, metrics: metrics, KeyspaceScanCount: 1000}
}

// Purge runs the exact-key flow against a single fingerprint root.
func (c *Coordinator) Purge(ctx context.Context, root string, mode Mode) (*Result, error) {
	chain := keychain.For(root)

	rec, ok, err := store.ReadRecord(ctx, c.store, chain.Main)
	if err != nil {
		return nil, fmt.Errorf("purge: read record: %w", err)
	}
	if !ok || rec.Entity == "" {
		c.count(mode, "exact", "nothing_to_purge")
		return nil, ErrTargetMissing
	}
	if exists, err := c.driver.Exists(ctx, rec.Entity); err != nil {
		return nil, fmt.Errorf("purge: check entity: %w", err)
	} else if !exists {
		c.count(mode, "exact", "nothing_to_purge")
		return nil, ErrTargetMissing
	}

	switch mode {
	case ModeDelete:
		if err := c.store.Delete(ctx, chain.Keys()...); err != nil {
			return nil, fmt.Errorf("purge: delete keys: %w", err)
		}
		if err := c.driver.Delete(ctx, rec.Entity); err != nil {
			return nil, fmt.Errorf("purge: delete entity: %w", err)
		}
		c.count(mode, "exact", "deleted")
		return &Result{Result: "deleted", PurgeMode: mode}, nil

	case ModeRevalidate:
		job, err := c.enqueueRevalidate(ctx, root)
		if err != nil {
			return nil, err
		}
		purged, err := c.expireKeys(ctx, chain, rec)
		if err != nil {
			return nil, err
		}
		res := "purged"
		if !purged {
			res = "already expired"
		}
		c.count(mode, "exact", res)
		return &Result{Result: res, PurgeMode: mode, Job: toQlessJob(job)}, nil

	default: // ModeInvalidate
		purged, err := c.expireKeys(ctx, chain, rec)
		if err != nil {
			return nil, err
		}
		res := "purged"
		if !purged {
			res = "already expired"
		}
		c.count(mode, "exact", res)
		return &Result{Result: res, PurgeMode: mode}, nil
	}
}

// expireKeys implements §4.8's atomic expire_keys: it shrinks the TTL of
// every chain key (except fetching_lock, which manages its own TTL) and
// the blob entity so the record counts as already-stale rather than
// disappearing outright, preserving it for a possible stale-while-
// revalidate read until the shortened TTL elapses.
func (c *Coordinator) expireKeys(ctx context.Context, chain keychain.Chain, rec *store.Record) (bool, error) {
	now := time.Now().Unix()
	if rec.Expires <= now {
		return false, nil
	}

	ttl, err := c.store.TTL(ctx, chain.Main)
	if err != nil {
		return false, fmt.Errorf("purge: read ttl: %w", err)
	}

	delta := time.Duration(rec.Expires-now) * time.Second
	newTTL := ttl - delta
	if newTTL < 0 {
		newTTL = 0
	}

	tx := c.store.NewTx()
	tx.HSet(chain.Main, map[string]string{"expires": fmt.Sprintf("%d", now-1)})
	tx.Expire(chain.Main, newTTL)
	tx.Expire(chain.Entities, newTTL)
	tx.Expire(chain.RepSet, newTTL)
	if err := tx.Exec(ctx); err != nil {
		return false, fmt.Errorf("purge: expire keys: %w", err)
	}

	if err := c.driver.SetTTL(ctx, rec.Entity, newTTL); err != nil {
		return false, fmt.Errorf("purge: set entity ttl: %w", err)
	}
	return true, nil
}

// PurgeWildcard dispatches the asynchronous flow: a purge-scan job
// carrying the scan pattern and mode, keyed by a deterministic job id so
// repeated identical wildcard purges collapse onto the same queued job.
func (c *Coordinator) PurgeWildcard(ctx context.Context, pattern string, mode Mode) (*Result, error) {
	payload, err := json.Marshal(purgeScanPayload{Pattern: pattern, Mode: mode, ScanCount: c.KeyspaceScanCount})
	if err != nil {
		return nil, fmt.Errorf("purge: encode payload: %w", err)
	}

	job := queue.Job{
		ID:       purgeJobID(pattern),
		Klass:    KlassPurgeScan,
		Tags:     []string{"purge"},
		Priority: PriorityPurge,
		Payload:  payload,
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("purge: enqueue scan: %w", err)
	}
	c.count(mode, "wildcard", "scheduled")
	return &Result{Result: "scheduled", PurgeMode: mode, Job: toQlessJob(&job)}, nil
}

func (c *Coordinator) enqueueRevalidate(ctx context.Context, root string) (*queue.Job, error) {
	job, err := RevalidateJob(root)
	if err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("purge: enqueue revalidate: %w", err)
	}
	return &job, nil
}

// RevalidateJob builds the deterministic revalidate job for root. Shared
// by the purge coordinator's revalidate mode and pkg/lifecycle's WARM
// path, per §9's design note unifying both onto the same job klass.
func RevalidateJob(root string) (queue.Job, error) {
	payload, err := json.Marshal(revalidatePayload{Root: root})
	if err != nil {
		return queue.Job{}, fmt.Errorf("purge: encode revalidate payload: %w", err)
	}
	return queue.Job{
		ID:       revalidateJobID(root),
		Klass:    KlassRevalidate,
		Tags:     []string{"revalidate"},
		Priority: PriorityRevalidate,
		Payload:  payload,
	}, nil
}

// purgeScanPayload and revalidatePayload are the JSON shapes carried in a
// Job's Payload, decoded by pkg/worker's job handlers.
type purgeScanPayload struct {
	Pattern   string `json:"pattern"`
	Mode      Mode   `json:"mode"`
	ScanCount int64  `json:"scan_count"`
}

type revalidatePayload struct {
	Root string `json:"root"`
}

func (c *Coordinator) count(mode Mode, target, _ string) {
	if c.metrics != nil {
		c.metrics.PurgeResult.WithLabelValues(string(mode), target).Inc()
	}
}
