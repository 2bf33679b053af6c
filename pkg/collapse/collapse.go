// Package collapse implements request coalescing (§4.4, C5): when multiple
// concurrent requests miss for the same fingerprint, exactly one performs
// the origin fetch while the rest wait and then read from cache.
//
// Coordination happens entirely through the shared store's SETNX lock and
// pub/sub channel, never through in-process primitives — multiple worker
// processes must be able to coordinate on the same fingerprint (§9).
package collapse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledge-cache/ledge/pkg/store"
	"github.com/rs/zerolog"
)

// ErrCoalesceTimeout is returned by Await when the follower did not
// observe "finished" within FollowerWait.
var ErrCoalesceTimeout = errors.New("collapse: coalesce timeout")

const (
	finished = "finished"
	failed   = "failed"
)

// pollInterval governs the short polling re-check used once a follower's
// subscription read times out, to catch a publish that happened before
// the subscription was established.
const pollInterval = 50 * time.Millisecond

// Config holds the coordinator's two timeouts.
type Config struct {
	// LockTTL bounds how long a crashed leader can block followers. It is
	// not a fetch deadline.
	LockTTL time.Duration
	// FollowerWait is how long a follower waits for "finished" before
	// falling back to its own uncoalesced fetch.
	FollowerWait time.Duration
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:      10 * time.Second,
		FollowerWait: 5 * time.Second,
	}
}

// Coordinator runs the leader/follower protocol over a store.Store.
type Coordinator struct {
	store  store.Store
	cfg    Config
	logger zerolog.Logger
}

// NewCoordinator creates a collapse coordinator.
func NewCoordinator(s store.Store, cfg Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{store: s, cfg: cfg, logger: logger}
}

// TryAcquire attempts to become the leader for root. leader is true iff
// this caller acquired the fetching_lock and must now perform the origin
// fetch; otherwise the caller is a follower and should call Await.
func (c *Coordinator) TryAcquire(ctx context.Context, lockKey string) (leader bool, err error) {
	ok, err := c.store.SetNX(ctx, lockKey, "1", c.cfg.LockTTL)
	if err != nil {
		return false, fmt.Errorf("collapse: try acquire: %w", err)
	}
	return ok, nil
}

// Outcome is what a follower learns from Await.
type Outcome int

const (
	// OutcomeFinished: the leader committed a new cache entry; the
	// follower should re-read the cache and serve it.
	OutcomeFinished Outcome = iota
	// OutcomeFailed: the leader's fetch was non-cacheable or failed; the
	// follower should fall back to its own direct fetch.
	OutcomeFailed
)

// Await subscribes to channel root and waits up to FollowerWait for the
// leader's publish. On timeout it returns ErrCoalesceTimeout and the
// caller falls back to an uncoalesced direct fetch (the spec permits
// exactly one such fallback, never a retry loop).
func (c *Coordinator) Await(ctx context.Context, lockKey, channel string) (Outcome, error) {
	sub, err := c.store.Subscribe(ctx, channel)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("collapse: subscribe: %w", err)
	}
	defer sub.Close()

	deadline := time.Now().Add(c.cfg.FollowerWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return OutcomeFailed, ErrCoalesceTimeout
		}
		wait := remaining
		if wait > pollInterval {
			wait = pollInterval
		}

		msg, ok, err := sub.ReceiveUntil(ctx, wait)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("collapse: await: %w", err)
		}
		if !ok {
			// Either genuinely idle or we subscribed after the leader
			// already published; the short polling loop below re-checks
			// lock state so a late subscriber isn't stuck for the full
			// FollowerWait.
			locked, err := c.store.Exists(ctx, lockKey)
			if err == nil && !locked {
				return OutcomeFinished, nil
			}
			continue
		}

		switch msg {
		case finished:
			return OutcomeFinished, nil
		case failed:
			return OutcomeFailed, nil
		default:
			continue
		}
	}
}

// Finish releases the fetching_lock and publishes the outcome. Called by
// the leader after its cache write has committed (if ok) or after its
// fetch turned out non-cacheable or failed (if !ok). Publishing strictly
// after the write commits is what guarantees a follower observing
// "finished" will see the new entry on read.
func (c *Coordinator) Finish(ctx context.Context, lockKey, channel string, ok bool) error {
	if err := c.store.Delete(ctx, lockKey); err != nil {
		c.logger.Warn().Err(err).Str("key", lockKey).Msg("failed to release fetching lock")
	}
	msg := finished
	if !ok {
		msg = failed
	}
	if err := c.store.Publish(ctx, channel, msg); err != nil {
		return fmt.Errorf("collapse: publish: %w", err)
	}
	return nil
}
