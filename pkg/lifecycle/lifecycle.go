// Package lifecycle drives the request-preparation state machine (§4.7,
// C8): read the cache, classify its freshness, and either serve it,
// kick off a background revalidate, or fetch from origin — collapsing
// concurrent misses for the same fingerprint through pkg/collapse.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ledge-cache/ledge/pkg/collapse"
	"github.com/ledge-cache/ledge/pkg/freshness"
	"github.com/ledge-cache/ledge/pkg/keychain"
	"github.com/ledge-cache/ledge/pkg/origin"
	"github.com/ledge-cache/ledge/pkg/purge"
	"github.com/ledge-cache/ledge/pkg/queue"
	"github.com/ledge-cache/ledge/pkg/statsd"
	"github.com/ledge-cache/ledge/pkg/storage"
	"github.com/ledge-cache/ledge/pkg/store"
	"github.com/ledge-cache/ledge/pkg/writer"
	"github.com/rs/zerolog"
)

// Action labels the outermost disposition of a request, echoed back on
// the X-Cache-Action response header.
type Action string

const (
	ActionNone      Action = ""
	ActionFetched   Action = "FETCHED"
	ActionCollapsed Action = "COLLAPSED"
)

// Response is what Handle hands back to the HTTP server for sending.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	State  freshness.State
	Action Action
}

// Config holds the engine's tunables.
type Config struct {
	ServeWhenStale time.Duration
	LockTTL        time.Duration
	FollowerWait   time.Duration
	Hostname       string
	Version        string
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		ServeWhenStale: 0,
		LockTTL:        10 * time.Second,
		FollowerWait:   5 * time.Second,
		Hostname:       "ledge",
		Version:        "dev",
	}
}

// Engine drives Handle's state machine over its collaborators.
type Engine struct {
	store    store.Store
	driver   storage.Driver
	fetcher  *origin.Fetcher
	collapse *collapse.Coordinator
	writer   *writer.Writer
	queue    queue.Queue
	observer Observer
	metrics  *statsd.Metrics
	logger   zerolog.Logger
	cfg      Config
}

// New creates a request lifecycle Engine.
func New(s store.Store, driver storage.Driver, fetcher *origin.Fetcher, w *writer.Writer, q queue.Queue, observer Observer, metrics *statsd.Metrics, logger zerolog.Logger, cfg Config) *Engine {
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Engine{
		store:    s,
		driver:   driver,
		fetcher:  fetcher,
		collapse: collapse.NewCoordinator(s, collapse.Config{LockTTL: cfg.LockTTL, FollowerWait: cfg.FollowerWait}, logger),
		writer:   w,
		queue:    q,
		observer: observer,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Handle runs req through the full state machine and returns the
// response to send.
func (e *Engine) Handle(ctx context.Context, req *http.Request) (*Response, error) {
	e.observer.Observe("cache_accessed", req)

	if origin.RequestBypassesCache(req.Header) || req.Method != http.MethodGet {
		resp, err := e.fetchDirect(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.State = freshness.SUBZERO
		resp.Action = ActionFetched
		e.finish(req, resp)
		return resp, nil
	}

	root := keychain.Fingerprint(req)
	chain := keychain.For(root)

	rec, present, err := store.ReadRecord(ctx, e.store, chain.Main)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: read cache: %w", err)
	}

	entityExists := false
	if present && rec.Entity != "" {
		entityExists, err = e.driver.Exists(ctx, rec.Entity)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: check entity: %w", err)
		}
	}

	now := time.Now()
	expires := int64(0)
	if present {
		expires = rec.Expires
	}
	state := freshness.Classify(present, entityExists, expires, now, e.cfg.ServeWhenStale)
	e.count(state)

	switch {
	case state == freshness.HOT:
		resp, err := e.serveFromCache(ctx, rec, state, ActionNone)
		if err != nil {
			return nil, err
		}
		e.finish(req, resp)
		return resp, nil

	case state == freshness.WARM:
		if err := e.enqueueRevalidate(ctx, root); err != nil {
			e.logger.Warn().Err(err).Str("root", root).Msg("failed to enqueue revalidate, serving stale anyway")
		}
		resp, err := e.serveFromCache(ctx, rec, state, ActionNone)
		if err != nil {
			return nil, err
		}
		e.finish(req, resp)
		return resp, nil

	default: // COLD or SUBZERO
		resp, err := e.handleMiss(ctx, req, chain, state)
		if err != nil {
			return nil, err
		}
		e.finish(req, resp)
		return resp, nil
	}
}

func (e *Engine) handleMiss(ctx context.Context, req *http.Request, chain keychain.Chain, state freshness.State) (*Response, error) {
	leader, err := e.collapse.TryAcquire(ctx, chain.FetchingLock)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: try acquire: %w", err)
	}

	if leader {
		return e.leaderFetch(ctx, req, chain, state)
	}
	return e.followRequest(ctx, req, chain, state)
}

func (e *Engine) leaderFetch(ctx context.Context, req *http.Request, chain keychain.Chain, state freshness.State) (*Response, error) {
	resp, cacheable, err := e.fetchAndMaybeWrite(ctx, req, chain)
	if finishErr := e.collapse.Finish(ctx, chain.FetchingLock, chain.Root, err == nil && cacheable); finishErr != nil {
		e.logger.Warn().Err(finishErr).Str("root", chain.Root).Msg("failed to finish collapse round")
	}
	if err != nil {
		return nil, err
	}
	resp.State = state
	resp.Action = ActionFetched
	return resp, nil
}

func (e *Engine) followRequest(ctx context.Context, req *http.Request, chain keychain.Chain, state freshness.State) (*Response, error) {
	outcome, err := e.collapse.Await(ctx, chain.FetchingLock, chain.Root)
	if err == nil && outcome == collapse.OutcomeFinished {
		rec, present, readErr := store.ReadRecord(ctx, e.store, chain.Main)
		if readErr == nil && present {
			resp, serveErr := e.serveFromCache(ctx, rec, state, ActionCollapsed)
			if serveErr == nil {
				return resp, nil
			}
		}
	}

	// Either the leader failed/timed out, or the follower lost the
	// subscription race; per §9 the bounded fallback is exactly one
	// direct, uncoalesced origin fetch, never a retry loop.
	resp, err := e.fetchDirect(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.State = state
	resp.Action = ActionFetched
	return resp, nil
}

// fetchAndMaybeWrite performs the origin fetch and, if the response
// turns out cacheable, commits it through the writer. cacheable reports
// whether the write happened, used by the caller to decide the collapse
// outcome it publishes.
func (e *Engine) fetchAndMaybeWrite(ctx context.Context, req *http.Request, chain keychain.Chain) (*Response, bool, error) {
	e.observer.Observe("origin_required", req)
	result, err := e.fetcher.Fetch(ctx, req.Method, req.URL.RequestURI(), nil, req.Header)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OriginErrors.WithLabelValues("fetch").Inc()
		}
		return nil, false, fmt.Errorf("lifecycle: origin fetch: %w", err)
	}
	e.observer.Observe("origin_fetched", req)

	ttl, ok := origin.Cacheable(req.Method, req.Header, result, time.Now(), e.cfg.ServeWhenStale)
	if !ok {
		return &Response{Status: result.Status, Header: result.Headers, Body: result.Body}, false, nil
	}

	expires := time.Now().Add(ttl).Unix()
	write := &writer.Write{
		Chain: chain,
		Record: store.Record{
			Status:  result.Status,
			Expires: expires,
			URI:     req.URL.RequestURI(),
			Headers: flattenHeader(result.Headers),
		},
		Body:    result.Body,
		TTL:     ttl,
		Expires: expires,
	}
	if err := e.writer.Commit(ctx, write); err != nil {
		return nil, false, fmt.Errorf("lifecycle: commit write: %w", err)
	}
	return &Response{Status: result.Status, Header: result.Headers, Body: result.Body}, true, nil
}

func (e *Engine) fetchDirect(ctx context.Context, req *http.Request) (*Response, error) {
	e.observer.Observe("origin_required", req)
	result, err := e.fetcher.Fetch(ctx, req.Method, req.URL.RequestURI(), nil, req.Header)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OriginErrors.WithLabelValues("fetch").Inc()
		}
		return nil, fmt.Errorf("lifecycle: origin fetch: %w", err)
	}
	e.observer.Observe("origin_fetched", req)
	return &Response{Status: result.Status, Header: result.Headers, Body: result.Body}, nil
}

func (e *Engine) serveFromCache(ctx context.Context, rec *store.Record, state freshness.State, action Action) (*Response, error) {
	body, err := e.driver.Get(ctx, rec.Entity)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: read entity: %w", err)
	}
	header := make(http.Header, len(rec.Headers))
	for name, value := range rec.Headers {
		header.Set(name, value)
	}
	return &Response{Status: rec.Status, Header: header, Body: body, State: state, Action: action}, nil
}

func (e *Engine) enqueueRevalidate(ctx context.Context, root string) error {
	job, err := purge.RevalidateJob(root)
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, job)
}

func (e *Engine) finish(req *http.Request, resp *Response) {
	e.observer.Observe("response_ready", req)
	e.applyHeaders(resp)
	e.observer.Observe("response_sent", req)
	e.observer.Observe("finished", req)
}

func (e *Engine) count(state freshness.State) {
	if e.metrics != nil {
		e.metrics.CacheState.WithLabelValues(stateLabel(state)).Inc()
	}
}

func stateLabel(s freshness.State) string {
	switch s {
	case freshness.HOT:
		return "hot"
	case freshness.WARM:
		return "warm"
	case freshness.COLD:
		return "cold"
	default:
		return "subzero"
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}
