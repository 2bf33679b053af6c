package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ledge-cache/ledge/pkg/freshness"
	"github.com/ledge-cache/ledge/pkg/keychain"
	"github.com/ledge-cache/ledge/pkg/origin"
	"github.com/ledge-cache/ledge/pkg/queue/queuetest"
	"github.com/ledge-cache/ledge/pkg/statsd"
	"github.com/ledge-cache/ledge/pkg/storage/storagetest"
	"github.com/ledge-cache/ledge/pkg/store"
	"github.com/ledge-cache/ledge/pkg/store/storetest"
	"github.com/ledge-cache/ledge/pkg/writer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, srv *httptest.Server) (*Engine, *storetest.Fake, *storagetest.Fake, *queuetest.Fake) {
	t.Helper()
	s := storetest.New()
	d := storagetest.New()
	q := queuetest.New()
	m := statsd.New(prometheus.NewRegistry())
	w := writer.New(s, d, m)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	fetcher := origin.NewFetcher(origin.Config{UpstreamHost: u.Hostname(), UpstreamPort: u.Port()})

	cfg := DefaultConfig()
	cfg.LockTTL = time.Second
	cfg.FollowerWait = 200 * time.Millisecond
	e := New(s, d, fetcher, w, q, nil, m, zerolog.Nop(), cfg)
	return e, s, d, q
}

func newRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req
}

func seedHot(t *testing.T, s *storetest.Fake, d *storagetest.Fake, root, body string) {
	t.Helper()
	ctx := context.Background()
	chain := keychain.For(root)
	entity := "entity-" + root
	if err := d.Put(ctx, entity, []byte(body), time.Minute); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	rec := store.Record{Status: 200, Expires: time.Now().Add(time.Minute).Unix(), URI: "/x", Entity: entity}
	if err := s.HSet(ctx, chain.Main, store.EncodeRecord(&rec)); err != nil {
		t.Fatalf("seed main: %v", err)
	}
}

func seedWarm(t *testing.T, s *storetest.Fake, d *storagetest.Fake, root, body string) {
	t.Helper()
	ctx := context.Background()
	chain := keychain.For(root)
	entity := "entity-" + root
	if err := d.Put(ctx, entity, []byte(body), time.Minute); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	rec := store.Record{Status: 200, Expires: time.Now().Add(-time.Second).Unix(), URI: "/x", Entity: entity}
	if err := s.HSet(ctx, chain.Main, store.EncodeRecord(&rec)); err != nil {
		t.Fatalf("seed main: %v", err)
	}
}

// Scenario 1: a fresh (HOT) entry is served straight from cache, no
// origin contact, X-Cache: HIT.
func TestHandleServesHotEntryFromCacheWithoutContactingOrigin(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	e, s, d, _ := newTestEngine(t, srv)
	req := newRequest(http.MethodGet, "http://example.com/x")
	root := keychain.Fingerprint(req)
	seedHot(t, s, d, root, "cached body")

	resp, err := e.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if called {
		t.Fatal("origin should not have been contacted for a HOT entry")
	}
	if string(resp.Body) != "cached body" {
		t.Fatalf("body = %q, want %q", resp.Body, "cached body")
	}
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", resp.Header.Get("X-Cache"))
	}
	if resp.Header.Get("X-Cache-State") != "HOT" {
		t.Fatalf("X-Cache-State = %q, want HOT", resp.Header.Get("X-Cache-State"))
	}
}

// Scenario 2: a WARM (stale-while-revalidate) entry is served
// immediately, and a revalidate job is enqueued in the background.
func TestHandleServesWarmEntryAndEnqueuesRevalidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("fresh from origin"))
	}))
	defer srv.Close()

	e, s, d, q := newTestEngine(t, srv)
	e.cfg.ServeWhenStale = time.Minute
	req := newRequest(http.MethodGet, "http://example.com/x")
	root := keychain.Fingerprint(req)
	seedWarm(t, s, d, root, "stale body")

	resp, err := e.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(resp.Body) != "stale body" {
		t.Fatalf("body = %q, want stale body served immediately", resp.Body)
	}
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT even though stale", resp.Header.Get("X-Cache"))
	}
	if len(q.Enqueued) != 1 {
		t.Fatalf("enqueued %d jobs, want 1 revalidate job", len(q.Enqueued))
	}
	if q.Enqueued[0].Klass != "revalidate" {
		t.Fatalf("enqueued job klass = %q, want revalidate", q.Enqueued[0].Klass)
	}
}

// Scenario 3: a SUBZERO miss with no concurrent contender becomes the
// leader, fetches from origin, writes the cache, and serves the fresh
// response with X-Cache: MISS.
func TestHandleMissBecomesLeaderFetchesAndWrites(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("origin body"))
	}))
	defer srv.Close()

	e, s, _, _ := newTestEngine(t, srv)
	req := newRequest(http.MethodGet, "http://example.com/miss")

	resp, err := e.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(resp.Body) != "origin body" {
		t.Fatalf("body = %q, want origin body", resp.Body)
	}
	if resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("X-Cache = %q, want MISS", resp.Header.Get("X-Cache"))
	}
	if resp.Action != ActionFetched {
		t.Fatalf("Action = %q, want FETCHED", resp.Action)
	}

	root := keychain.Fingerprint(req)
	chain := keychain.For(root)
	rec, ok, err := store.ReadRecord(context.Background(), s, chain.Main)
	if err != nil || !ok {
		t.Fatalf("expected a committed record, ok=%v err=%v", ok, err)
	}
	if rec.URI != req.URL.RequestURI() {
		t.Fatalf("recorded uri = %q, want %q", rec.URI, req.URL.RequestURI())
	}
}

// Scenario 4: a follower waiting behind a leader that never finishes
// (because no collapse.Finish is ever called, simulating a crashed
// leader) falls back to its own direct, uncoalesced fetch once
// FollowerWait elapses.
func TestHandleFollowerFallsBackAfterTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("fallback body"))
	}))
	defer srv.Close()

	e, s, _, _ := newTestEngine(t, srv)
	req := newRequest(http.MethodGet, "http://example.com/contended")
	root := keychain.Fingerprint(req)
	chain := keychain.For(root)

	// Simulate another process already holding the lock (the "leader"
	// that never publishes).
	if _, err := s.SetNX(context.Background(), chain.FetchingLock, "1", time.Hour); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	resp, err := e.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(resp.Body) != "fallback body" {
		t.Fatalf("body = %q, want fallback body", resp.Body)
	}
}

// Scenario 5: requests that carry Cache-Control: no-cache bypass the
// cache entirely, going straight to origin with no cache read or write.
func TestHandleBypassesCacheOnNoCacheDirective(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("bypass body"))
	}))
	defer srv.Close()

	e, s, _, _ := newTestEngine(t, srv)
	req := newRequest(http.MethodGet, "http://example.com/bypass")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(resp.Body) != "bypass body" {
		t.Fatalf("body = %q, want bypass body", resp.Body)
	}
	if resp.State != freshness.SUBZERO {
		t.Fatalf("state = %v, want SUBZERO for a bypass fetch", resp.State)
	}

	root := keychain.Fingerprint(req)
	chain := keychain.For(root)
	_, ok, err := store.ReadRecord(context.Background(), s, chain.Main)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if ok {
		t.Fatal("bypass fetch must not write a cache entry")
	}
	if hits != 1 {
		t.Fatalf("origin hits = %d, want exactly 1", hits)
	}
}

// Scenario 6: a non-cacheable origin response (no Expires/max-age) is
// served to the caller but never committed to the cache.
func TestHandleMissWithNonCacheableResponseIsNotWritten(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("uncacheable body"))
	}))
	defer srv.Close()

	e, s, _, _ := newTestEngine(t, srv)
	req := newRequest(http.MethodGet, "http://example.com/nocache-resp")

	resp, err := e.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(resp.Body) != "uncacheable body" {
		t.Fatalf("body = %q, want uncacheable body", resp.Body)
	}

	root := keychain.Fingerprint(req)
	chain := keychain.For(root)
	_, ok, err := store.ReadRecord(context.Background(), s, chain.Main)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if ok {
		t.Fatal("a non-cacheable response must not be committed")
	}
}

func TestObserverSeesEveryStableEventInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := storetest.New()
	d := storagetest.New()
	q := queuetest.New()
	m := statsd.New(prometheus.NewRegistry())
	w := writer.New(s, d, m)
	u, _ := url.Parse(srv.URL)
	fetcher := origin.NewFetcher(origin.Config{UpstreamHost: u.Hostname(), UpstreamPort: u.Port()})

	var tags []string
	observer := ObserverFunc(func(tag string, _ *http.Request) { tags = append(tags, tag) })

	e := New(s, d, fetcher, w, q, observer, m, zerolog.Nop(), DefaultConfig())
	req := newRequest(http.MethodGet, "http://example.com/events")
	if _, err := e.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []string{"cache_accessed", "origin_required", "origin_fetched", "response_ready", "response_sent", "finished"}
	if len(tags) != len(want) {
		t.Fatalf("observed tags = %v, want %v", tags, want)
	}
	for i, tag := range want {
		if tags[i] != tag {
			t.Fatalf("tags[%d] = %q, want %q", i, tags[i], tag)
		}
	}
}
