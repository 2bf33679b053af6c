// Package origin issues upstream requests and decides cacheability,
// implementing the RFC 7234 subset from spec §4.5. It is modeled on this
// codebase's http.Client wrapper: a plain *http.Client plus a small
// decision function, not a full HTTP caching client. No component sends
// conditional (If-None-Match / If-Modified-Since) requests: the background
// worker's revalidate re-issues the plain request.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledge-cache/ledge/pkg/headers"
	"github.com/ledge-cache/ledge/pkg/statsd"
)

// ErrOrigin wraps any failure reaching or reading from the upstream.
var ErrOrigin = errors.New("origin error")

// Result is what a successful fetch returns.
type Result struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Config points the fetcher at the upstream.
type Config struct {
	UpstreamHost string
	UpstreamPort string
	Timeout      time.Duration
}

// Fetcher issues upstream requests over plain HTTP, retrying transient
// network and 5xx/429 failures with exponential backoff.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	metrics *statsd.Metrics
}

// NewFetcher creates a Fetcher with the given upstream config.
func NewFetcher(cfg Config) *Fetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
	}
}

// WithMetrics attaches a metrics sink used to record retry attempts. Safe
// to skip in tests that don't care about retry counters.
func (f *Fetcher) WithMetrics(metrics *statsd.Metrics) *Fetcher {
	f.metrics = metrics
	return f
}

// Fetch issues method against the upstream's relative URI, forwarding body
// if non-nil, and forwarding the given headers (pkg/lifecycle forwards the
// client's request headers; the background worker's revalidate passes
// none, so no Cookie or other client header is replayed). Network failures and
// 5xx/429 responses are retried with backoff internally, but any response
// actually received from origin comes back with a nil error regardless of
// its status, 4xx or 5xx, so the caller can pass the upstream status and
// body through unchanged. A non-nil error means no response was ever
// received at all.
func (f *Fetcher) Fetch(ctx context.Context, method, uri string, body []byte, forward http.Header) (*Result, error) {
	result, err := fetchWithRetry(ctx, f.metrics, func() (*Result, int, error) {
		result, err := f.doFetch(ctx, method, uri, body, forward)
		if err != nil {
			return nil, 0, err
		}
		return result, result.Status, nil
	})
	if err != nil {
		if !errors.Is(err, errRetryAborted) {
			return result, err
		}
		return nil, fmt.Errorf("origin: fetch %s: %w", uri, ctx.Err())
	}
	return result, nil
}

func (f *Fetcher) doFetch(ctx context.Context, method, uri string, body []byte, forward http.Header) (*Result, error) {
	url := fmt.Sprintf("http://%s:%s%s", f.cfg.UpstreamHost, f.cfg.UpstreamPort, uri)

	var bodyReader io.Reader
	if body != nil {
		bodyReader = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("origin: build request: %w", err)
	}
	for name, values := range forward {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin: fetch %s: %w: %v", uri, ErrOrigin, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("origin: read body: %w: %v", ErrOrigin, err)
	}

	return &Result{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    respBody,
	}, nil
}

// noCacheDirectives are the Cache-Control tokens that force a response to
// be uncacheable, per the RFC 7234 subset in spec §4.5.
var noCacheDirectives = []string{"no-cache", "no-store", "must-revalidate", "private"}

// Cacheable implements the decision from §4.5: method must be GET, the
// response must carry a usable Expires (or max-age) and no forbidding
// directive, and the request itself must not be bypassing the cache.
// Returns the computed TTL (expires - now + serveWhenStale, floored at 0)
// and whether the response may be cached at all.
func Cacheable(method string, reqHeader http.Header, result *Result, now time.Time, serveWhenStale time.Duration) (ttl time.Duration, ok bool) {
	if method != http.MethodGet {
		return 0, false
	}

	if bypassesCache(reqHeader) {
		return 0, false
	}

	if result.Headers.Get("Pragma") == "no-cache" {
		return 0, false
	}

	respCC := headers.ParseCacheControl(result.Headers.Get("Cache-Control"))
	for _, d := range noCacheDirectives {
		if respCC.Has(d) {
			return 0, false
		}
	}

	expires, ok := computeExpires(result.Headers, respCC, now)
	if !ok {
		return 0, false
	}

	ttl = expires.Sub(now) + serveWhenStale
	if ttl < 0 {
		ttl = 0
	}
	return ttl, true
}

// RequestBypassesCache reports whether the incoming request itself
// forbids any cache involvement (Pragma: no-cache or Cache-Control:
// no-cache), independent of the method check Cacheable also applies.
// The lifecycle engine uses this to skip the cache read entirely, before
// it would otherwise classify freshness.
func RequestBypassesCache(reqHeader http.Header) bool {
	return bypassesCache(reqHeader)
}

func bypassesCache(reqHeader http.Header) bool {
	if reqHeader.Get("Pragma") == "no-cache" {
		return true
	}
	reqCC := headers.ParseCacheControl(reqHeader.Get("Cache-Control"))
	return reqCC.Has("no-cache")
}

// computeExpires resolves the effective expiry time from either a
// Cache-Control max-age directive (preferred, per RFC 7234) or a parseable
// Expires header.
func computeExpires(h http.Header, cc headers.CacheControl, now time.Time) (time.Time, bool) {
	if age, ok := cc.MaxAge(); ok {
		return now.Add(time.Duration(age) * time.Second), true
	}

	expiresStr := h.Get("Expires")
	if expiresStr == "" {
		return time.Time{}, false
	}
	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return time.Time{}, false
	}
	if !expires.After(now) {
		return time.Time{}, false
	}
	return expires, true
}
