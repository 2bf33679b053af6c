// Package testutil provides a configurable mock upstream server for tests,
// so they don't hand-roll their own httptest.Server wiring for the same
// handful of response shapes. pkg/worker's tests use it; pkg/origin and
// pkg/lifecycle tests set up their own httptest.Server.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"
)

// Response describes one canned response a MockOrigin path can return.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOrigin is a configurable mock upstream server for testing the cache
// engine's fetch, cacheability, and retry behavior without a real backend.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requestCount      atomic.Int64
	lastRequestHeader atomic.Value // http.Header
}

// NewMockOrigin starts a mock upstream server. Every request is counted;
// requests to a path with no registered handler get a generic 200 with a
// one-minute max-age, cacheable by default.
func NewMockOrigin() *MockOrigin {
	m := &MockOrigin{handlers: make(map[string]func(w http.ResponseWriter, r *http.Request))}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requestCount.Add(1)
		m.lastRequestHeader.Store(r.Header.Clone())

		m.mu.RLock()
		handler, ok := m.handlers[r.URL.Path]
		m.mu.RUnlock()

		if ok {
			handler(w, r)
			return
		}
		m.defaultHandler(w, r)
	}))

	return m
}

// URL returns the mock server's base URL.
func (m *MockOrigin) URL() string { return m.server.URL }

// Close shuts down the mock server.
func (m *MockOrigin) Close() { m.server.Close() }

// SetHandler registers a custom handler for an exact request path.
func (m *MockOrigin) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse registers a canned Response for a path.
func (m *MockOrigin) SetResponse(path string, resp Response) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetFlakyThenHealthy registers a handler that fails with status for the
// first failCount requests to path, then serves resp. Used to exercise
// pkg/origin's retry path deterministically.
func (m *MockOrigin) SetFlakyThenHealthy(path string, failCount int, failStatus int, resp Response) {
	var seen atomic.Int32
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if int(seen.Add(1)) <= failCount {
			w.WriteHeader(failStatus)
			return
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// RequestCount returns how many requests the server has received in total.
func (m *MockOrigin) RequestCount() int64 { return m.requestCount.Load() }

// LastRequestHeader returns the header set of the most recent request.
func (m *MockOrigin) LastRequestHeader() http.Header {
	v := m.lastRequestHeader.Load()
	if v == nil {
		return nil
	}
	return v.(http.Header)
}

func (m *MockOrigin) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "max-age=60")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// CacheableResponse builds a 200 response fresh for maxAge.
func CacheableResponse(body string, maxAge time.Duration) Response {
	return Response{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Cache-Control": fmt.Sprintf("max-age=%d", int(maxAge.Seconds()))},
	}
}

// NoStoreResponse builds a 200 response the cache must never write.
func NoStoreResponse(body string) Response {
	return Response{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Cache-Control": "no-store"},
	}
}

// ServerErrorResponse builds a 500 response, the retryable class pkg/origin
// backs off and retries before giving up.
func ServerErrorResponse() Response {
	return Response{StatusCode: http.StatusInternalServerError, Body: `{"error":"internal"}`}
}

// RateLimitedResponse builds a 429 response, also retried by pkg/origin.
func RateLimitedResponse() Response {
	return Response{StatusCode: http.StatusTooManyRequests, Body: `{"error":"rate limited"}`}
}
