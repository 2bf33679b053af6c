package origin

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/ledge-cache/ledge/pkg/statsd"
)

// errorClass buckets an upstream failure for retry and metrics purposes,
// mirroring this codebase's ESI error classification.
type errorClass string

const (
	classNetwork   errorClass = "network"
	classServer    errorClass = "server"
	classRateLimit errorClass = "rate_limit"
	classClient    errorClass = "client"
)

// classify categorizes a fetch outcome. A non-nil err (transport failure,
// timeout, connection refused) is always a network error; otherwise the
// class follows the response's status code.
func classify(status int, err error) errorClass {
	if err != nil {
		return classNetwork
	}
	switch {
	case status == http.StatusTooManyRequests:
		return classRateLimit
	case status >= 500:
		return classServer
	default:
		return classClient
	}
}

// shouldRetryClass reports whether a class of failure is worth retrying.
// 4xx responses are the caller's problem, not the upstream's, so they are
// never retried.
func shouldRetryClass(class errorClass) bool {
	return class == classNetwork || class == classServer || class == classRateLimit
}

// retryConfig controls the backoff schedule for one error class.
type retryConfig struct {
	maxAttempts       int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// retryConfigs holds the backoff schedule per error class. A var, not a
// const map, so tests can shrink the backoffs without sleeping real
// seconds per retry.
var retryConfigs = map[errorClass]retryConfig{
	classRateLimit: {maxAttempts: 3, initialBackoff: 5 * time.Second, maxBackoff: 60 * time.Second, backoffMultiplier: 2.0},
	classNetwork:   {maxAttempts: 3, initialBackoff: 2 * time.Second, maxBackoff: 30 * time.Second, backoffMultiplier: 2.0},
	classServer:    {maxAttempts: 3, initialBackoff: 1 * time.Second, maxBackoff: 10 * time.Second, backoffMultiplier: 2.0},
}

func retryConfigFor(class errorClass) retryConfig {
	if cfg, ok := retryConfigs[class]; ok {
		return cfg
	}
	return retryConfigs[classServer]
}

// SetTestBackoff shrinks every retry class's backoff window to speed up
// tests elsewhere in the module that exercise a Fetcher against a flaky
// mock origin. Not meant for production use.
func SetTestBackoff(initial, max time.Duration) {
	for class, cfg := range retryConfigs {
		cfg.initialBackoff = initial
		cfg.maxBackoff = max
		retryConfigs[class] = cfg
	}
}

// errRetryAborted wraps ctx.Err() when the context is cancelled mid-backoff
// and no response has ever been received from origin.
var errRetryAborted = errors.New("origin: retry aborted")

// fetchWithRetry runs attempt in a retry loop with exponential backoff and
// jitter, escalating the backoff schedule to match whatever error class the
// most recent failure fell into. attempt returns the fetch result, its
// status, and a non-nil error only on a genuine transport/connection
// failure (no response received at all).
//
// A response actually received from origin is never turned into a Go
// error here, no matter its status: a 4xx is the caller's problem, not
// ours, and is returned immediately; a retryable 5xx/429 is retried
// internally, but once retries are exhausted the last received response
// is still returned with a nil error, so the caller passes the upstream
// status and body through unchanged. Only a transport failure that never
// produced a response can result in a non-nil error.
func fetchWithRetry(ctx context.Context, metrics *statsd.Metrics, attempt func() (*Result, int, error)) (*Result, error) {
	class := classNetwork
	backoff := retryConfigFor(class).initialBackoff

	for i := 1; ; i++ {
		result, status, err := attempt()
		if err != nil {
			class = classNetwork
		} else if status < 400 {
			return result, nil
		} else {
			class = classify(status, nil)
			if !shouldRetryClass(class) {
				return result, nil
			}
		}

		config := retryConfigFor(class)
		if i >= config.maxAttempts {
			if err != nil {
				return nil, err
			}
			return result, nil
		}
		if i == 1 {
			backoff = config.initialBackoff
		}

		if metrics != nil {
			metrics.OriginRetries.WithLabelValues(string(class)).Inc()
		}

		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		select {
		case <-ctx.Done():
			if err != nil {
				return nil, errRetryAborted
			}
			return result, nil
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * config.backoffMultiplier)
		if backoff > config.maxBackoff {
			backoff = config.maxBackoff
		}
	}
}
