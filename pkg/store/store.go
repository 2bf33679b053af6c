// Package store adapts the external key-value store (Redis) to the
// operations the cache engine needs: field-map get/set, TTL management,
// sets, sorted sets, atomic conditional writes, pipelined/transactional
// execution, pub/sub, and keyspace scanning.
//
// Errors from the underlying store are wrapped in ErrStore so callers can
// use errors.Is regardless of whether the failure was transient or fatal;
// retry policy is the caller's decision, per spec.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStore wraps any failure returned by the underlying key-value store.
var ErrStore = errors.New("store error")

// ErrNotFound names a missing key. The field-map reads in this package do
// not return it: HGetAll yields an empty map and ReadRecord reports
// ok=false for a key that does not exist.
var ErrNotFound = errors.New("key not found")

// wrap annotates err with ErrStore.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store: %s: %w: %v", op, ErrStore, err)
}

// Record is the Go representation of the "main" metadata field map.
// Deliberately has no body field: response bodies are never persisted
// inline in metadata, only as opaque storage entities (see pkg/storage).
type Record struct {
	Status  int
	Expires int64 // unix seconds
	URI     string
	Entity  string
	Headers map[string]string // "h:<name>" -> value, name as stored (origin casing)
}

// Tx groups a batch of writes for atomic execution. Exec runs them in the
// order they were added and returns only an error; no per-command replies
// are exposed.
type Tx interface {
	HSet(key string, fields map[string]string)
	HDel(key string, field string)
	SAdd(key string, member string)
	SRem(key string, member string)
	ZAdd(key string, score float64, member string)
	Expire(key string, ttl time.Duration)
	Exec(ctx context.Context) error
}

// Subscription is a live pub/sub subscription to a single channel.
type Subscription interface {
	// ReceiveUntil blocks until a message arrives or timeout elapses.
	// ok is false on timeout.
	ReceiveUntil(ctx context.Context, timeout time.Duration) (msg string, ok bool, err error)
	Close() error
}

// ScanCursor iterates a keyspace scan in caller-supplied batches.
type ScanCursor struct {
	Keys []string
	Done bool
}

// Store is the full set of capabilities the cache engine needs from the
// external key-value store.
type Store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, field string) error

	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, key string, member string) error
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, member string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error

	// SetNX atomically creates key with value and ttl iff key does not
	// already exist. Returns true if it acquired the key.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	NewTx() Tx

	Publish(ctx context.Context, channel string, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Scan advances a keyspace scan matching pattern, using cursor as the
	// opaque continuation token (0 to start) and count as the batch size
	// hint. Returns the next cursor (0 when the scan is complete).
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) (keys []string, nextCursor uint64, err error)
}

// ReadRecord loads and decodes the metadata record at key, returning
// (nil, false, nil) if it does not exist.
func ReadRecord(ctx context.Context, s Store, key string) (*Record, bool, error) {
	fields, err := s.HGetAll(ctx, key)
	if err != nil {
		return nil, false, wrap("HGetAll", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return decodeRecord(fields), true, nil
}

func decodeRecord(fields map[string]string) *Record {
	rec := &Record{Headers: make(map[string]string)}
	for k, v := range fields {
		switch k {
		case "status":
			fmt.Sscanf(v, "%d", &rec.Status)
		case "expires":
			fmt.Sscanf(v, "%d", &rec.Expires)
		case "uri":
			rec.URI = v
		case "entity":
			rec.Entity = v
		default:
			if name, ok := headerField(k); ok {
				rec.Headers[name] = v
			}
		}
	}
	return rec
}

const headerPrefix = "h:"

func headerField(field string) (name string, ok bool) {
	if len(field) <= len(headerPrefix) || field[:len(headerPrefix)] != headerPrefix {
		return "", false
	}
	return field[len(headerPrefix):], true
}

// EncodeRecord renders rec into the flat field map written by HSET,
// including the "h:<name>" prefixed header fields.
func EncodeRecord(rec *Record) map[string]string {
	fields := map[string]string{
		"status":  fmt.Sprintf("%d", rec.Status),
		"expires": fmt.Sprintf("%d", rec.Expires),
		"uri":     rec.URI,
		"entity":  rec.Entity,
	}
	for name, value := range rec.Headers {
		fields[headerPrefix+name] = value
	}
	return fields
}
