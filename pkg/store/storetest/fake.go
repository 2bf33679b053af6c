// Package storetest provides an in-memory store.Store fake for tests that
// need real pub/sub and TTL semantics without a live Redis instance.
package storetest

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ledge-cache/ledge/pkg/store"
)

// Fake is an in-memory, goroutine-safe implementation of store.Store.
type Fake struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	zsets    map[string]map[string]float64
	expireAt map[string]time.Time
	subs     map[string][]chan string
}

// New creates an empty fake store.
func New() *Fake {
	return &Fake{
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		zsets:    make(map[string]map[string]float64),
		expireAt: make(map[string]time.Time),
		subs:     make(map[string][]chan string),
	}
}

func (f *Fake) expired(key string) bool {
	at, ok := f.expireAt[key]
	return ok && !at.IsZero() && time.Now().After(at)
}

func (f *Fake) reap(key string) {
	if f.expired(key) {
		delete(f.hashes, key)
		delete(f.sets, key)
		delete(f.zsets, key)
		delete(f.expireAt, key)
	}
}

func (f *Fake) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reap(key)
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) HSet(_ context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reap(key)
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	for k, v := range fields {
		f.hashes[key][k] = v
	}
	return nil
}

func (f *Fake) HDel(_ context.Context, key string, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes[key], field)
	return nil
}

func (f *Fake) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reap(key)
	if h, ok := f.hashes[key]; ok && len(h) > 0 {
		return true, nil
	}
	if s, ok := f.sets[key]; ok && len(s) > 0 {
		return true, nil
	}
	if z, ok := f.zsets[key]; ok && len(z) > 0 {
		return true, nil
	}
	_, hasTTL := f.expireAt[key]
	return hasTTL, nil
}

func (f *Fake) TTL(_ context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reap(key)
	at, ok := f.expireAt[key]
	if !ok {
		return -1, nil
	}
	ttl := time.Until(at)
	if ttl < 0 {
		ttl = 0
	}
	return ttl, nil
}

func (f *Fake) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ttl < 0 {
		ttl = 0
	}
	f.expireAt[key] = time.Now().Add(ttl)
	return nil
}

func (f *Fake) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.hashes, key)
		delete(f.sets, key)
		delete(f.zsets, key)
		delete(f.expireAt, key)
	}
	return nil
}

func (f *Fake) SAdd(_ context.Context, key string, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]struct{})
	}
	f.sets[key][member] = struct{}{}
	return nil
}

func (f *Fake) SCard(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.sets[key])), nil
}

func (f *Fake) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) SRem(_ context.Context, key string, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}

func (f *Fake) ZAdd(_ context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	f.zsets[key][member] = score
	return nil
}

func (f *Fake) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reap(key)
	if h, ok := f.hashes[key]; ok && len(h) > 0 {
		return false, nil
	}
	f.hashes[key] = map[string]string{"__lock__": value}
	f.expireAt[key] = time.Now().Add(ttl)
	return true, nil
}

func (f *Fake) NewTx() store.Tx {
	return &fakeTx{f: f}
}

func (f *Fake) Publish(_ context.Context, channel string, message string) error {
	f.mu.Lock()
	subs := append([]chan string(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (f *Fake) Subscribe(_ context.Context, channel string) (store.Subscription, error) {
	ch := make(chan string, 8)
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()
	return &fakeSubscription{f: f, channel: channel, ch: ch}, nil
}

func (f *Fake) Scan(_ context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []string
	seen := map[string]bool{}
	for key := range f.hashes {
		if !seen[key] {
			all = append(all, key)
			seen[key] = true
		}
	}
	for key := range f.sets {
		if !seen[key] {
			all = append(all, key)
			seen[key] = true
		}
	}
	sort.Strings(all)

	// Redis glob semantics: '*' and '?' match any character, '/' included.
	glob := strings.NewReplacer(`\*`, ".*", `\?`, ".").Replace(regexp.QuoteMeta(pattern))
	re := regexp.MustCompile("^" + glob + "$")

	var matched []string
	for _, k := range all {
		if re.MatchString(k) {
			matched = append(matched, k)
		}
	}

	start := int(cursor)
	if start > len(matched) {
		start = len(matched)
	}
	end := start + int(count)
	if count <= 0 || end > len(matched) {
		end = len(matched)
	}

	next := uint64(end)
	if end >= len(matched) {
		next = 0
	}
	return matched[start:end], next, nil
}

type fakeTx struct {
	f   *Fake
	ops []func()
}

func (t *fakeTx) HSet(key string, fields map[string]string) {
	t.ops = append(t.ops, func() { _ = t.f.hsetLocked(key, fields) })
}

func (t *fakeTx) HDel(key string, field string) {
	t.ops = append(t.ops, func() { delete(t.f.hashes[key], field) })
}

func (t *fakeTx) SAdd(key string, member string) {
	t.ops = append(t.ops, func() {
		if t.f.sets[key] == nil {
			t.f.sets[key] = make(map[string]struct{})
		}
		t.f.sets[key][member] = struct{}{}
	})
}

func (t *fakeTx) SRem(key string, member string) {
	t.ops = append(t.ops, func() { delete(t.f.sets[key], member) })
}

func (t *fakeTx) ZAdd(key string, score float64, member string) {
	t.ops = append(t.ops, func() {
		if t.f.zsets[key] == nil {
			t.f.zsets[key] = make(map[string]float64)
		}
		t.f.zsets[key][member] = score
	})
}

func (t *fakeTx) Expire(key string, ttl time.Duration) {
	t.ops = append(t.ops, func() {
		if ttl < 0 {
			ttl = 0
		}
		t.f.expireAt[key] = time.Now().Add(ttl)
	})
}

func (t *fakeTx) Exec(_ context.Context) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	for _, op := range t.ops {
		op()
	}
	return nil
}

func (f *Fake) hsetLocked(key string, fields map[string]string) error {
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	for k, v := range fields {
		f.hashes[key][k] = v
	}
	return nil
}

type fakeSubscription struct {
	f       *Fake
	channel string
	ch      chan string
}

func (s *fakeSubscription) ReceiveUntil(ctx context.Context, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.ch:
		return msg, true, nil
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (s *fakeSubscription) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	subs := s.f.subs[s.channel]
	for i, ch := range subs {
		if ch == s.ch {
			s.f.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
