package writer

import (
	"context"
	"testing"
	"time"

	"github.com/ledge-cache/ledge/pkg/keychain"
	"github.com/ledge-cache/ledge/pkg/statsd"
	"github.com/ledge-cache/ledge/pkg/storage/storagetest"
	"github.com/ledge-cache/ledge/pkg/store"
	"github.com/ledge-cache/ledge/pkg/store/storetest"
	"github.com/prometheus/client_golang/prometheus"
)

func newWriter() (*Writer, *storetest.Fake, *storagetest.Fake) {
	s := storetest.New()
	d := storagetest.New()
	m := statsd.New(prometheus.NewRegistry())
	return New(s, d, m), s, d
}

func TestCommitWritesBodyBeforeMetadata(t *testing.T) {
	wr, s, d := newWriter()
	ctx := context.Background()
	chain := keychain.For("GET http://example.com/x")

	w := &Write{
		Chain:   chain,
		Record:  store.Record{Status: 200, URI: "/x"},
		Body:    []byte("hello"),
		TTL:     time.Minute,
		Expires: time.Now().Add(time.Minute).Unix(),
	}

	if err := wr.Commit(ctx, w); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(d.PutCalls) != 1 {
		t.Fatalf("expected exactly one blob put, got %d", len(d.PutCalls))
	}

	rec, ok, err := store.ReadRecord(ctx, s, chain.Main)
	if err != nil || !ok {
		t.Fatalf("ReadRecord: ok=%v err=%v", ok, err)
	}
	if rec.Entity != d.PutCalls[0] {
		t.Fatalf("record entity %q does not match the id passed to Put %q", rec.Entity, d.PutCalls[0])
	}
}

func TestCommitAddsEntityToSetAndExpiryQueue(t *testing.T) {
	wr, s, _ := newWriter()
	ctx := context.Background()
	chain := keychain.For("GET http://example.com/y")

	w := &Write{
		Chain:   chain,
		Record:  store.Record{Status: 200, URI: "/y"},
		Body:    []byte("body"),
		TTL:     time.Minute,
		Expires: time.Now().Add(time.Minute).Unix(),
	}
	if err := wr.Commit(ctx, w); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	members, err := s.SMembers(ctx, chain.Entities)
	if err != nil || len(members) != 1 {
		t.Fatalf("entities set = %v, err=%v, want exactly one member", members, err)
	}

	ttl, err := s.TTL(ctx, chain.Main)
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("main key ttl = %v, want (0, 1m]", ttl)
	}
}

func TestCommitAppliesTTLToEveryChainKey(t *testing.T) {
	wr, s, _ := newWriter()
	ctx := context.Background()
	chain := keychain.For("GET http://example.com/z")

	w := &Write{
		Chain:   chain,
		Record:  store.Record{Status: 200, URI: "/z"},
		Body:    []byte("b"),
		TTL:     30 * time.Second,
		Expires: time.Now().Add(30 * time.Second).Unix(),
	}
	if err := wr.Commit(ctx, w); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for _, key := range chain.Keys() {
		ttl, err := s.TTL(ctx, key)
		if err != nil {
			t.Fatalf("TTL(%s): %v", key, err)
		}
		if ttl <= 0 {
			t.Fatalf("TTL(%s) = %v, want > 0", key, ttl)
		}
	}
}
