package storage

import "testing"

func TestNewEntityIDIsFreshEachCall(t *testing.T) {
	a, err := NewEntityID()
	if err != nil {
		t.Fatalf("NewEntityID: %v", err)
	}
	b, err := NewEntityID()
	if err != nil {
		t.Fatalf("NewEntityID: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct entity ids")
	}
	if len(a) != 32 { // 16 bytes hex-encoded
		t.Fatalf("unexpected id length: %d", len(a))
	}
}
