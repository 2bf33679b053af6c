package store

import "testing"

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	rec := &Record{
		Status:  200,
		Expires: 1700000000,
		URI:     "http://example.com/a",
		Entity:  "deadbeef",
		Headers: map[string]string{"Content-Type": "text/plain", "ETag": `"abc"`},
	}

	fields := EncodeRecord(rec)
	got := decodeRecord(fields)

	if got.Status != rec.Status || got.Expires != rec.Expires || got.URI != rec.URI || got.Entity != rec.Entity {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
	for name, value := range rec.Headers {
		if got.Headers[name] != value {
			t.Fatalf("header %s: got %q, want %q", name, got.Headers[name], value)
		}
	}
}

func TestDecodeRecordNoBodyField(t *testing.T) {
	fields := map[string]string{
		"status": "200",
		"body":   "should-be-ignored",
	}
	got := decodeRecord(fields)
	if got.Status != 200 {
		t.Fatalf("status = %d, want 200", got.Status)
	}
	// "body" is not a recognized field; it must not leak into Headers.
	if _, ok := got.Headers["body"]; ok {
		t.Fatal("body field must never be treated as a header")
	}
}
