package queue

import "testing"

func TestEncodeDecodeJobRoundTrip(t *testing.T) {
	job := Job{ID: "abc", Klass: "purge-scan", Tags: []string{"wildcard"}, Priority: 5, Payload: []byte(`{"pattern":"/x/*"}`)}

	raw, err := encodeJob(job)
	if err != nil {
		t.Fatalf("encodeJob: %v", err)
	}
	got, err := decodeJob(raw)
	if err != nil {
		t.Fatalf("decodeJob: %v", err)
	}
	if got.ID != job.ID || got.Klass != job.Klass || got.Priority != job.Priority {
		t.Fatalf("got %+v, want %+v", got, job)
	}
	if string(got.Payload) != string(job.Payload) {
		t.Fatalf("payload = %q, want %q", got.Payload, job.Payload)
	}
}

func TestScoreOrdersHigherPriorityFirst(t *testing.T) {
	low := score(1)
	high := score(10)
	if high >= low {
		t.Fatalf("score(10) = %v should sort before score(1) = %v (lower score first)", high, low)
	}
}
