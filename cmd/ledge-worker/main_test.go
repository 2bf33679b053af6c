package main

import (
	"context"
	"testing"
	"time"

	"github.com/ledge-cache/ledge/pkg/queue/queuetest"
	"github.com/ledge-cache/ledge/pkg/worker"
	"github.com/rs/zerolog"
)

func TestRunGCScanLoopEnqueuesPeriodically(t *testing.T) {
	old := gcScanInterval
	gcScanInterval = 5 * time.Millisecond
	defer func() { gcScanInterval = old }()

	q := queuetest.New()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	runGCScanLoop(ctx, q, zerolog.Nop())

	if len(q.Enqueued) == 0 {
		t.Fatal("expected at least one periodic gc-scan job to be enqueued")
	}
	for _, job := range q.Enqueued {
		if job.Klass != worker.KlassGCScan {
			t.Fatalf("enqueued job klass = %q, want %q", job.Klass, worker.KlassGCScan)
		}
	}
}
