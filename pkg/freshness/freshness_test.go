package freshness

import (
	"testing"
	"time"
)

func TestClassifySubzero(t *testing.T) {
	now := time.Unix(1000, 0)

	if got := Classify(false, true, 2000, now, 0); got != SUBZERO {
		t.Fatalf("absent record: got %s, want SUBZERO", got)
	}
	if got := Classify(true, false, 2000, now, 0); got != SUBZERO {
		t.Fatalf("missing entity: got %s, want SUBZERO", got)
	}
}

func TestClassifyHotWhenNotExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	if got := Classify(true, true, 1001, now, 0); got != HOT {
		t.Fatalf("got %s, want HOT", got)
	}
}

func TestClassifyColdAtBoundaryWithoutGraceWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	if got := Classify(true, true, 1000, now, 0); got != COLD {
		t.Fatalf("expires==now, serveWhenStale=0: got %s, want COLD", got)
	}
}

func TestClassifyWarmAtBoundaryWithGraceWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	if got := Classify(true, true, 1000, now, 30*time.Second); got != WARM {
		t.Fatalf("expires==now, serveWhenStale=30s: got %s, want WARM", got)
	}
}

func TestClassifyWarmWithinGraceWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	if got := Classify(true, true, 990, now, 30*time.Second); got != WARM {
		t.Fatalf("got %s, want WARM", got)
	}
}

func TestClassifyColdBeyondGraceWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	if got := Classify(true, true, 960, now, 30*time.Second); got != COLD {
		t.Fatalf("got %s, want COLD", got)
	}
	// exactly at the boundary of the grace window is still COLD
	if got := Classify(true, true, 970, now, 30*time.Second); got != COLD {
		t.Fatalf("boundary: got %s, want COLD", got)
	}
}

func TestStateIsHit(t *testing.T) {
	cases := map[State]bool{SUBZERO: false, COLD: false, WARM: true, HOT: true}
	for state, want := range cases {
		if got := state.IsHit(); got != want {
			t.Fatalf("%s.IsHit() = %v, want %v", state, got, want)
		}
	}
}
