package store

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	base := 60 * time.Second
	cap := time.Hour

	expected := []time.Duration{
		60 * time.Second,  // attempt 1
		120 * time.Second, // attempt 2
		240 * time.Second, // attempt 3
		480 * time.Second, // attempt 4
	}

	for attempt := 1; attempt <= 4; attempt++ {
		want := expected[attempt-1]
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		// Jitter is random, sample a few times.
		for i := 0; i < 20; i++ {
			got := BackoffDelay(attempt, base, cap)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	base := 60 * time.Second
	cap := time.Hour

	// 2^19 minutes is far past the cap; jitter still applies on top.
	for i := 0; i < 20; i++ {
		got := BackoffDelay(20, base, cap)
		hi := time.Duration(float64(cap) * 1.2)
		lo := time.Duration(float64(cap) * 0.8)
		if got < lo || got > hi {
			t.Fatalf("capped delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestBackoffDelayZeroAttempt(t *testing.T) {
	if got := BackoffDelay(0, time.Minute, time.Hour); got <= 0 {
		t.Fatalf("expected positive delay for attempt 0, got %v", got)
	}
}
