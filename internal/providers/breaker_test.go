package providers

import (
	"testing"
	"time"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown)
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerStaysClosedUnderThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.Failure()
	b.Failure()
	if !b.Allow() {
		t.Fatal("breaker opened below threshold")
	}
	if b.Open() {
		t.Fatal("Open() below threshold")
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call")
	}
	if !b.Open() {
		t.Fatal("Open() at threshold")
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)
	b.Failure()
	b.Failure()
	*now = now.Add(61 * time.Second)

	if !b.Allow() {
		t.Fatal("probe refused after cooldown")
	}
	if b.Allow() {
		t.Fatal("second probe admitted while half-open")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)
	b.Failure()
	b.Failure()
	*now = now.Add(61 * time.Second)

	if !b.Allow() {
		t.Fatal("probe refused after cooldown")
	}
	b.Failure()
	if b.Allow() {
		t.Fatal("breaker closed after failed probe")
	}

	// A fresh cooldown starts from the probe failure.
	*now = now.Add(61 * time.Second)
	if !b.Allow() {
		t.Fatal("no probe after the second cooldown")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)
	b.Failure()
	b.Failure()
	*now = now.Add(61 * time.Second)

	if !b.Allow() {
		t.Fatal("probe refused after cooldown")
	}
	b.Success()
	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatal("closed breaker refused a call")
		}
	}
	if b.Open() {
		t.Fatal("Open() after successful probe")
	}
}
