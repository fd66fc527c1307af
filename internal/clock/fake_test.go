package clock

import (
	"testing"
	"time"
)

func TestFakeClockFiresDueTimersInOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "early") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "never") })

	c.Advance(3 * time.Second)

	if len(fired) != 2 || fired[0] != "early" || fired[1] != "late" {
		t.Fatalf("unexpected firing order: %v", fired)
	}
	if got := c.Now(); !got.Equal(start.Add(3 * time.Second)) {
		t.Fatalf("expected now to advance, got %v", got)
	}
	if c.PendingTimers() != 1 {
		t.Fatalf("expected one pending timer, got %d", c.PendingTimers())
	}
}

func TestFakeClockStoppedTimerDoesNotFire(t *testing.T) {
	c := NewFakeClock(time.Now())
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	if !timer.Stop() {
		t.Fatalf("expected first stop to report true")
	}
	if timer.Stop() {
		t.Fatalf("expected second stop to report false")
	}
	c.Advance(time.Hour)
	if called {
		t.Fatalf("stopped timer fired")
	}
}
