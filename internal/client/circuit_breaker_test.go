package client

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreaker(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	cb.now = clock.Now

	// Initial State: Closed
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed state, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("Should allow requests in Closed state")
	}

	cb.Failure()
	cb.Failure()
	if cb.State() != StateClosed {
		t.Errorf("Should remain Closed after 2 failures")
	}

	cb.Failure()
	if cb.State() != StateOpen {
		t.Errorf("Expected Open state after 3 failures")
	}
	if cb.Allow() {
		t.Error("Should NOT allow requests in Open state")
	}

	clock.Advance(150 * time.Millisecond)
	if !cb.Allow() {
		t.Error("Should allow trial request after timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected HalfOpen state, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("Only one trial should be admitted while half-open")
	}

	// Trial fails: back to Open.
	cb.Failure()
	if cb.State() != StateOpen {
		t.Errorf("Expected Open state after trial failure")
	}
	if cb.Allow() {
		t.Error("Failed trial should restart the timeout")
	}

	clock.Advance(150 * time.Millisecond)
	cb.Allow()

	// Trial succeeds: Closed.
	cb.Success()
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed state after trial success")
	}
	if cb.failures != 0 {
		t.Errorf("Failures should be reset")
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Second)
	cb.Failure()
	cb.Success()
	cb.Failure()
	if cb.State() != StateClosed {
		t.Errorf("Failures must be consecutive to open, got %v", cb.State())
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
