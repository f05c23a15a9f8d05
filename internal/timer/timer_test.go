package timer

import (
	"testing"
	"time"
)

func withClock(t *testing.T, base time.Time) *time.Time {
	current := base
	now = func() time.Time { return current }
	t.Cleanup(func() { now = time.Now })
	return &current
}

func TestZeroTimerNeverExpires(t *testing.T) {
	var tm Timer
	if tm.Expired() {
		t.Fatal("expected unstarted timer to be not expired")
	}
	if tm.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %v", tm.Remaining())
	}
}

func TestRemainingAndExpired(t *testing.T) {
	clock := withClock(t, time.Unix(1000, 0))

	tm := New(500 * time.Millisecond)

	tests := []struct {
		advance   time.Duration
		remaining time.Duration
		expired   bool
	}{
		{0, 500 * time.Millisecond, false},
		{200 * time.Millisecond, 300 * time.Millisecond, false},
		{300 * time.Millisecond, 0, false},
		{time.Millisecond, 0, true},
		{time.Hour, 0, true},
	}

	for i, tt := range tests {
		*clock = clock.Add(tt.advance)
		if got := tm.Remaining(); got != tt.remaining {
			t.Errorf("step %d: expected remaining %v, got %v", i, tt.remaining, got)
		}
		if got := tm.Expired(); got != tt.expired {
			t.Errorf("step %d: expected expired %v, got %v", i, tt.expired, got)
		}
	}
}

func TestStartZero(t *testing.T) {
	clock := withClock(t, time.Unix(1000, 0))

	var tm Timer
	tm.Start(0)
	if tm.Expired() {
		t.Fatal("expected same-instant zero timer to be not expired")
	}
	*clock = clock.Add(time.Hour)
	if tm.Expired() {
		t.Fatal("expected zero timer to never expire")
	}
	if got := tm.Remaining(); got != 0 {
		t.Fatalf("expected remaining 0, got %v", got)
	}
	if !tm.Started() {
		t.Fatal("expected zero timer to be started")
	}
}

func TestClockGoingBackwards(t *testing.T) {
	clock := withClock(t, time.Unix(1000, 0))

	tm := New(time.Second)
	*clock = clock.Add(-time.Minute)
	if got := tm.Remaining(); got != time.Second {
		t.Fatalf("expected full wait remaining, got %v", got)
	}
	if tm.Expired() {
		t.Fatal("expected timer to be not expired")
	}
}

func TestRestart(t *testing.T) {
	clock := withClock(t, time.Unix(1000, 0))

	tm := New(100 * time.Millisecond)
	*clock = clock.Add(time.Second)
	if !tm.Expired() {
		t.Fatal("expected timer to be expired")
	}
	tm.StartMS(250)
	if tm.Expired() || tm.RemainingMS() != 250 {
		t.Fatalf("expected restarted timer with 250ms, got %d", tm.RemainingMS())
	}
	tm.Reset()
	if tm.Started() || tm.Expired() {
		t.Fatal("expected reset timer to be unstarted")
	}
}
