package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestMockClock_Timer(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	timer := clock.NewTimer(5 * time.Minute)

	select {
	case <-timer.C():
		t.Error("timer fired too early")
	default:
	}
	if n := clock.PendingTimers(); n != 1 {
		t.Errorf("PendingTimers() = %d, want 1", n)
	}

	clock.Advance(5 * time.Minute)

	select {
	case <-timer.C():
	default:
		t.Error("timer did not fire at its deadline")
	}
	if n := clock.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers() = %d after fire, want 0", n)
	}
}

func TestMockClock_TimerStop(t *testing.T) {
	clock := NewMockClock(time.Now())
	timer := clock.NewTimer(time.Minute)

	if !timer.Stop() {
		t.Error("Stop should return true for active timer")
	}
	clock.Advance(2 * time.Minute)

	select {
	case <-timer.C():
		t.Error("stopped timer should not fire")
	default:
	}
}

func TestMockClock_TimerResetMovesDeadline(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	timer := clock.NewTimer(30 * time.Second)

	clock.Advance(20 * time.Second)
	timer.Reset(30 * time.Second)

	// 30s after creation, but only 10s after the reset
	clock.Advance(10 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("reset timer fired at the original deadline")
	default:
	}

	clock.Advance(20 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Error("reset timer did not fire at the new deadline")
	}
}

func TestSleep(t *testing.T) {
	clock := NewMockClock(time.Now())
	done := make(chan struct{})
	result := make(chan bool, 1)

	go func() { result <- Sleep(clock, time.Second, done) }()
	for clock.PendingTimers() == 0 {
		time.Sleep(time.Millisecond)
	}
	clock.Advance(time.Second)
	if !<-result {
		t.Error("Sleep returned false after the duration elapsed")
	}

	close(done)
	if Sleep(clock, time.Hour, done) {
		t.Error("Sleep returned true after done was closed")
	}
}
