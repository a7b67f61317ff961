package engine

import (
	"runtime"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestTimer(fc *clockwork.FakeClock) (*QuestionTimer, *ClockSource, chan int, chan int) {
	src := NewClockSource(fc)
	timeouts := make(chan int, 4)
	graces := make(chan int, 4)
	qt := NewQuestionTimer(fc, src, 2*time.Second,
		func(i int) { timeouts <- i },
		func(i int) { graces <- i },
	)
	return qt, src, timeouts, graces
}

func TestQuestionTimerCountdownAndTimeout(t *testing.T) {
	fc := clockwork.NewFakeClock()
	qt, _, timeouts, graces := newTestTimer(fc)

	start := fc.Now().UnixMilli()
	qt.Start(0, start, 30, false)

	if got := qt.RemainingMs(); got != 30000 {
		t.Fatalf("expected 30000ms remaining, got %d", got)
	}

	fc.Advance(29 * time.Second)
	if got := qt.RemainingMs(); got != 1000 {
		t.Fatalf("expected 1000ms remaining at T+29s, got %d", got)
	}

	fc.Advance(time.Second)
	select {
	case idx := <-timeouts:
		if idx != 0 {
			t.Fatalf("expected timeout for question 0, got %d", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never fired")
	}

	// The grace window waits for the server to advance; when it does not,
	// the grace callback fires.
	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)
	select {
	case idx := <-graces:
		if idx != 0 {
			t.Fatalf("expected grace expiry for question 0, got %d", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("grace expiry never fired")
	}
}

func TestQuestionTimerStopCancels(t *testing.T) {
	fc := clockwork.NewFakeClock()
	qt, _, timeouts, _ := newTestTimer(fc)

	qt.Start(0, fc.Now().UnixMilli(), 30, false)
	qt.Stop()
	fc.Advance(40 * time.Second)

	select {
	case idx := <-timeouts:
		t.Fatalf("cancelled timer fired for question %d", idx)
	case <-time.After(100 * time.Millisecond):
	}
	if got := qt.RemainingMs(); got != 0 {
		t.Fatalf("stopped timer must report zero remaining, got %d", got)
	}
}

func TestQuestionTimerStopReleasesGoroutine(t *testing.T) {
	fc := clockwork.NewFakeClock()
	qt, _, _, _ := newTestTimer(fc)

	before := runtime.NumGoroutine()
	qt.Start(0, fc.Now().UnixMilli(), 30, false)
	fc.BlockUntil(1)
	qt.Stop()

	// Stop must release the waiting goroutine without the clock ever
	// reaching the deadline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timer goroutine still blocked after Stop")
}

func TestQuestionTimerRestartSupersedes(t *testing.T) {
	fc := clockwork.NewFakeClock()
	qt, _, timeouts, _ := newTestTimer(fc)

	start := fc.Now().UnixMilli()
	qt.Start(0, start, 30, false)
	qt.Start(1, start+30000, 30, false)

	fc.Advance(60 * time.Second)
	select {
	case idx := <-timeouts:
		if idx != 1 {
			t.Fatalf("expected question 1 to fire, got %d", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never fired")
	}
	select {
	case idx := <-timeouts:
		t.Fatalf("superseded timer fired for question %d", idx)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQuestionTimerApproximateBasisAnchorsLocally(t *testing.T) {
	fc := clockwork.NewFakeClock()
	qt, src, timeouts, _ := newTestTimer(fc)

	// Offset from a healthy sample; approximate start ignores the server
	// timestamp entirely and anchors at receipt time.
	src.Observe(fc.Now().UnixMilli() + 5000)
	qt.Start(2, 0, 10, true)

	if got := qt.RemainingMs(); got != 10000 {
		t.Fatalf("expected 10000ms remaining, got %d", got)
	}
	fc.Advance(10 * time.Second)
	select {
	case idx := <-timeouts:
		if idx != 2 {
			t.Fatalf("expected question 2, got %d", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("approximate timer never fired")
	}
}
