package engine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// defaultGraceWindow is how long the timer waits after local expiry for the
// authoritative question-advanced event before asking for a resync.
const defaultGraceWindow = 2 * time.Second

// QuestionTimer derives a countdown for the active question from the
// server-declared start and duration on the reconciled server clock. On
// expiry it fires local intent (auto-submit, then resync after a grace
// window); it never advances the question cursor itself.
type QuestionTimer struct {
	clock clockwork.Clock
	src   *ClockSource
	grace time.Duration

	onTimeout      func(index int)
	onGraceExpired func(index int)

	mu         sync.Mutex
	gen        uint64
	index      int
	deadlineMs int64
	active     bool
	cancel     chan struct{}
}

func NewQuestionTimer(clock clockwork.Clock, src *ClockSource, grace time.Duration, onTimeout, onGraceExpired func(index int)) *QuestionTimer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if grace <= 0 {
		grace = defaultGraceWindow
	}
	return &QuestionTimer{
		clock:          clock,
		src:            src,
		grace:          grace,
		onTimeout:      onTimeout,
		onGraceExpired: onGraceExpired,
	}
}

// Start arms the timer for a question. When approximate is set the deadline
// is based on local receipt time because the server timing was unusable.
func (t *QuestionTimer) Start(index int, serverStartMs int64, durationSec int, approximate bool) {
	t.mu.Lock()
	if t.cancel != nil {
		close(t.cancel)
	}
	cancel := make(chan struct{})
	t.cancel = cancel
	t.gen++
	gen := t.gen
	t.index = index
	t.active = true

	durationMs := int64(durationSec) * 1000
	var wait time.Duration
	if approximate {
		t.deadlineMs = t.src.ServerNowMs() + durationMs
		wait = time.Duration(durationMs) * time.Millisecond
	} else {
		t.deadlineMs = serverStartMs + durationMs
		wait = time.Duration(t.deadlineMs-t.src.ServerNowMs()) * time.Millisecond
	}
	t.mu.Unlock()

	if wait < 0 {
		wait = 0
	}
	timer := t.clock.NewTimer(wait)
	go t.await(timer, cancel, gen, index)
}

func (t *QuestionTimer) await(timer clockwork.Timer, cancel <-chan struct{}, gen uint64, index int) {
	select {
	case <-timer.Chan():
	case <-cancel:
		timer.Stop()
		return
	}
	if !t.current(gen) {
		return
	}
	t.onTimeout(index)

	graceTimer := t.clock.NewTimer(t.grace)
	select {
	case <-graceTimer.Chan():
	case <-cancel:
		graceTimer.Stop()
		return
	}
	if !t.current(gen) {
		return
	}
	t.onGraceExpired(index)
}

func (t *QuestionTimer) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && gen == t.gen
}

// Stop cancels the countdown and any pending grace window, releasing the
// waiting goroutine. Called on every transition out of the active question.
func (t *QuestionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		close(t.cancel)
		t.cancel = nil
	}
	t.gen++
	t.active = false
}

// RemainingMs reports the time left in the active question window.
func (t *QuestionTimer) RemainingMs() int64 {
	t.mu.Lock()
	deadline := t.deadlineMs
	active := t.active
	t.mu.Unlock()
	if !active {
		return 0
	}
	remaining := deadline - t.src.ServerNowMs()
	if remaining < 0 {
		return 0
	}
	return remaining
}
