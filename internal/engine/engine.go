package engine

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"quizito-client/internal/domain"
	"quizito-client/internal/protocol"
)

// IntentType labels outbound actions the transport must perform on the
// engine's behalf. Local timers and guards only ever produce intent;
// state transitions come exclusively from server events.
type IntentType string

const (
	IntentSubmitAnswer IntentType = "submit-answer"
	IntentResync       IntentType = "resync"
)

// Intent is one outbound action for the connection supervisor.
type Intent struct {
	Type       IntentType
	Submission SubmissionIntent
}

// View is an immutable snapshot of the engine for consumers. Nothing in a
// View aliases engine-owned state.
type View struct {
	Phase        Phase
	Session      domain.Session
	You          string
	Participants []domain.Participant
	Cursor       domain.QuestionCursor
	RemainingMs  int64
	Answers      []domain.AnswerRecord
	Board        domain.Leaderboard
	Results      json.RawMessage
	Connection   domain.ConnectionState
	LastError    *protocol.SessionError
}

// Options configures an Engine.
type Options struct {
	Logger       zerolog.Logger
	Clock        clockwork.Clock
	GraceWindow  time.Duration
	DedupeWindow int
	IntentBuffer int
}

// Engine is the session synchronization core: one instance per active
// session, single writer over all mutable state. Inbound envelopes go
// through Apply; user selections go through SubmitAnswer; the transport
// consumes Intents and feeds snapshot payloads back through Hydrate.
type Engine struct {
	log zerolog.Logger

	mu      sync.Mutex
	clock   *ClockSource
	dedup   *Deduplicator
	machine *Machine
	guard   *AnswerGuard
	board   *LeaderboardReconciler
	timer   *QuestionTimer

	conn        domain.ConnectionState
	closed      bool
	primed      *protocol.SessionHydrated
	intents     chan Intent
	subscribers map[chan View]struct{}
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.IntentBuffer <= 0 {
		opts.IntentBuffer = 16
	}
	e := &Engine{
		log:         opts.Logger,
		clock:       NewClockSource(opts.Clock),
		dedup:       NewDeduplicator(opts.DedupeWindow),
		machine:     NewMachine(opts.Logger),
		guard:       NewAnswerGuard(),
		board:       NewLeaderboardReconciler(),
		conn:        domain.ConnDisconnected,
		intents:     make(chan Intent, opts.IntentBuffer),
		subscribers: make(map[chan View]struct{}),
	}
	e.timer = NewQuestionTimer(opts.Clock, e.clock, opts.GraceWindow, e.onQuestionTimeout, e.onGraceExpired)
	return e
}

// Clock exposes the shared clock source for message timestamping.
func (e *Engine) Clock() *ClockSource { return e.clock }

// Intents is the stream of outbound actions for the transport.
func (e *Engine) Intents() <-chan Intent { return e.intents }

// BeginJoin marks the join request in flight.
func (e *Engine) BeginJoin() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.BeginJoin()
}

// Apply decodes, deduplicates, and reduces one inbound envelope. All
// failure modes drop the event and report why; nothing panics and nothing
// leaves state partially mutated.
func (e *Engine) Apply(env protocol.Envelope) Outcome {
	ev, err := protocol.Decode(env)
	if err != nil {
		e.log.Warn().Err(err).Str("type", string(env.Type)).Msg("dropping malformed event")
		return dropped("protocol error: " + err.Error())
	}
	e.clock.Observe(env.ServerTimeMs)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.machine.Phase().Terminal() {
		return dropped("session aborted")
	}
	key := protocol.SeqDedupeKey(env, ev)
	if e.dedup.Seen(key) {
		e.log.Debug().Str("type", string(env.Type)).Msg("dropping duplicate delivery")
		return dropped("duplicate delivery")
	}

	out := e.reduceLocked(ev)
	if out.Applied {
		e.dedup.Remember(key)
	}
	e.runDirectivesLocked(out)
	if out.Applied {
		e.broadcastLocked()
	}
	return out
}

func (e *Engine) reduceLocked(ev protocol.Event) Outcome {
	switch ev := ev.(type) {
	case protocol.SessionHydrated:
		return e.hydrateLocked(ev)
	case protocol.QuizStarted:
		return e.machine.ApplyQuizStarted(ev)
	case protocol.QuestionAdvanced:
		return e.machine.ApplyQuestionAdvanced(ev)
	case protocol.AnswerFeedback:
		return e.applyFeedbackLocked(ev)
	case protocol.LeaderboardSnapshot:
		e.board.ApplySnapshot(ev.Entries, time.UnixMilli(e.clock.ServerNowMs()))
		return applied()
	case protocol.LeaderboardDelta:
		e.board.ApplyDelta(ev.Entries, time.UnixMilli(e.clock.ServerNowMs()))
		return applied()
	case protocol.QuizEnded:
		return e.machine.ApplyQuizEnded(ev)
	case protocol.ParticipantJoined:
		return e.machine.ApplyParticipantJoined(ev)
	case protocol.ParticipantLeft:
		out := e.machine.ApplyParticipantLeft(ev)
		if out.Applied {
			e.board.Remove(ev.ParticipantID)
		}
		return out
	case protocol.SessionError:
		return e.machine.ApplySessionError(ev)
	default:
		return dropped("unhandled event")
	}
}

// Prime installs a cached snapshot for display only. Its timing is stale by
// definition, so nothing live is derived from it: no timer, no answer
// records, no clock samples, and the machine stays in Idle so the first
// connection still joins. The first live hydration supersedes it.
func (e *Engine) Prime(ev protocol.SessionHydrated) Outcome {
	if err := ev.Validate(); err != nil {
		e.log.Warn().Err(err).Msg("dropping invalid cached snapshot")
		return dropped("protocol error: " + err.Error())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine.Phase() != PhaseIdle {
		return dropped("live state already present")
	}
	e.primed = &ev
	e.broadcastLocked()
	return applied()
}

// Hydrate feeds a snapshot payload through the same re-baseline path as an
// inbound session-hydrated event. The supervisor calls this with join and
// snapshot-fetch responses.
func (e *Engine) Hydrate(ev protocol.SessionHydrated) Outcome {
	if err := ev.Validate(); err != nil {
		e.log.Warn().Err(err).Msg("dropping invalid hydration payload")
		return dropped("protocol error: " + err.Error())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.hydrateLocked(ev)
	e.runDirectivesLocked(out)
	if out.Applied {
		e.broadcastLocked()
	}
	return out
}

func (e *Engine) hydrateLocked(ev protocol.SessionHydrated) Outcome {
	out := e.machine.Hydrate(ev)
	if !out.Applied {
		return out
	}
	e.primed = nil
	// Fresh baseline: recompute the offset from the hydration timestamp and
	// forget replay history, which the snapshot supersedes.
	e.clock.Reset()
	e.clock.Observe(ev.ServerTimeMs)
	e.dedup.Reset()
	if e.machine.Phase() == PhaseActive {
		e.guard.TrimAfter(e.machine.Cursor().Index)
	} else if e.machine.Phase() == PhaseWaiting {
		e.guard.TrimAfter(-1)
		e.board.Clear()
	}
	return out
}

func (e *Engine) applyFeedbackLocked(ev protocol.AnswerFeedback) Outcome {
	if you := e.machine.You(); you != "" && ev.ParticipantID != you {
		return dropped("feedback for another participant")
	}
	if ev.ServerTimeMs > 0 {
		e.clock.Observe(ev.ServerTimeMs)
	}
	ok := e.guard.Feedback(ev.QuestionIndex, e.machine.Cursor().Index, ev.Correct, ev.PointsAwarded, ev.Rejected, e.clock.ServerNowMs())
	if !ok {
		e.log.Debug().Int("index", ev.QuestionIndex).Msg("discarding stale answer feedback")
		return dropped("stale or unmatched feedback")
	}
	return applied()
}

func (e *Engine) runDirectivesLocked(out Outcome) {
	if out.StopTimer || out.Fatal {
		e.timer.Stop()
	}
	if out.StartQuestion != nil {
		s := out.StartQuestion
		e.timer.Stop()
		e.timer.Start(s.Index, s.ServerStartMs, s.DurationSec, s.Approximate)
	}
	if out.Resync {
		e.emitIntent(Intent{Type: IntentResync})
	}
}

// SubmitAnswer records the user's selection for the active question and
// emits at most one submission intent. Duplicate attempts are rejected
// locally without any network call.
func (e *Engine) SubmitAnswer(selectedOption int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.machine.Phase() {
	case PhaseActive:
	case PhaseCompleted, PhaseAborted:
		return domain.ErrSessionOver
	default:
		return domain.ErrNotActive
	}
	cursor := e.machine.Cursor()
	intent, err := e.guard.Submit(cursor.Index, selectedOption, cursor.OptionCount, e.clock.NowMs(), e.elapsedLocked(cursor))
	if err != nil {
		return err
	}
	e.emitIntent(Intent{Type: IntentSubmitAnswer, Submission: intent})
	e.broadcastLocked()
	return nil
}

// elapsedLocked measures time since question start on the server clock, so
// elapsed values are comparable across clients regardless of local skew.
func (e *Engine) elapsedLocked(cursor domain.QuestionCursor) int64 {
	windowMs := int64(cursor.DurationSec) * 1000
	var elapsed int64
	if cursor.ApproximateBasis {
		elapsed = windowMs - e.timer.RemainingMs()
	} else {
		elapsed = e.clock.ServerNowMs() - cursor.ServerStartMs
	}
	if elapsed < 0 {
		return 0
	}
	if elapsed > windowMs {
		return windowMs
	}
	return elapsed
}

// onQuestionTimeout fires when the local countdown hits zero. If nothing
// was submitted it records a TimedOut answer and emits the no-answer
// submission. It never advances the cursor.
func (e *Engine) onQuestionTimeout(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.machine.Phase() != PhaseActive || e.machine.Cursor().Index != index {
		return
	}
	if e.guard.HasBlocking(index) {
		return
	}
	windowMs := int64(e.machine.Cursor().DurationSec) * 1000
	intent, created := e.guard.Timeout(index, e.clock.NowMs(), windowMs)
	if !created {
		return
	}
	e.log.Info().Int("index", index).Msg("question window expired, submitting no answer")
	e.emitIntent(Intent{Type: IntentSubmitAnswer, Submission: intent})
	e.broadcastLocked()
}

// onGraceExpired fires when the server has not advanced the question a
// grace window after local expiry. The engine asks for a snapshot rather
// than advancing on its own.
func (e *Engine) onGraceExpired(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.machine.Phase() != PhaseActive || e.machine.Cursor().Index != index {
		return
	}
	e.log.Warn().Int("index", index).Msg("no question advance after grace window, requesting snapshot")
	e.emitIntent(Intent{Type: IntentResync})
}

// SetConnectionState records the supervisor's link state. After backoff
// exhaustion the engine stays readable in whatever state it last knew.
func (e *Engine) SetConnectionState(state domain.ConnectionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == state {
		return
	}
	e.conn = state
	e.machine.setConnection(state)
	e.broadcastLocked()
}

// ConnectionState returns the supervisor-owned link state.
func (e *Engine) ConnectionState() domain.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Close stops timers and closes the intent stream. The engine accepts no
// work afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.timer.Stop()
	for ch := range e.subscribers {
		delete(e.subscribers, ch)
		close(ch)
	}
	close(e.intents)
}

// Snapshot returns an immutable view of all derived state.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// Summary returns every answer record ordered by question index, retained
// through Completed for the session-end screen.
func (e *Engine) Summary() []domain.AnswerRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guard.Summary()
}

// Subscribe returns a channel of view updates plus a cancel function. The
// channel is never blocked on: a slow consumer loses intermediate views,
// keeping only the freshest.
func (e *Engine) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 8)

	e.mu.Lock()
	e.subscribers[ch] = struct{}{}
	initial := e.viewLocked()
	e.mu.Unlock()

	ch <- initial

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.subscribers[ch]; ok {
			delete(e.subscribers, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) broadcastLocked() {
	view := e.viewLocked()
	for ch := range e.subscribers {
		select {
		case ch <- view:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- view
		}
	}
}

func (e *Engine) viewLocked() View {
	if e.primed != nil && (e.machine.Phase() == PhaseIdle || e.machine.Phase() == PhaseJoining) {
		return e.cachedViewLocked()
	}
	roster := e.machine.Roster()
	participants := make([]domain.Participant, 0, len(roster))
	for _, p := range roster {
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].ID < participants[j].ID })

	var results json.RawMessage
	if raw := e.machine.Results(); raw != nil {
		results = append(json.RawMessage(nil), raw...)
	}

	return View{
		Phase:        e.machine.Phase(),
		Session:      e.machine.Session(),
		You:          e.machine.You(),
		Participants: participants,
		Cursor:       e.machine.Cursor(),
		RemainingMs:  e.timer.RemainingMs(),
		Answers:      e.guard.Summary(),
		Board:        e.board.Board(),
		Results:      results,
		Connection:   e.conn,
		LastError:    e.machine.LastError(),
	}
}

// cachedViewLocked renders the primed snapshot as last-known state. The
// countdown reads zero because the cached timing cannot be trusted.
func (e *Engine) cachedViewLocked() View {
	snap := e.primed
	participants := append([]domain.Participant(nil), snap.Participants...)
	sort.Slice(participants, func(i, j int) bool { return participants[i].ID < participants[j].ID })

	cursor := domain.QuestionCursor{TotalQuestions: snap.TotalQuestions}
	if cursor.TotalQuestions == 0 {
		cursor.TotalQuestions = snap.Session.Settings.QuestionCount
	}
	phase := PhaseWaiting
	switch snap.Session.Status {
	case domain.SessionActive:
		phase = PhaseActive
		if snap.CurrentIndex != nil {
			cursor.Index = *snap.CurrentIndex
		}
	case domain.SessionCompleted:
		phase = PhaseCompleted
	case domain.SessionAborted:
		phase = PhaseAborted
	}

	return View{
		Phase:        phase,
		Session:      snap.Session,
		You:          snap.You,
		Participants: participants,
		Cursor:       cursor,
		Connection:   e.conn,
	}
}

func (e *Engine) emitIntent(intent Intent) {
	if e.closed {
		return
	}
	select {
	case e.intents <- intent:
	default:
		e.log.Warn().Str("intent", string(intent.Type)).Msg("intent buffer full, dropping")
	}
}
