package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"quizito-client/internal/domain"
	"quizito-client/internal/protocol"
)

func newTestEngine(t *testing.T) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	eng := New(Options{
		Logger:      zerolog.Nop(),
		Clock:       fc,
		GraceWindow: 2 * time.Second,
	})
	t.Cleanup(eng.Close)
	return eng, fc
}

func envelope(t *testing.T, typ protocol.EventType, seq int64, serverTime int64, payload any) protocol.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return protocol.Envelope{Type: typ, Seq: seq, ServerTimeMs: serverTime, Payload: raw}
}

func joinRoom(t *testing.T, eng *Engine, fc *clockwork.FakeClock, room string) {
	t.Helper()
	if out := eng.BeginJoin(); !out.Applied {
		t.Fatalf("begin join dropped: %s", out.Reason)
	}
	out := eng.Hydrate(protocol.SessionHydrated{
		Session: domain.Session{
			ID:     room,
			Status: domain.SessionWaiting,
			Settings: domain.SessionSettings{
				QuestionCount:       3,
				QuestionDurationSec: 30,
			},
		},
		Participants: []domain.Participant{
			{ID: "p1", DisplayName: "Alice"},
			{ID: "p2", DisplayName: "Bob"},
		},
		You:          "p1",
		ServerTimeMs: fc.Now().UnixMilli(),
	})
	if !out.Applied {
		t.Fatalf("hydrate dropped: %s", out.Reason)
	}
}

func expectIntent(t *testing.T, eng *Engine, typ IntentType) Intent {
	t.Helper()
	select {
	case intent := <-eng.Intents():
		if intent.Type != typ {
			t.Fatalf("expected intent %s, got %s", typ, intent.Type)
		}
		return intent
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s intent emitted", typ)
		return Intent{}
	}
}

func TestEngineAnswerFlow(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	out := eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start,
		DurationSec:      30,
		TotalQuestions:   3,
		OptionCount:      4,
	}))
	if !out.Applied {
		t.Fatalf("quiz-started dropped: %s", out.Reason)
	}

	fc.Advance(5 * time.Second)
	if err := eng.SubmitAnswer(2); err != nil {
		t.Fatalf("submit: %v", err)
	}

	intent := expectIntent(t, eng, IntentSubmitAnswer)
	if intent.Submission.QuestionIndex != 0 || intent.Submission.SelectedOption != 2 {
		t.Fatalf("unexpected submission %+v", intent.Submission)
	}
	if intent.Submission.ElapsedMs != 5000 {
		t.Fatalf("expected elapsedMs 5000, got %d", intent.Submission.ElapsedMs)
	}

	// Second attempt is rejected locally: no new intent, no network call.
	if err := eng.SubmitAnswer(3); !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}

	out = eng.Apply(envelope(t, protocol.EventAnswerFeedback, 0, 0, protocol.AnswerFeedback{
		QuestionIndex: 0,
		ParticipantID: "p1",
		Correct:       true,
		PointsAwarded: 120,
	}))
	if !out.Applied {
		t.Fatalf("feedback dropped: %s", out.Reason)
	}

	view := eng.Snapshot()
	if len(view.Answers) != 1 {
		t.Fatalf("expected 1 answer record, got %d", len(view.Answers))
	}
	rec := view.Answers[0]
	if rec.Status != domain.AnswerConfirmed || !rec.Correct || rec.PointsAwarded != 120 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestEngineRemainingTime(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start,
		DurationSec:      30,
	}))

	fc.Advance(29 * time.Second)
	if got := eng.Snapshot().RemainingMs; got != 1000 {
		t.Fatalf("expected 1000ms remaining at T+29s, got %d", got)
	}
}

func TestEngineReplayIsIdempotent(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	eng.Apply(envelope(t, protocol.EventQuizStarted, 7, start, protocol.QuizStarted{
		StartTimestampMs: start,
		DurationSec:      30,
	}))
	advance := envelope(t, protocol.EventQuestionAdvanced, 8, start+30000, protocol.QuestionAdvanced{
		Index:            1,
		StartTimestampMs: start + 30000,
		DurationSec:      30,
	})

	if out := eng.Apply(advance); !out.Applied {
		t.Fatalf("first delivery dropped: %s", out.Reason)
	}
	before := eng.Snapshot()

	// At-least-once delivery: the identical envelope arrives again.
	out := eng.Apply(advance)
	if out.Applied {
		t.Fatalf("replay must be dropped")
	}
	if out.Resync {
		t.Fatalf("replay must not force a resync")
	}
	after := eng.Snapshot()
	if before.Cursor != after.Cursor || before.Phase != after.Phase {
		t.Fatalf("replay changed state: before=%+v after=%+v", before.Cursor, after.Cursor)
	}
}

func TestEngineGapEmitsResyncIntent(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start,
		DurationSec:      30,
	}))
	out := eng.Apply(envelope(t, protocol.EventQuestionAdvanced, 0, 0, protocol.QuestionAdvanced{
		Index:            2,
		StartTimestampMs: start + 60000,
		DurationSec:      30,
	}))
	if out.Applied || !out.Resync {
		t.Fatalf("gap must drop and resync, got %+v", out)
	}
	expectIntent(t, eng, IntentResync)
}

func TestEngineGapRedeliveryAppliesAfterCatchUp(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start, DurationSec: 30, TotalQuestions: 6,
	}))
	gapped := envelope(t, protocol.EventQuestionAdvanced, 0, 0, protocol.QuestionAdvanced{
		Index: 2, StartTimestampMs: start + 60000, DurationSec: 30,
	})
	if out := eng.Apply(gapped); out.Applied || !out.Resync {
		t.Fatalf("gap must drop and resync, got %+v", out)
	}
	expectIntent(t, eng, IntentResync)

	if out := eng.Apply(envelope(t, protocol.EventQuestionAdvanced, 0, 0, protocol.QuestionAdvanced{
		Index: 1, StartTimestampMs: start + 30000, DurationSec: 30,
	})); !out.Applied {
		t.Fatalf("successor dropped: %s", out.Reason)
	}

	// The earlier dropped delivery was never recorded; once the cursor has
	// caught up its redelivery is a legitimate successor.
	if out := eng.Apply(gapped); !out.Applied {
		t.Fatalf("redelivery after catch-up dropped: %s", out.Reason)
	}
	if eng.Snapshot().Cursor.Index != 2 {
		t.Fatalf("expected cursor 2, got %d", eng.Snapshot().Cursor.Index)
	}
}

func TestEnginePrimeIsDisplayOnly(t *testing.T) {
	eng, fc := newTestEngine(t)

	// Cached snapshot from a previous run: question 2 opened ten minutes ago.
	idx := 2
	out := eng.Prime(protocol.SessionHydrated{
		Session: domain.Session{
			ID:     "ABC123",
			Status: domain.SessionActive,
			Settings: domain.SessionSettings{
				QuestionCount: 5, QuestionDurationSec: 30,
			},
		},
		Participants:     []domain.Participant{{ID: "p1", DisplayName: "Alice"}},
		You:              "p1",
		CurrentIndex:     &idx,
		StartTimestampMs: fc.Now().UnixMilli() - 600000,
		DurationSec:      30,
		TotalQuestions:   5,
		ServerTimeMs:     fc.Now().UnixMilli() - 600000,
	})
	if !out.Applied {
		t.Fatalf("prime dropped: %s", out.Reason)
	}

	view := eng.Snapshot()
	if view.Phase != PhaseActive || view.Cursor.Index != 2 || view.Session.ID != "ABC123" {
		t.Fatalf("expected last-known Active(2), got %s(%d)", view.Phase, view.Cursor.Index)
	}
	if view.RemainingMs != 0 {
		t.Fatalf("cached timing must not drive a countdown, got %dms", view.RemainingMs)
	}

	// The long-expired cached deadline must not fire anything while offline:
	// no timeout record, no submission intent.
	fc.Advance(time.Minute)
	select {
	case intent := <-eng.Intents():
		t.Fatalf("cache prime emitted intent %s", intent.Type)
	case <-time.After(200 * time.Millisecond):
	}
	if len(eng.Snapshot().Answers) != 0 {
		t.Fatalf("cache prime created answer records: %+v", eng.Snapshot().Answers)
	}
	if err := eng.SubmitAnswer(1); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("expected ErrNotActive while offline, got %v", err)
	}

	// A fresh process still joins: the prime left the machine in idle.
	if out := eng.BeginJoin(); !out.Applied {
		t.Fatalf("join after prime dropped: %s", out.Reason)
	}
	start := fc.Now().UnixMilli()
	out = eng.Hydrate(protocol.SessionHydrated{
		Session: domain.Session{
			ID:     "ABC123",
			Status: domain.SessionActive,
			Settings: domain.SessionSettings{
				QuestionCount: 5, QuestionDurationSec: 30,
			},
		},
		You:              "p1",
		CurrentIndex:     &idx,
		StartTimestampMs: start,
		DurationSec:      30,
		TotalQuestions:   5,
		ServerTimeMs:     start,
	})
	if !out.Applied {
		t.Fatalf("live hydration dropped: %s", out.Reason)
	}

	// The user's genuine answer for the live question goes through.
	if err := eng.SubmitAnswer(1); err != nil {
		t.Fatalf("submit after live hydration: %v", err)
	}
	intent := expectIntent(t, eng, IntentSubmitAnswer)
	if intent.Submission.QuestionIndex != 2 || intent.Submission.SelectedOption != 1 {
		t.Fatalf("unexpected submission %+v", intent.Submission)
	}
}

func TestEngineTimeoutSubmitsNoAnswer(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start,
		DurationSec:      30,
	}))

	fc.Advance(30 * time.Second)
	intent := expectIntent(t, eng, IntentSubmitAnswer)
	if intent.Submission.SelectedOption != domain.NoSelection {
		t.Fatalf("expected no-selection submission, got %d", intent.Submission.SelectedOption)
	}

	rec, ok := func() (domain.AnswerRecord, bool) {
		for _, r := range eng.Snapshot().Answers {
			if r.QuestionIndex == 0 {
				return r, true
			}
		}
		return domain.AnswerRecord{}, false
	}()
	if !ok || rec.Status != domain.AnswerTimedOut {
		t.Fatalf("expected timed-out record, got %+v", rec)
	}

	// No advance within the grace window: the engine asks for a snapshot
	// instead of moving the cursor itself.
	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)
	expectIntent(t, eng, IntentResync)
	if eng.Snapshot().Cursor.Index != 0 {
		t.Fatalf("local timers must never advance the cursor")
	}
}

func TestEngineTimeoutSuppressedByPendingAnswer(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start,
		DurationSec:      30,
		OptionCount:      4,
	}))
	if err := eng.SubmitAnswer(1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	expectIntent(t, eng, IntentSubmitAnswer)

	fc.Advance(30 * time.Second)
	select {
	case intent := <-eng.Intents():
		if intent.Type == IntentSubmitAnswer {
			t.Fatalf("timeout must not double-submit over a pending answer")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEngineFeedbackForOtherParticipantIgnored(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start,
		DurationSec:      30,
		OptionCount:      4,
	}))
	if err := eng.SubmitAnswer(1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	out := eng.Apply(envelope(t, protocol.EventAnswerFeedback, 0, 0, protocol.AnswerFeedback{
		QuestionIndex: 0,
		ParticipantID: "p2",
		Correct:       true,
		PointsAwarded: 50,
	}))
	if out.Applied {
		t.Fatalf("feedback addressed to another participant must be dropped")
	}
}

func TestEngineLeaderboardEvents(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	eng.Apply(envelope(t, protocol.EventLeaderboardDelta, 0, 0, protocol.LeaderboardDelta{
		Entries: []domain.LeaderboardEntry{{ParticipantID: "p1", Score: 100}},
	}))
	eng.Apply(envelope(t, protocol.EventLeaderboardDelta, 0, 0, protocol.LeaderboardDelta{
		Entries: []domain.LeaderboardEntry{{ParticipantID: "p1", Score: 150}},
	}))

	board := eng.Snapshot().Board
	if len(board.Entries) != 1 || board.Entries[0].Score != 150 {
		t.Fatalf("expected merged score 150, got %+v", board.Entries)
	}
}

func TestEngineQuizEndedStopsSubmissions(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start,
		DurationSec:      30,
	}))
	out := eng.Apply(envelope(t, protocol.EventQuizEnded, 0, 0, protocol.QuizEnded{
		Results: json.RawMessage(`{"winner":"p2"}`),
	}))
	if !out.Applied {
		t.Fatalf("quiz-ended dropped: %s", out.Reason)
	}

	if err := eng.SubmitAnswer(1); !errors.Is(err, domain.ErrSessionOver) {
		t.Fatalf("expected ErrSessionOver, got %v", err)
	}
	if string(eng.Snapshot().Results) != `{"winner":"p2"}` {
		t.Fatalf("results not retained verbatim: %s", eng.Snapshot().Results)
	}
}

func TestEngineFatalErrorTerminates(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	out := eng.Apply(envelope(t, protocol.EventSessionError, 0, 0, protocol.SessionError{
		Code: "host-gone", Message: "host left the room", Fatal: true,
	}))
	if !out.Applied || !out.Fatal {
		t.Fatalf("fatal error outcome %+v", out)
	}
	if eng.Snapshot().Phase != PhaseAborted {
		t.Fatalf("expected aborted phase, got %s", eng.Snapshot().Phase)
	}

	start := fc.Now().UnixMilli()
	out = eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start, DurationSec: 30,
	}))
	if out.Applied {
		t.Fatalf("no events accepted after abort")
	}
}

func TestEngineHydrationJumpAfterReconnect(t *testing.T) {
	eng, fc := newTestEngine(t)
	joinRoom(t, eng, fc, "ABC123")

	start := fc.Now().UnixMilli()
	eng.Apply(envelope(t, protocol.EventQuizStarted, 0, start, protocol.QuizStarted{
		StartTimestampMs: start, DurationSec: 30, TotalQuestions: 6,
	}))
	for i := 1; i <= 3; i++ {
		eng.Apply(envelope(t, protocol.EventQuestionAdvanced, 0, 0, protocol.QuestionAdvanced{
			Index: i, StartTimestampMs: start + int64(i)*30000, DurationSec: 30,
		}))
	}
	if eng.Snapshot().Cursor.Index != 3 {
		t.Fatalf("setup: expected Active(3), got %d", eng.Snapshot().Cursor.Index)
	}

	// Disconnect happened mid-question; the reconnect snapshot says the
	// session is already on question 4.
	idx := 4
	out := eng.Hydrate(protocol.SessionHydrated{
		Session: domain.Session{
			ID:     "ABC123",
			Status: domain.SessionActive,
			Settings: domain.SessionSettings{
				QuestionCount: 6, QuestionDurationSec: 30,
			},
		},
		You:              "p1",
		CurrentIndex:     &idx,
		StartTimestampMs: start + 4*30000,
		DurationSec:      30,
		TotalQuestions:   6,
		ServerTimeMs:     fc.Now().UnixMilli(),
	})
	if !out.Applied {
		t.Fatalf("hydration dropped: %s", out.Reason)
	}
	view := eng.Snapshot()
	if view.Phase != PhaseActive || view.Cursor.Index != 4 {
		t.Fatalf("expected Active(4), got %s(%d)", view.Phase, view.Cursor.Index)
	}
}

func TestEngineSubscribeDeliversFreshViews(t *testing.T) {
	eng, fc := newTestEngine(t)

	views, cancel := eng.Subscribe()
	defer cancel()
	<-views // initial snapshot

	joinRoom(t, eng, fc, "ABC123")
	select {
	case view := <-views:
		if view.Phase != PhaseWaiting {
			t.Fatalf("expected waiting view, got %s", view.Phase)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no view delivered after hydration")
	}
}
