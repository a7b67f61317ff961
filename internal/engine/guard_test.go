package engine

import (
	"errors"
	"testing"

	"quizito-client/internal/domain"
)

func TestGuardAcceptsFirstSubmission(t *testing.T) {
	g := NewAnswerGuard()

	intent, err := g.Submit(0, 2, 4, 100, 5000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if intent.SelectedOption != 2 || intent.ElapsedMs != 5000 {
		t.Fatalf("unexpected intent %+v", intent)
	}
	rec, ok := g.Record(0)
	if !ok || rec.Status != domain.AnswerPending {
		t.Fatalf("expected pending record, got %+v", rec)
	}
}

func TestGuardRejectsSecondSubmissionLocally(t *testing.T) {
	g := NewAnswerGuard()
	if _, err := g.Submit(0, 1, 4, 100, 1000); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := g.Submit(0, 3, 4, 200, 2000); !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}
}

func TestGuardRejectsOutOfRangeOption(t *testing.T) {
	g := NewAnswerGuard()
	if _, err := g.Submit(0, 4, 4, 100, 1000); !errors.Is(err, domain.ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
	if _, err := g.Submit(0, -2, 4, 100, 1000); !errors.Is(err, domain.ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption for negative option, got %v", err)
	}
	// The no-answer sentinel always passes the range check.
	if _, err := g.Submit(0, domain.NoSelection, 4, 100, 1000); err != nil {
		t.Fatalf("sentinel submit: %v", err)
	}
}

func TestGuardTimeoutCreatesRecordOnce(t *testing.T) {
	g := NewAnswerGuard()

	intent, created := g.Timeout(1, 100, 30000)
	if !created {
		t.Fatalf("expected timeout record")
	}
	if intent.SelectedOption != domain.NoSelection {
		t.Fatalf("expected no-selection intent, got %d", intent.SelectedOption)
	}
	if _, created := g.Timeout(1, 200, 30000); created {
		t.Fatalf("second timeout must be a no-op")
	}
	rec, _ := g.Record(1)
	if rec.Status != domain.AnswerTimedOut {
		t.Fatalf("expected timed-out status, got %s", rec.Status)
	}
}

func TestGuardFeedbackConfirms(t *testing.T) {
	g := NewAnswerGuard()
	g.Submit(2, 1, 4, 100, 4000)

	if !g.Feedback(2, 2, true, 120, false, 99000) {
		t.Fatalf("expected feedback to apply")
	}
	rec, _ := g.Record(2)
	if rec.Status != domain.AnswerConfirmed || !rec.Correct || rec.PointsAwarded != 120 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.SubmittedAtServer != 99000 {
		t.Fatalf("expected server timestamp 99000, got %d", rec.SubmittedAtServer)
	}
}

func TestGuardFeedbackDiscardedForHistoricalIndex(t *testing.T) {
	g := NewAnswerGuard()
	g.Submit(2, 1, 4, 100, 4000)

	// The cursor moved to 3 before feedback for 2 arrived: stale, discarded.
	if g.Feedback(2, 3, true, 120, false, 99000) {
		t.Fatalf("stale feedback must be discarded")
	}
	rec, _ := g.Record(2)
	if rec.Status != domain.AnswerPending {
		t.Fatalf("orphaned record must stay pending, got %s", rec.Status)
	}
}

func TestGuardFeedbackRejection(t *testing.T) {
	g := NewAnswerGuard()
	g.Submit(0, 1, 4, 100, 4000)

	if !g.Feedback(0, 0, false, 0, true, 99000) {
		t.Fatalf("expected rejection to apply")
	}
	rec, _ := g.Record(0)
	if rec.Status != domain.AnswerRejected {
		t.Fatalf("expected rejected status, got %s", rec.Status)
	}
	// A rejected submission is never retried.
	if _, err := g.Submit(0, 2, 4, 200, 5000); !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected local rejection after server refusal, got %v", err)
	}
}

func TestGuardTrimAfterKeepsHistory(t *testing.T) {
	g := NewAnswerGuard()
	g.Submit(0, 1, 4, 100, 1000)
	g.Submit(1, 2, 4, 200, 2000)
	g.Submit(2, 3, 4, 300, 3000)

	g.TrimAfter(1)

	if _, ok := g.Record(2); ok {
		t.Fatalf("records beyond the hydrated index must be dropped")
	}
	summary := g.Summary()
	if len(summary) != 2 || summary[0].QuestionIndex != 0 || summary[1].QuestionIndex != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestGuardSubmitWithUnknownOptionCount(t *testing.T) {
	g := NewAnswerGuard()
	// Option count 0 means the server did not advertise options; the upper
	// bound check is skipped but negatives still fail.
	if _, err := g.Submit(0, 7, 0, 100, 1000); err != nil {
		t.Fatalf("submit with unknown option count: %v", err)
	}
}
