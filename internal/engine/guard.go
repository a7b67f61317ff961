package engine

import (
	"sort"

	"quizito-client/internal/domain"
)

// SubmissionIntent is the outbound submission the transport should send.
// The guard emits at most one per question index.
type SubmissionIntent struct {
	QuestionIndex  int
	SelectedOption int
	ElapsedMs      int64
}

// AnswerGuard enforces at-most-one accepted answer per question index. It
// creates records, rejects duplicates locally before any network call, and
// reconciles late authoritative feedback against the current cursor.
type AnswerGuard struct {
	records map[int]*domain.AnswerRecord
}

func NewAnswerGuard() *AnswerGuard {
	return &AnswerGuard{records: make(map[int]*domain.AnswerRecord)}
}

// Submit validates a user selection and, if accepted, creates a Pending
// record and returns the intent to send. elapsedMs comes from the clock
// source so it is comparable across clients.
func (g *AnswerGuard) Submit(questionIndex, selectedOption, optionCount int, nowLocalMs, elapsedMs int64) (SubmissionIntent, error) {
	if selectedOption != domain.NoSelection {
		if selectedOption < 0 || (optionCount > 0 && selectedOption >= optionCount) {
			return SubmissionIntent{}, domain.ErrInvalidOption
		}
	}
	if _, ok := g.records[questionIndex]; ok {
		// Rejected and TimedOut records block too: one outbound submission
		// per question, never retried.
		return SubmissionIntent{}, domain.ErrAlreadyAnswered
	}
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	g.records[questionIndex] = &domain.AnswerRecord{
		QuestionIndex:    questionIndex,
		SelectedOption:   selectedOption,
		SubmittedAtLocal: nowLocalMs,
		Status:           domain.AnswerPending,
		ElapsedMs:        elapsedMs,
	}
	return SubmissionIntent{QuestionIndex: questionIndex, SelectedOption: selectedOption, ElapsedMs: elapsedMs}, nil
}

// Timeout creates a TimedOut record with no selection when the question
// window expires unanswered, returning the no-answer submission intent.
// If any record already exists the timeout is a no-op.
func (g *AnswerGuard) Timeout(questionIndex int, nowLocalMs, elapsedMs int64) (SubmissionIntent, bool) {
	if _, ok := g.records[questionIndex]; ok {
		return SubmissionIntent{}, false
	}
	g.records[questionIndex] = &domain.AnswerRecord{
		QuestionIndex:    questionIndex,
		SelectedOption:   domain.NoSelection,
		SubmittedAtLocal: nowLocalMs,
		Status:           domain.AnswerTimedOut,
		ElapsedMs:        elapsedMs,
	}
	return SubmissionIntent{QuestionIndex: questionIndex, SelectedOption: domain.NoSelection, ElapsedMs: elapsedMs}, true
}

// Feedback applies an authoritative verdict. The record must exist and its
// index must still match the current cursor; feedback for a historical
// index is discarded as stale (its record stays as-is forever).
func (g *AnswerGuard) Feedback(questionIndex, currentIndex int, correct bool, points int, rejected bool, serverNowMs int64) bool {
	if questionIndex != currentIndex {
		return false
	}
	rec, ok := g.records[questionIndex]
	if !ok {
		return false
	}
	if rec.Status == domain.AnswerConfirmed || rec.Status == domain.AnswerRejected {
		return false
	}
	if rejected {
		rec.Status = domain.AnswerRejected
		return true
	}
	rec.Status = domain.AnswerConfirmed
	rec.Correct = correct
	rec.PointsAwarded = points
	rec.SubmittedAtServer = serverNowMs
	return true
}

// Record returns a copy of the record for one index.
func (g *AnswerGuard) Record(questionIndex int) (domain.AnswerRecord, bool) {
	rec, ok := g.records[questionIndex]
	if !ok {
		return domain.AnswerRecord{}, false
	}
	return *rec, true
}

// HasBlocking reports whether the index already holds a Pending or
// Confirmed record, which suppresses the timeout auto-submission.
func (g *AnswerGuard) HasBlocking(questionIndex int) bool {
	rec, ok := g.records[questionIndex]
	if !ok {
		return false
	}
	return rec.Status == domain.AnswerPending || rec.Status == domain.AnswerConfirmed
}

// TrimAfter drops records beyond maxIndex. Used on hydration: answers are
// carried forward only if still within the now-current question index;
// history at or below it is retained for the session-end summary.
func (g *AnswerGuard) TrimAfter(maxIndex int) {
	for idx := range g.records {
		if idx > maxIndex {
			delete(g.records, idx)
		}
	}
}

// Summary returns all records ordered by question index.
func (g *AnswerGuard) Summary() []domain.AnswerRecord {
	out := make([]domain.AnswerRecord, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionIndex < out[j].QuestionIndex })
	return out
}
