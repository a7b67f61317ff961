package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"quizito-client/internal/domain"
)

// EventType discriminates inbound server events.
type EventType string

const (
	EventSessionHydrated     EventType = "session-hydrated"
	EventQuizStarted         EventType = "quiz-started"
	EventQuestionAdvanced    EventType = "question-advanced"
	EventAnswerFeedback      EventType = "answer-feedback"
	EventLeaderboardSnapshot EventType = "leaderboard-snapshot"
	EventLeaderboardDelta    EventType = "leaderboard-delta"
	EventQuizEnded           EventType = "quiz-ended"
	EventParticipantJoined   EventType = "participant-joined"
	EventParticipantLeft     EventType = "participant-left"
	EventSessionError        EventType = "session-error"
)

// Envelope is the wire frame for every inbound event. ServerTimeMs, when
// present, feeds the clock offset; Seq, when present, feeds deduplication.
type Envelope struct {
	Type         EventType       `json:"type"`
	Seq          int64           `json:"seq,omitempty"`
	ServerTimeMs int64           `json:"serverTime,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Event is a decoded, validated inbound server event.
type Event interface {
	Kind() EventType
	// DedupeKey identifies a delivery for replay suppression. An empty key
	// means the event is safe to apply repeatedly and is never deduplicated.
	DedupeKey() string
	Validate() error
}

// SessionHydrated re-baselines the full client state. Used for the join
// response and for post-reconnect snapshot fetches.
type SessionHydrated struct {
	Session      domain.Session       `json:"session"`
	Participants []domain.Participant `json:"participants"`
	You          string               `json:"you,omitempty"`
	CurrentIndex *int                 `json:"currentIndex,omitempty"`
	// Timing for the active question, present only when CurrentIndex is set.
	StartTimestampMs int64 `json:"startTimestamp,omitempty"`
	DurationSec      int   `json:"durationSeconds,omitempty"`
	TotalQuestions   int   `json:"totalQuestions,omitempty"`
	OptionCount      int   `json:"optionCount,omitempty"`
	ServerTimeMs     int64 `json:"serverTime,omitempty"`
}

func (SessionHydrated) Kind() EventType { return EventSessionHydrated }

// Hydration always re-baselines, so replays are harmless and never dropped.
func (SessionHydrated) DedupeKey() string { return "" }

func (e SessionHydrated) Validate() error {
	if e.Session.ID == "" {
		return fmt.Errorf("%s: missing session id", EventSessionHydrated)
	}
	switch e.Session.Status {
	case domain.SessionWaiting, domain.SessionActive, domain.SessionCompleted, domain.SessionAborted:
	default:
		return fmt.Errorf("%s: unknown session status %q", EventSessionHydrated, e.Session.Status)
	}
	if e.CurrentIndex != nil && *e.CurrentIndex < 0 {
		return fmt.Errorf("%s: negative current index", EventSessionHydrated)
	}
	return nil
}

// QuizStarted opens question 0.
type QuizStarted struct {
	StartTimestampMs int64 `json:"startTimestamp"`
	DurationSec      int   `json:"durationSeconds"`
	TotalQuestions   int   `json:"totalQuestions,omitempty"`
	OptionCount      int   `json:"optionCount,omitempty"`
}

func (QuizStarted) Kind() EventType { return EventQuizStarted }

func (e QuizStarted) DedupeKey() string {
	return string(EventQuizStarted)
}

func (e QuizStarted) Validate() error {
	if e.DurationSec < 0 {
		return fmt.Errorf("%s: negative duration", EventQuizStarted)
	}
	return nil
}

// QuestionAdvanced moves the cursor to a new question index.
type QuestionAdvanced struct {
	Index            int   `json:"index"`
	StartTimestampMs int64 `json:"startTimestamp"`
	DurationSec      int   `json:"durationSeconds"`
	OptionCount      int   `json:"optionCount,omitempty"`
}

func (QuestionAdvanced) Kind() EventType { return EventQuestionAdvanced }

func (e QuestionAdvanced) DedupeKey() string {
	return string(EventQuestionAdvanced) + ":" + strconv.Itoa(e.Index)
}

func (e QuestionAdvanced) Validate() error {
	if e.Index < 0 {
		return fmt.Errorf("%s: negative index", EventQuestionAdvanced)
	}
	if e.DurationSec < 0 {
		return fmt.Errorf("%s: negative duration", EventQuestionAdvanced)
	}
	return nil
}

// AnswerFeedback is the authoritative verdict on one submission.
type AnswerFeedback struct {
	QuestionIndex int    `json:"questionIndex"`
	ParticipantID string `json:"participantId"`
	Correct       bool   `json:"correct"`
	PointsAwarded int    `json:"pointsAwarded"`
	// Rejected marks duplicate or out-of-window submissions refused by the server.
	Rejected     bool  `json:"rejected,omitempty"`
	ServerTimeMs int64 `json:"serverTime,omitempty"`
}

func (AnswerFeedback) Kind() EventType { return EventAnswerFeedback }

func (e AnswerFeedback) DedupeKey() string {
	return string(EventAnswerFeedback) + ":" + strconv.Itoa(e.QuestionIndex) + ":" + e.ParticipantID
}

func (e AnswerFeedback) Validate() error {
	if e.QuestionIndex < 0 {
		return fmt.Errorf("%s: negative question index", EventAnswerFeedback)
	}
	if e.ParticipantID == "" {
		return fmt.Errorf("%s: missing participant id", EventAnswerFeedback)
	}
	return nil
}

// LeaderboardSnapshot replaces the entire ranking list.
type LeaderboardSnapshot struct {
	Entries []domain.LeaderboardEntry `json:"entries"`
}

func (LeaderboardSnapshot) Kind() EventType { return EventLeaderboardSnapshot }

// Snapshot application is idempotent; replays are harmless.
func (LeaderboardSnapshot) DedupeKey() string { return "" }

func (e LeaderboardSnapshot) Validate() error {
	for _, entry := range e.Entries {
		if entry.ParticipantID == "" {
			return fmt.Errorf("%s: entry missing participant id", EventLeaderboardSnapshot)
		}
	}
	return nil
}

// LeaderboardDelta updates matching entries by participant id. Scores in a
// delta replace the participant's score; they never accumulate.
type LeaderboardDelta struct {
	Entries []domain.LeaderboardEntry `json:"entries"`
}

func (LeaderboardDelta) Kind() EventType { return EventLeaderboardDelta }

func (LeaderboardDelta) DedupeKey() string { return "" }

func (e LeaderboardDelta) Validate() error {
	for _, entry := range e.Entries {
		if entry.ParticipantID == "" {
			return fmt.Errorf("%s: entry missing participant id", EventLeaderboardDelta)
		}
	}
	return nil
}

// QuizEnded closes the session. Results are stored verbatim for the
// session-end summary; the engine never interprets them.
type QuizEnded struct {
	Results json.RawMessage `json:"results"`
}

func (QuizEnded) Kind() EventType { return EventQuizEnded }

func (QuizEnded) DedupeKey() string { return string(EventQuizEnded) }

func (QuizEnded) Validate() error { return nil }

// ParticipantJoined adds a participant to the roster.
type ParticipantJoined struct {
	Participant domain.Participant `json:"participant"`
}

func (ParticipantJoined) Kind() EventType { return EventParticipantJoined }

func (e ParticipantJoined) DedupeKey() string {
	return string(EventParticipantJoined) + ":" + e.Participant.ID
}

func (e ParticipantJoined) Validate() error {
	if e.Participant.ID == "" {
		return fmt.Errorf("%s: missing participant id", EventParticipantJoined)
	}
	return nil
}

// ParticipantLeft removes a participant from the roster.
type ParticipantLeft struct {
	ParticipantID string `json:"participantId"`
}

func (ParticipantLeft) Kind() EventType { return EventParticipantLeft }

func (e ParticipantLeft) DedupeKey() string {
	return string(EventParticipantLeft) + ":" + e.ParticipantID
}

func (e ParticipantLeft) Validate() error {
	if e.ParticipantID == "" {
		return fmt.Errorf("%s: missing participant id", EventParticipantLeft)
	}
	return nil
}

// SessionError reports a server-side failure. Fatal errors abort the session.
type SessionError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal"`
}

func (SessionError) Kind() EventType { return EventSessionError }

func (e SessionError) DedupeKey() string {
	return string(EventSessionError) + ":" + e.Code
}

func (e SessionError) Validate() error {
	if e.Code == "" {
		return fmt.Errorf("%s: missing error code", EventSessionError)
	}
	return nil
}

// Decode turns an envelope into a validated event. Unknown types and
// malformed payloads are protocol errors; the caller drops them.
func Decode(env Envelope) (Event, error) {
	var ev Event
	switch env.Type {
	case EventSessionHydrated:
		ev = decodeInto[SessionHydrated](env)
	case EventQuizStarted:
		ev = decodeInto[QuizStarted](env)
	case EventQuestionAdvanced:
		ev = decodeInto[QuestionAdvanced](env)
	case EventAnswerFeedback:
		ev = decodeInto[AnswerFeedback](env)
	case EventLeaderboardSnapshot:
		ev = decodeInto[LeaderboardSnapshot](env)
	case EventLeaderboardDelta:
		ev = decodeInto[LeaderboardDelta](env)
	case EventQuizEnded:
		ev = decodeInto[QuizEnded](env)
	case EventParticipantJoined:
		ev = decodeInto[ParticipantJoined](env)
	case EventParticipantLeft:
		ev = decodeInto[ParticipantLeft](env)
	case EventSessionError:
		ev = decodeInto[SessionError](env)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if ev == nil {
		return nil, fmt.Errorf("malformed %s payload", env.Type)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeInto[T Event](env Envelope) Event {
	var payload T
	if len(env.Payload) == 0 {
		// Some events (quiz-ended without results) legitimately carry no payload.
		return payload
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil
	}
	return payload
}

// SeqDedupeKey prefers the envelope sequence number over the event-derived
// key: a server that numbers deliveries gives us an exact replay identity.
func SeqDedupeKey(env Envelope, ev Event) string {
	if env.Seq > 0 {
		return string(env.Type) + "#" + strconv.FormatInt(env.Seq, 10)
	}
	return ev.DedupeKey()
}
