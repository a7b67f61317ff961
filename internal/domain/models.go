package domain

import "time"

// SessionStatus is the lifecycle phase of a hosted quiz session.
// Transitions are monotonic: Waiting -> Active -> Completed, with Aborted
// reachable from any state. No backward transition is ever applied.
type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// CanTransition reports whether moving from s to next respects the
// monotonic lifecycle.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if next == SessionAborted {
		return s != SessionCompleted && s != SessionAborted
	}
	switch s {
	case SessionWaiting:
		return next == SessionActive
	case SessionActive:
		return next == SessionCompleted
	default:
		return false
	}
}

// SessionSettings carries the host-chosen parameters for a session.
type SessionSettings struct {
	QuestionCount       int `json:"questionCount"`
	QuestionDurationSec int `json:"questionDurationSec"`
}

// Session represents one hosted quiz instance identified by a room code.
type Session struct {
	ID        string          `json:"id"`
	HostID    string          `json:"hostId"`
	Status    SessionStatus   `json:"status"`
	Settings  SessionSettings `json:"settings"`
	CreatedAt time.Time       `json:"createdAt"`
}

// QuestionCursor is the session's authoritative pointer into its question
// sequence. It is mutated only by server events, never by local timeouts.
type QuestionCursor struct {
	Index          int   `json:"index"`
	TotalQuestions int   `json:"totalQuestions"`
	// ServerStartMs is the server-clock timestamp at which the active
	// question opened, in Unix milliseconds.
	ServerStartMs int64 `json:"serverStartMs"`
	DurationSec   int   `json:"durationSec"`
	OptionCount   int   `json:"optionCount"`
	// ApproximateBasis marks questions whose deadline had to be derived
	// from local receipt time because the server timing fields were
	// missing or invalid.
	ApproximateBasis bool `json:"approximateBasis,omitempty"`
}

// DeadlineMs returns the server-clock deadline for the active question.
func (c QuestionCursor) DeadlineMs() int64 {
	return c.ServerStartMs + int64(c.DurationSec)*1000
}

// AnswerStatus tracks an answer record through its lifecycle.
type AnswerStatus string

const (
	AnswerPending   AnswerStatus = "pending"
	AnswerConfirmed AnswerStatus = "confirmed"
	AnswerRejected  AnswerStatus = "rejected"
	AnswerTimedOut  AnswerStatus = "timedOut"
)

// NoSelection is the sentinel option index meaning "no answer", used when
// the question window expires without a selection.
const NoSelection = -1

// AnswerRecord is the single record a participant holds per question index.
type AnswerRecord struct {
	QuestionIndex    int          `json:"questionIndex"`
	SelectedOption   int          `json:"selectedOption"`
	SubmittedAtLocal int64        `json:"submittedAtLocal"`
	// SubmittedAtServer stays zero until the server confirms the answer.
	SubmittedAtServer int64       `json:"submittedAtServer,omitempty"`
	Status            AnswerStatus `json:"status"`
	Correct           bool         `json:"correct"`
	PointsAwarded     int          `json:"pointsAwarded"`
	ElapsedMs         int64        `json:"elapsedMs"`
}

// ConnectionState is the supervisor-owned link state for a participant.
type ConnectionState string

const (
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnDisconnected ConnectionState = "disconnected"
)

// Participant is a member of the session roster.
type Participant struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	Connection  ConnectionState `json:"connection,omitempty"`
}

// LeaderboardEntry is one row of the ranked scoreboard. Entries are derived
// data: only reconciliation mutates them.
type LeaderboardEntry struct {
	ParticipantID string  `json:"participantId"`
	DisplayName   string  `json:"displayName,omitempty"`
	Score         int     `json:"score"`
	Rank          int     `json:"rank"`
	Streak        int     `json:"streak"`
	Accuracy      float64 `json:"accuracy"`
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}
