package engine

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"quizito-client/internal/domain"
	"quizito-client/internal/protocol"
)

// Phase is the engine's position in the session lifecycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseJoining   Phase = "joining"
	PhaseWaiting   Phase = "waiting"
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
	PhaseAborted   Phase = "aborted"
)

// Terminal reports whether no further events are accepted in this phase.
func (p Phase) Terminal() bool { return p == PhaseAborted }

// QuestionStart instructs the engine to arm the question timer.
type QuestionStart struct {
	Index         int
	ServerStartMs int64
	DurationSec   int
	Approximate   bool
}

// Outcome reports what applying an event did. Events that fail their
// precondition are dropped, never raise, and never corrupt state.
type Outcome struct {
	Applied bool
	Reason  string
	// Resync asks the supervisor for a full snapshot because the event
	// revealed an unrecoverable gap (non-successor question index).
	Resync        bool
	StartQuestion *QuestionStart
	StopTimer     bool
	Fatal         bool
}

func dropped(reason string) Outcome { return Outcome{Reason: reason} }

func applied() Outcome { return Outcome{Applied: true} }

// Machine holds canonical session, roster, and cursor state. Every mutation
// flows through an apply method under the engine's single-writer lock, so
// the same event sequence always yields the same state.
type Machine struct {
	log zerolog.Logger

	phase        Phase
	session      domain.Session
	you          string
	participants map[string]domain.Participant
	cursor       domain.QuestionCursor
	results      json.RawMessage
	lastErr      *protocol.SessionError
}

func NewMachine(log zerolog.Logger) *Machine {
	return &Machine{
		log:          log,
		phase:        PhaseIdle,
		participants: make(map[string]domain.Participant),
	}
}

// BeginJoin marks the join request in flight. Only valid from Idle.
func (m *Machine) BeginJoin() Outcome {
	if m.phase != PhaseIdle {
		return dropped("join only valid from idle")
	}
	m.phase = PhaseJoining
	return applied()
}

// Hydrate re-baselines all machine state from a snapshot payload. This is
// the canonical path at join and after reconnect; it deliberately bypasses
// the strict-successor rule so the cursor can jump to wherever the server
// says the session is.
func (m *Machine) Hydrate(ev protocol.SessionHydrated) Outcome {
	if m.phase.Terminal() {
		return dropped("session aborted")
	}

	m.session = ev.Session
	m.you = ev.You
	m.participants = make(map[string]domain.Participant, len(ev.Participants))
	for _, p := range ev.Participants {
		m.participants[p.ID] = p
	}
	m.results = nil
	m.lastErr = nil

	out := applied()
	out.StopTimer = true

	switch ev.Session.Status {
	case domain.SessionWaiting:
		m.phase = PhaseWaiting
		m.cursor = domain.QuestionCursor{TotalQuestions: totalQuestions(ev)}
	case domain.SessionActive:
		if ev.CurrentIndex == nil {
			m.phase = PhaseWaiting
			m.cursor = domain.QuestionCursor{TotalQuestions: totalQuestions(ev)}
			m.log.Warn().Str("session", ev.Session.ID).Msg("active hydration without current index, treating as waiting")
			break
		}
		m.phase = PhaseActive
		start := m.openQuestion(*ev.CurrentIndex, ev.StartTimestampMs, ev.DurationSec, ev.OptionCount, totalQuestions(ev))
		out.StartQuestion = &start
	case domain.SessionCompleted:
		m.phase = PhaseCompleted
	case domain.SessionAborted:
		m.phase = PhaseAborted
		out.Fatal = true
	}
	m.log.Info().
		Str("session", ev.Session.ID).
		Str("phase", string(m.phase)).
		Int("participants", len(m.participants)).
		Msg("session hydrated")
	return out
}

// ApplyQuizStarted opens question 0 from the waiting room.
func (m *Machine) ApplyQuizStarted(ev protocol.QuizStarted) Outcome {
	if m.phase != PhaseWaiting {
		return dropped("quiz-started outside waiting")
	}
	if !m.session.Status.CanTransition(domain.SessionActive) {
		return dropped("session lifecycle forbids activation")
	}
	m.session.Status = domain.SessionActive
	m.phase = PhaseActive
	total := ev.TotalQuestions
	if total == 0 {
		total = m.session.Settings.QuestionCount
	}
	start := m.openQuestion(0, ev.StartTimestampMs, ev.DurationSec, ev.OptionCount, total)
	out := applied()
	out.StartQuestion = &start
	return out
}

// ApplyQuestionAdvanced moves the cursor to the strict successor index. A
// duplicate or stale index is dropped; a gap forces a full resync instead
// of a partial update.
func (m *Machine) ApplyQuestionAdvanced(ev protocol.QuestionAdvanced) Outcome {
	if m.phase != PhaseActive {
		return dropped("question-advanced outside active")
	}
	switch {
	case ev.Index <= m.cursor.Index:
		return dropped("stale question index")
	case ev.Index != m.cursor.Index+1:
		out := dropped("non-successor question index")
		out.Resync = true
		m.log.Warn().
			Int("current", m.cursor.Index).
			Int("reported", ev.Index).
			Msg("question index gap, requesting snapshot")
		return out
	}
	if m.cursor.TotalQuestions > 0 && ev.Index >= m.cursor.TotalQuestions {
		out := dropped("index beyond question count")
		out.Resync = true
		return out
	}
	start := m.openQuestion(ev.Index, ev.StartTimestampMs, ev.DurationSec, ev.OptionCount, m.cursor.TotalQuestions)
	out := applied()
	out.StartQuestion = &start
	return out
}

// ApplyQuizEnded closes the session, storing the results payload verbatim.
func (m *Machine) ApplyQuizEnded(ev protocol.QuizEnded) Outcome {
	if m.phase != PhaseActive {
		return dropped("quiz-ended outside active")
	}
	if !m.session.Status.CanTransition(domain.SessionCompleted) {
		return dropped("session lifecycle forbids completion")
	}
	m.session.Status = domain.SessionCompleted
	m.phase = PhaseCompleted
	m.results = ev.Results
	out := applied()
	out.StopTimer = true
	return out
}

// ApplyParticipantJoined adds or refreshes a roster entry.
func (m *Machine) ApplyParticipantJoined(ev protocol.ParticipantJoined) Outcome {
	if m.phase.Terminal() || m.phase == PhaseIdle {
		return dropped("roster update outside session")
	}
	m.participants[ev.Participant.ID] = ev.Participant
	return applied()
}

// ApplyParticipantLeft removes a roster entry.
func (m *Machine) ApplyParticipantLeft(ev protocol.ParticipantLeft) Outcome {
	if m.phase.Terminal() || m.phase == PhaseIdle {
		return dropped("roster update outside session")
	}
	if _, ok := m.participants[ev.ParticipantID]; !ok {
		return dropped("unknown participant")
	}
	delete(m.participants, ev.ParticipantID)
	return applied()
}

// ApplySessionError records a server failure. Fatal errors are terminal:
// the session aborts and all timers and submissions stop.
func (m *Machine) ApplySessionError(ev protocol.SessionError) Outcome {
	if m.phase.Terminal() {
		return dropped("session aborted")
	}
	m.lastErr = &ev
	if !ev.Fatal {
		m.log.Warn().Str("code", ev.Code).Str("message", ev.Message).Msg("non-fatal session error")
		return applied()
	}
	m.session.Status = domain.SessionAborted
	m.phase = PhaseAborted
	out := applied()
	out.StopTimer = true
	out.Fatal = true
	m.log.Error().Str("code", ev.Code).Str("message", ev.Message).Msg("session aborted by server")
	return out
}

// openQuestion installs a new cursor position. Missing or invalid server
// timing falls back to a locally anchored window flagged as approximate.
func (m *Machine) openQuestion(index int, serverStartMs int64, durationSec, optionCount, total int) QuestionStart {
	approximate := false
	if durationSec <= 0 {
		durationSec = m.session.Settings.QuestionDurationSec
		approximate = true
	}
	if durationSec <= 0 {
		durationSec = 30
	}
	if serverStartMs <= 0 {
		approximate = true
	}
	m.cursor = domain.QuestionCursor{
		Index:            index,
		TotalQuestions:   total,
		ServerStartMs:    serverStartMs,
		DurationSec:      durationSec,
		OptionCount:      optionCount,
		ApproximateBasis: approximate,
	}
	if approximate {
		m.log.Warn().Int("index", index).Msg("question time basis approximate")
	}
	return QuestionStart{Index: index, ServerStartMs: serverStartMs, DurationSec: durationSec, Approximate: approximate}
}

func totalQuestions(ev protocol.SessionHydrated) int {
	if ev.TotalQuestions > 0 {
		return ev.TotalQuestions
	}
	return ev.Session.Settings.QuestionCount
}

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase { return m.phase }

// Session returns a copy of the session record.
func (m *Machine) Session() domain.Session { return m.session }

// You returns this client's participant id as assigned at hydration.
func (m *Machine) You() string { return m.you }

// Cursor returns a copy of the question cursor.
func (m *Machine) Cursor() domain.QuestionCursor { return m.cursor }

// Results returns the verbatim final results payload, nil until Completed.
func (m *Machine) Results() json.RawMessage { return m.results }

// LastError returns a copy of the most recent session error, if any.
func (m *Machine) LastError() *protocol.SessionError {
	if m.lastErr == nil {
		return nil
	}
	copied := *m.lastErr
	return &copied
}

// Roster returns the participants keyed by id.
func (m *Machine) Roster() map[string]domain.Participant {
	out := make(map[string]domain.Participant, len(m.participants))
	for id, p := range m.participants {
		out[id] = p
	}
	return out
}

// setConnection stamps the link state on our own roster entry.
func (m *Machine) setConnection(state domain.ConnectionState) {
	if m.you == "" {
		return
	}
	if p, ok := m.participants[m.you]; ok {
		p.Connection = state
		m.participants[m.you] = p
	}
}
