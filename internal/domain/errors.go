package domain

import "errors"

var (
	// ErrNotActive is returned when a submission arrives outside an active question window.
	ErrNotActive = errors.New("session has no active question")
	// ErrAlreadyAnswered rejects a second submission for the same question index locally.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrInvalidOption rejects a selected option outside the question's option range.
	ErrInvalidOption = errors.New("selected option out of range")
	// ErrSessionOver is returned once the session reached Completed or Aborted.
	ErrSessionOver = errors.New("session is over")
	// ErrSnapshotNotFound indicates no cached snapshot exists for a room.
	ErrSnapshotNotFound = errors.New("session snapshot not found")
	// ErrConnectionLost signals that reconnect attempts were exhausted.
	ErrConnectionLost = errors.New("connection lost")
	// ErrCallTimeout indicates a request/response call got no answer in time.
	ErrCallTimeout = errors.New("request timed out")
)
