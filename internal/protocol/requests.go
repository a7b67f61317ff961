package protocol

import "encoding/json"

// RequestType discriminates outbound request/response calls.
type RequestType string

const (
	RequestJoin          RequestType = "join"
	RequestFetchSnapshot RequestType = "fetch-snapshot"
	RequestSubmitAnswer  RequestType = "submit-answer"
)

// Request is the wire frame for one-off calls. ID correlates the response.
type Request struct {
	ID      string          `json:"id"`
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Request with the same ID. On success, Payload holds a
// type-specific body; on failure, Error carries the server's reason.
type Response struct {
	ID           string          `json:"id"`
	OK           bool            `json:"ok"`
	Error        string          `json:"error,omitempty"`
	ServerTimeMs int64           `json:"serverTime,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// JoinRequest registers this client in a room. The response payload is a
// SessionHydrated body, the same shape used for snapshot fetches.
type JoinRequest struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
}

// SnapshotRequest asks for a full session re-baseline.
type SnapshotRequest struct {
	SessionID string `json:"sessionId"`
}

// SubmitAnswerRequest carries one answer. ElapsedMs is measured on the
// reconciled server clock so it is comparable across clients.
type SubmitAnswerRequest struct {
	SessionID      string `json:"sessionId"`
	QuestionIndex  int    `json:"questionIndex"`
	SelectedOption int    `json:"selectedOption"`
	ElapsedMs      int64  `json:"elapsedMs"`
}

// NewRequest builds a request frame, marshalling the payload.
func NewRequest(id string, typ RequestType, payload any) (Request, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Request{}, err
	}
	return Request{ID: id, Type: typ, Payload: raw}, nil
}
