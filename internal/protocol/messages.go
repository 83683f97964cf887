// Package protocol defines the WebSocket message types for streaming diff
// progress. All messages are JSON-encoded and wrapped in an Envelope.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is negotiated on the WebSocket handshake.
const Subprotocol = "branchdiff-v1"

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → Gateway
	MsgDiffStart  MessageType = "diff.start"
	MsgDiffCancel MessageType = "diff.cancel"
	MsgPong       MessageType = "gateway.pong"

	// Gateway → Client
	MsgDiffAccepted MessageType = "diff.accepted"
	MsgJobState     MessageType = "job.state"
	MsgDiffResult   MessageType = "diff.result"
	MsgPing         MessageType = "gateway.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Client → Gateway payloads ---

// DiffStartPayload is sent with MsgDiffStart as the first message of a
// connection.
type DiffStartPayload struct {
	RepositoryOwner string `json:"repositoryOwner"`
	RepositoryName  string `json:"repositoryName"`
	RepositoryURL   string `json:"repositoryUrl,omitempty"`
	BaselineRef     string `json:"baselineRef,omitempty"`
	CandidateRef    string `json:"candidateRef"`
	AuthToken       string `json:"authToken,omitempty"`
}

// --- Gateway → Client payloads ---

// DiffAcceptedPayload confirms a diff.start was admitted.
type DiffAcceptedPayload struct {
	Repository   string `json:"repository"`
	CandidateRef string `json:"candidateRef"`
}

// JobStatePayload is sent with MsgJobState on every build job transition.
type JobStatePayload struct {
	Role          string `json:"role"`
	Ref           string `json:"ref"`
	State         string `json:"state"`
	PreviousState string `json:"previousState"`
	ErrorKind     string `json:"errorKind,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ErrorPayload is sent with MsgError. Code is one of bad_request,
// rate_limited, busy, unauthorized or internal.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
