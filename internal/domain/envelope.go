package domain

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// EnvelopeKind is the classified variant of an envelope frame.
type EnvelopeKind string

const (
	KindRequest  EnvelopeKind = "request"
	KindResponse EnvelopeKind = "response"
	KindStream   EnvelopeKind = "stream"
	KindEvent    EnvelopeKind = "event"
)

// Metadata carries the variant-specific fields of an envelope.
type Metadata struct {
	// Request fields.
	TimeoutMS    int64 `json:"timeout,omitempty"`
	RequiresAuth bool  `json:"requiresAuth,omitempty"`

	// Response fields. RequestID is never empty on a response.
	RequestID string `json:"requestId,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`

	// Event fields.
	Broadcast bool `json:"broadcast,omitempty"`
}

// Envelope is the generic message shape exchanged between clients and
// backends. One struct carries all four variants; Classify tells them
// apart by field presence so a single JSON frame always maps to exactly
// one kind.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  *Metadata       `json:"metadata,omitempty"`

	// Stream fields. A stream message is an ordered, possibly multi-part
	// reply to one request; Sequence is strictly increasing per RequestID
	// and Final is true exactly once.
	RequestID string `json:"requestId,omitempty"`
	Sequence  *int64 `json:"sequence,omitempty"`
	Final     bool   `json:"final,omitempty"`
}

// NewID returns a fresh globally-unique correlation token.
func NewID() string {
	return ulid.Make().String()
}

// Classify determines which of the four envelope variants a frame is.
// Classification is structural: the combination of present fields decides,
// and exactly one kind matches any well-formed frame.
func (e *Envelope) Classify() (EnvelopeKind, error) {
	if e.ID == "" || e.Type == "" {
		return "", NewDomainError("Envelope.Classify", ErrMalformedMessage, "missing id or type")
	}

	// Stream: top-level sequence plus requestId.
	if e.Sequence != nil || e.RequestID != "" {
		if e.Sequence == nil || e.RequestID == "" {
			return "", NewDomainError("Envelope.Classify", ErrMalformedMessage, "partial stream fields")
		}
		return KindStream, nil
	}

	// Response: non-empty metadata.requestId.
	if e.Metadata != nil && e.Metadata.RequestID != "" {
		return KindResponse, nil
	}

	// Request: metadata carries a timeout (or an auth requirement).
	if e.Metadata != nil && (e.Metadata.TimeoutMS > 0 || e.Metadata.RequiresAuth) {
		return KindRequest, nil
	}

	return KindEvent, nil
}

// ClassifyRaw parses raw JSON and classifies it in one step.
// Frames that do not parse as an envelope are malformed.
func ClassifyRaw(raw json.RawMessage) (*Envelope, EnvelopeKind, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", NewDomainError("Envelope.ClassifyRaw", ErrMalformedMessage, err.Error())
	}
	kind, err := env.Classify()
	if err != nil {
		return nil, "", err
	}
	return &env, kind, nil
}

// NewRequest builds a request envelope with a fresh correlation id.
func NewRequest(msgType string, payload json.RawMessage, timeout time.Duration) *Envelope {
	return &Envelope{
		ID:        NewID(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Metadata:  &Metadata{TimeoutMS: timeout.Milliseconds()},
	}
}

// NewResponse builds the response answering req.
func NewResponse(req *Envelope, payload json.RawMessage, err error) *Envelope {
	success := err == nil
	md := &Metadata{RequestID: req.ID, Success: &success}
	if err != nil {
		md.Error = err.Error()
	}
	return &Envelope{
		ID:        NewID(),
		Type:      req.Type,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Metadata:  md,
	}
}

// NewStreamMessage builds one part of a streamed reply to requestID.
func NewStreamMessage(msgType, requestID string, seq int64, final bool, payload json.RawMessage) *Envelope {
	return &Envelope{
		ID:        NewID(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Sequence:  &seq,
		Final:     final,
	}
}

// NewEvent builds an unsolicited event envelope.
func NewEvent(msgType string, payload json.RawMessage, broadcast bool) *Envelope {
	env := &Envelope{
		ID:        NewID(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if broadcast {
		env.Metadata = &Metadata{Broadcast: true}
	}
	return env
}
