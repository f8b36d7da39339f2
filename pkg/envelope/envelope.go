// Package envelope defines the wire format shared by the host and client sides of a surface channel.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const logPrefix = "envelope:envelope"

// Reserved protocol message types. They must match exactly on both sides of a channel.
const (
	TypeClientReady       = "client-ready"
	TypeHandshakeComplete = "handshake-complete"
	TypeProtocolError     = "protocol-error"
)

// Kind distinguishes fire-and-forget messages from the two halves of a request.
type Kind string

const (
	KindMessage  Kind = "message"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// ErrMalformed is returned for inbound data that is not a usable envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the unit of transport on a surface channel.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Kind      Kind            `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ReadyPayload is the optional payload of a client-ready envelope.
type ReadyPayload struct {
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

// HandshakeCompletePayload is the payload of a handshake-complete envelope.
type HandshakeCompletePayload struct {
	StateVersion int64 `json:"stateVersion"`
}

// ErrorDetail is the payload of a protocol-error envelope.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Error codes carried in ErrorDetail.
const (
	CodeMethodNotFound       = "METHOD_NOT_FOUND"
	CodeHandlerFailed        = "HANDLER_FAILED"
	CodeIncompatibleProtocol = "INCOMPATIBLE_PROTOCOL"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
)

// IsReserved reports whether t is one of the protocol-owned message types.
func IsReserved(t string) bool {
	switch t {
	case TypeClientReady, TypeHandshakeComplete, TypeProtocolError:
		return true
	default:
		return false
	}
}

// New builds an envelope with a fresh correlation id. A nil payload is sent without a payload field.
func New(msgType string, kind Kind, payload interface{}, now time.Time) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Kind:      kind,
		Timestamp: now.UnixMilli(),
	}
	if payload != nil {
		raw, err := marshalPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to encode payload for %s: %w", logPrefix, msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// NewResponse builds the response to req. The response keeps the request id and type.
func NewResponse(req *Envelope, payload interface{}, now time.Time) (*Envelope, error) {
	env, err := New(req.Type, KindResponse, payload, now)
	if err != nil {
		return nil, err
	}
	env.ID = req.ID
	return env, nil
}

// NewErrorResponse builds a protocol-error response correlated with req.
func NewErrorResponse(req *Envelope, detail ErrorDetail, now time.Time) *Envelope {
	raw, _ := json.Marshal(detail)
	return &Envelope{
		ID:        req.ID,
		Type:      TypeProtocolError,
		Kind:      KindResponse,
		Payload:   raw,
		Timestamp: now.UnixMilli(),
	}
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	switch e.Kind {
	case "", KindMessage, KindRequest, KindResponse:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	return nil
}

// IsResponse reports whether the envelope answers a request.
func (e *Envelope) IsResponse() bool {
	return e.Kind == KindResponse
}

// IsRequest reports whether the sender awaits a correlated response.
func (e *Envelope) IsRequest() bool {
	return e.Kind == KindRequest
}

// Encode serializes the envelope to JSON bytes.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode envelope %s: %w", logPrefix, e.ID, err)
	}
	return data, nil
}

// Decode parses and validates an inbound envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v. An empty payload leaves v untouched.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// marshalPayload encodes payload once, up front, so a bad payload is reported to the
// caller instead of failing every later post of the envelope.
func marshalPayload(payload interface{}) (json.RawMessage, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return json.Marshal(payload)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformed)
	}
	return raw, nil
}
