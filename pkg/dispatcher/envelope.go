// Package dispatcher routes surface control requests (NATS or HTTP) to the surface registry.
package dispatcher

import "encoding/json"

// ControlRequest is the JSON envelope of a control request.
type ControlRequest struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	SurfaceID string          `json:"surfaceId,omitempty"`
	Type      string          `json:"type,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// ControlResponse is the JSON envelope of a control response.
type ControlResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// OpenResult tells the caller where the client side of a NATS surface lives.
type OpenResult struct {
	SurfaceID string `json:"surfaceId"`
	Transport string `json:"transport"`
	ToHost    string `json:"toHost"`
	ToClient  string `json:"toClient"`
}

// SendResult acknowledges a send. Queued means the handshake has not completed yet.
type SendResult struct {
	Queued bool `json:"queued"`
}
