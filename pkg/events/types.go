// Package events defines surface lifecycle events and the publishers that announce them.
package events

// Surface lifecycle event kinds.
const (
	KindOpened            = "opened"
	KindHandshakeComplete = "handshake-complete"
	KindHandshakeFailed   = "handshake-failed"
	KindDisposed          = "disposed"
)

// SurfaceEvent is emitted when a surface channel changes lifecycle state.
type SurfaceEvent struct {
	SurfaceID    string `json:"surfaceId"`
	Kind         string `json:"kind"`
	Transport    string `json:"transport,omitempty"`
	StateVersion int64  `json:"stateVersion,omitempty"`
	Error        string `json:"error,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	Timestamp    string `json:"timestamp"`
}
