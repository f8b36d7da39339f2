package comms

// HandshakeState is the handshake progress of one endpoint. Complete is terminal.
type HandshakeState int

const (
	// AwaitingClient is the host's initial state and the client's state before it signals readiness.
	AwaitingClient HandshakeState = iota
	// AwaitingConfirmation means the client sent client-ready and waits for the host's ack.
	AwaitingConfirmation
	// Complete means messages flow freely.
	Complete
)

// String returns the string representation of HandshakeState.
func (s HandshakeState) String() string {
	switch s {
	case AwaitingClient:
		return "AWAITING_CLIENT"
	case AwaitingConfirmation:
		return "AWAITING_CONFIRMATION"
	case Complete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}
