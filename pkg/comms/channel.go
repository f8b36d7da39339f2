// Package comms implements the host and surface halves of the webview handshake and
// the reliable typed messaging layered on top of it.
//
// The surface (client) is the active party: as soon as its bundle runs it attaches a
// listener and announces client-ready. The host is passive: it listens before the
// surface content is loaded and answers with handshake-complete carrying a state
// version. Until then both sides queue outbound messages, and flush them in FIFO
// order the moment the handshake completes.
package comms

// Channel is the raw surface channel: at-most-once, unacknowledged, no ordering
// guarantee across distinct channels. A message posted while the receiving side has
// no listener is lost.
//
// Implementations must not invoke the listener synchronously from PostMessage.
type Channel interface {
	PostMessage(data []byte) error
	Subscribe(fn func(data []byte)) (unsubscribe func(), err error)
}
