package comms

import (
	"context"
	"fmt"

	"github.com/morezero/webview-comms/pkg/envelope"
)

const hostLogPrefix = "comms:host"

// HostManager is the host half of one surface's channel. It is the passive handshake
// party: it listens before the surface content is loaded and acknowledges the client's
// ready signal with a fresh state version.
type HostManager struct {
	*endpoint

	gate           *protocolGate
	versions       VersionSource
	listening      bool
	completing     bool
	handshakeTimer *trackedTimer

	// ackVersion is the version allocated for a handshake-complete that has not reached
	// the channel yet; 0 when none is outstanding.
	ackVersion  int64
	ackAttempts int
	ackTimer    *trackedTimer
}

// NewHostManager creates the host side for ch. The channel must not be shared with any
// other manager.
func NewHostManager(ch Channel, opts Options) (*HostManager, error) {
	opts = opts.withDefaults()
	gate, err := newProtocolGate(opts.SupportedProtocol)
	if err != nil {
		return nil, err
	}
	versions := opts.Versions
	if versions == nil {
		versions = NewMemoryVersions()
	}
	h := &HostManager{
		endpoint: newEndpoint("host", ch, opts),
		gate:     gate,
		versions: versions,
	}
	h.control = h.handleControl
	if opts.Register != nil {
		opts.Register(h)
	}
	return h, nil
}

// Listen attaches the inbound listener and starts the handshake timer. Call it before
// the surface starts loading its bundle so no client-ready can be missed.
func (h *HostManager) Listen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usableLocked("listen"); err != nil {
		return err
	}
	if h.listening {
		return ErrAlreadyListening
	}
	unsubscribe, err := h.ch.Subscribe(h.handleInbound)
	if err != nil {
		return fmt.Errorf("%s - [%s] failed to subscribe: %w", hostLogPrefix, h.label, err)
	}
	h.listening = true
	h.unsubscribe = unsubscribe
	h.armHandshakeTimerLocked()
	h.tracef("listening, waiting up to %v for client-ready", h.opts.HandshakeTimeout)
	return nil
}

func (h *HostManager) armHandshakeTimerLocked() {
	h.stopTimerLocked(h.handshakeTimer)
	h.handshakeTimer = h.afterFuncLocked(h.opts.HandshakeTimeout, func() func() {
		h.handshakeTimer = nil
		return h.failLocked(&HandshakeTimeoutError{Side: h.side, Timeout: h.opts.HandshakeTimeout})
	})
}

// Listening reports whether Listen attached the inbound listener.
func (h *HostManager) Listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listening
}

// Initialize listens and blocks until the handshake completes. A non-nil error is fatal
// to the surface: a *HandshakeTimeoutError means the surface never came up and must be
// shown as failed or recreated. Never ignore it.
func (h *HostManager) Initialize(ctx context.Context) error {
	if err := h.Listen(); err != nil {
		return err
	}
	return h.WaitReady(ctx)
}

func (h *HostManager) handleControl(env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeClientReady:
		h.onClientReady(env)
	default:
		h.log.Warn(fmt.Sprintf("%s - [%s] ignoring unexpected %s from client", hostLogPrefix, h.label, env.Type))
	}
}

func (h *HostManager) onClientReady(env *envelope.Envelope) {
	h.mu.Lock()
	if h.disposed || h.failure != nil {
		h.mu.Unlock()
		h.log.Warn(fmt.Sprintf("%s - [%s] ignoring client-ready on a failed or disposed surface", hostLogPrefix, h.label))
		return
	}
	if h.state == Complete {
		// The client retries ready until it sees our ack; answer again without bumping the version.
		if ack, err := h.handshakeCompleteLocked(h.stateVersion); err == nil {
			h.transmitMessageLocked(ack, 0)
		}
		h.mu.Unlock()
		h.log.Warn(fmt.Sprintf("%s - [%s] duplicate client-ready after handshake, re-acknowledged", hostLogPrefix, h.label))
		return
	}
	if h.completing {
		h.mu.Unlock()
		h.log.Warn(fmt.Sprintf("%s - [%s] duplicate client-ready while completing handshake, ignored", hostLogPrefix, h.label))
		return
	}
	if h.ackVersion != 0 {
		// A version is already allocated; the earlier ack never reached the channel.
		h.stopTimerLocked(h.ackTimer)
		h.ackTimer = nil
		h.acknowledgeLocked()
		h.mu.Unlock()
		return
	}

	var ready envelope.ReadyPayload
	if err := env.DecodePayload(&ready); err != nil {
		h.log.Warn(fmt.Sprintf("%s - [%s] unreadable client-ready payload: %v", hostLogPrefix, h.label, err))
	}
	if err := h.gate.check(ready.ProtocolVersion); err != nil {
		h.rejectProtocolLocked(err)
		after := h.failLocked(err)
		h.mu.Unlock()
		if after != nil {
			after()
		}
		return
	}

	// The client-ready arrived in time. The version lookup gets its own bound instead of
	// racing the remainder of the handshake timeout.
	h.completing = true
	h.stopTimerLocked(h.handshakeTimer)
	h.handshakeTimer = nil
	lookupCtx, cancel := context.WithCancel(h.ctx)
	lookupTimer := h.afterFuncLocked(h.opts.HandshakeTimeout, func() func() { return cancel })
	h.mu.Unlock()

	version, err := h.versions.NextVersion(lookupCtx, h.opts.SurfaceID)
	cancel()

	h.mu.Lock()
	h.stopTimerLocked(lookupTimer)
	h.completing = false
	if h.disposed || h.failure != nil {
		h.mu.Unlock()
		return
	}
	if err != nil {
		after := h.failLocked(&HandshakeFailedError{Side: h.side, Err: err})
		h.mu.Unlock()
		if after != nil {
			after()
		}
		return
	}
	h.ackVersion = version
	h.ackAttempts = 0
	h.acknowledgeLocked()
	h.mu.Unlock()
}

// acknowledgeLocked posts handshake-complete for ackVersion and completes only once the
// post succeeded, so flushed traffic can never overtake the ack. A failed post is retried
// with backoff under a fresh handshake timeout; a retransmitted client-ready retries at once.
func (h *HostManager) acknowledgeLocked() {
	version := h.ackVersion
	ack, err := h.handshakeCompleteLocked(version)
	if err == nil {
		err = h.postLocked(ack)
	}
	if err == nil {
		h.stopTimerLocked(h.ackTimer)
		h.ackTimer = nil
		h.stopTimerLocked(h.handshakeTimer)
		h.handshakeTimer = nil
		h.ackVersion = 0
		h.completeLocked(version)
		return
	}

	delay := h.policy.Delay(h.ackAttempts)
	h.ackAttempts++
	if h.handshakeTimer == nil {
		h.armHandshakeTimerLocked()
	}
	h.log.Warn(fmt.Sprintf("%s - [%s] handshake-complete (stateVersion=%d) not sent, retrying in %v: %v",
		hostLogPrefix, h.label, version, delay, err))
	h.ackTimer = h.afterFuncLocked(delay, func() func() {
		h.ackTimer = nil
		if h.ackVersion == 0 || h.state == Complete {
			return nil
		}
		h.acknowledgeLocked()
		return nil
	})
}

func (h *HostManager) handshakeCompleteLocked(version int64) (*envelope.Envelope, error) {
	ack, err := envelope.New(envelope.TypeHandshakeComplete, envelope.KindMessage,
		envelope.HandshakeCompletePayload{StateVersion: version}, h.clock.Now())
	if err != nil {
		h.log.Error(fmt.Sprintf("%s - [%s] failed to build handshake-complete: %v", hostLogPrefix, h.label, err))
		return nil, err
	}
	return ack, nil
}

func (h *HostManager) rejectProtocolLocked(err error) {
	env, encErr := envelope.New(envelope.TypeProtocolError, envelope.KindMessage, envelope.ErrorDetail{
		Code:    envelope.CodeIncompatibleProtocol,
		Message: err.Error(),
	}, h.clock.Now())
	if encErr != nil {
		return
	}
	if postErr := h.postLocked(env); postErr != nil {
		h.log.Warn(fmt.Sprintf("%s - [%s] failed to notify client of protocol mismatch: %v", hostLogPrefix, h.label, postErr))
	}
}
