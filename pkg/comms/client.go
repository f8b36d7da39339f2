package comms

import (
	"fmt"
	"time"

	"github.com/morezero/webview-comms/pkg/envelope"
)

const clientLogPrefix = "comms:client"

// ClientBridge is the surface half of the channel and the active handshake party.
// Construct it first thing when the surface starts: construction attaches the listener
// and sends client-ready with no gap in between.
type ClientBridge struct {
	*endpoint

	readyAttempts int
	readyInterval time.Duration
	readyTimer    *trackedTimer
}

// NewClientBridge attaches to ch, announces readiness and starts waiting for the host's
// acknowledgement. Use WaitReady (or Options.OnFailure) to learn the outcome.
func NewClientBridge(ch Channel, opts Options) (*ClientBridge, error) {
	opts = opts.withDefaults()
	c := &ClientBridge{
		endpoint:      newEndpoint("client", ch, opts),
		readyInterval: opts.HandshakeTimeout / time.Duration(opts.MaxReadyAttempts),
	}
	c.control = c.handleControl
	c.holdInbound = true
	if opts.Register != nil {
		opts.Register(c)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	unsubscribe, err := ch.Subscribe(c.handleInbound)
	if err != nil {
		return nil, fmt.Errorf("%s - [%s] failed to subscribe: %w", clientLogPrefix, c.label, err)
	}
	c.unsubscribe = unsubscribe
	c.sendReadyLocked()
	return c, nil
}

// sendReadyLocked transmits client-ready and arms the confirmation timer.
func (c *ClientBridge) sendReadyLocked() {
	c.readyAttempts++
	c.state = AwaitingConfirmation
	ready, err := envelope.New(envelope.TypeClientReady, envelope.KindMessage,
		envelope.ReadyPayload{ProtocolVersion: c.opts.ProtocolVersion}, c.clock.Now())
	if err == nil {
		err = c.postLocked(ready)
	}
	if err != nil {
		c.log.Warn(fmt.Sprintf("%s - [%s] client-ready attempt %d not sent: %v", clientLogPrefix, c.label, c.readyAttempts, err))
	}
	c.readyTimer = c.afterFuncLocked(c.readyInterval, c.readyExpiredLocked)
}

func (c *ClientBridge) readyExpiredLocked() func() {
	c.readyTimer = nil
	if c.state == Complete {
		return nil
	}
	if c.readyAttempts >= c.opts.MaxReadyAttempts {
		return c.failLocked(&HandshakeTimeoutError{
			Side:     c.side,
			Timeout:  c.opts.HandshakeTimeout,
			Attempts: c.readyAttempts,
		})
	}
	c.log.Warn(fmt.Sprintf("%s - [%s] no handshake-complete after %v, resending client-ready (attempt %d/%d)",
		clientLogPrefix, c.label, c.readyInterval, c.readyAttempts+1, c.opts.MaxReadyAttempts))
	c.sendReadyLocked()
	return nil
}

func (c *ClientBridge) handleControl(env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeHandshakeComplete:
		c.onHandshakeComplete(env)
	case envelope.TypeProtocolError:
		c.onProtocolError(env)
	default:
		c.log.Warn(fmt.Sprintf("%s - [%s] ignoring unexpected %s from host", clientLogPrefix, c.label, env.Type))
	}
}

func (c *ClientBridge) onHandshakeComplete(env *envelope.Envelope) {
	var ack envelope.HandshakeCompletePayload
	if err := env.DecodePayload(&ack); err != nil {
		c.log.Warn(fmt.Sprintf("%s - [%s] dropping unreadable handshake-complete: %v", clientLogPrefix, c.label, err))
		return
	}

	c.mu.Lock()
	if c.disposed || c.failure != nil {
		c.mu.Unlock()
		return
	}
	if c.state == Complete {
		c.mu.Unlock()
		if ack.StateVersion != c.StateVersion() {
			c.log.Warn(fmt.Sprintf("%s - [%s] duplicate handshake-complete with stateVersion=%d, ignored",
				clientLogPrefix, c.label, ack.StateVersion))
		} else {
			c.tracef("duplicate handshake-complete ignored")
		}
		return
	}
	c.stopTimerLocked(c.readyTimer)
	c.readyTimer = nil
	c.completeLocked(ack.StateVersion)
	held := c.takeHeldLocked()
	c.mu.Unlock()

	for _, env := range held {
		c.deliver(env)
	}
}

func (c *ClientBridge) onProtocolError(env *envelope.Envelope) {
	var detail envelope.ErrorDetail
	_ = env.DecodePayload(&detail)

	c.mu.Lock()
	if c.state == Complete {
		c.mu.Unlock()
		c.log.Warn(fmt.Sprintf("%s - [%s] protocol error from host after handshake: %s", clientLogPrefix, c.label, detail.Message))
		return
	}
	after := c.failLocked(&IncompatibleProtocolError{
		Client: c.opts.ProtocolVersion,
		Reason: detail.Message,
	})
	c.mu.Unlock()
	if after != nil {
		after()
	}
}

// ReadyAttempts returns how many client-ready signals were sent.
func (c *ClientBridge) ReadyAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyAttempts
}
