// Package natschan carries a surface channel over a pair of COMMS subjects, one per
// direction. Core COMMS delivery is at-most-once with no replay, which matches the
// postMessage semantics the handshake is built for: a message published before the
// peer subscribed is gone.
package natschan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/morezero/webview-comms/pkg/commsutil"
)

const logPrefix = "natschan:port"

var (
	// ErrAlreadySubscribed is returned when a second listener is attached to a port.
	ErrAlreadySubscribed = errors.New("natschan: port already has a listener")
	// ErrClosed is returned by a port whose connection is closed.
	ErrClosed = errors.New("natschan: connection closed")
)

// Port is one side of a surface channel. It implements comms.Channel.
type Port struct {
	nc         *nats.Conn
	pubSubject string
	subSubject string

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewHostPort returns the host side of surfaceID: it publishes to-client and listens to-host.
func NewHostPort(nc *nats.Conn, prefix, surfaceID string) *Port {
	return &Port{
		nc:         nc,
		pubSubject: commsutil.BuildToClientSubject(prefix, surfaceID),
		subSubject: commsutil.BuildToHostSubject(prefix, surfaceID),
	}
}

// NewClientPort returns the surface side of surfaceID.
func NewClientPort(nc *nats.Conn, prefix, surfaceID string) *Port {
	return &Port{
		nc:         nc,
		pubSubject: commsutil.BuildToHostSubject(prefix, surfaceID),
		subSubject: commsutil.BuildToClientSubject(prefix, surfaceID),
	}
}

// PublishSubject returns the subject this port posts on.
func (p *Port) PublishSubject() string { return p.pubSubject }

// ListenSubject returns the subject this port listens on.
func (p *Port) ListenSubject() string { return p.subSubject }

// PostMessage publishes data to the peer. It returns once the message is buffered.
func (p *Port) PostMessage(data []byte) error {
	if p.nc.IsClosed() {
		return ErrClosed
	}
	if err := p.nc.Publish(p.pubSubject, data); err != nil {
		return fmt.Errorf("%s - failed to publish on %s: %w", logPrefix, p.pubSubject, err)
	}
	return nil
}

// Subscribe attaches the single listener. The subscription is flushed to the server
// before Subscribe returns, so a peer publishing afterwards is heard. Messages are
// delivered one at a time on the subscription's goroutine.
func (p *Port) Subscribe(fn func(data []byte)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		return nil, ErrAlreadySubscribed
	}
	sub, err := p.nc.Subscribe(p.subSubject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, p.subSubject, err)
	}
	if err := p.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%s - failed to flush subscription to %s: %w", logPrefix, p.subSubject, err)
	}
	p.sub = sub

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.sub != sub {
			return
		}
		p.sub = nil
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			slog.Warn(fmt.Sprintf("%s - failed to unsubscribe from %s: %v", logPrefix, p.subSubject, err))
		}
	}, nil
}

// Listening reports whether a listener is attached.
func (p *Port) Listening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sub != nil
}
