package comms

import (
	"log/slog"
	"time"

	"github.com/morezero/webview-comms/pkg/clock"
	"github.com/morezero/webview-comms/pkg/queue"
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultMaxSendRetries    = 3
	defaultRetryBackoff      = 200 * time.Millisecond
	defaultMaxReadyAttempts  = 4
	defaultSupportedProtocol = "^1.0.0"

	// ProtocolVersion is the handshake protocol version spoken by this package.
	ProtocolVersion = "1.0.0"
)

// Options configures a HostManager or ClientBridge. Start from DefaultOptions: a zero
// MaxSendRetries means no retries, not the default.
type Options struct {
	// HandshakeTimeout bounds the wait for the counterpart handshake signal.
	HandshakeTimeout time.Duration
	// MaxSendRetries is the number of retransmissions of an unanswered request, and the
	// number of retries of a post that failed outright.
	MaxSendRetries int
	// RetryBackoff is the base backoff, doubled on each retry.
	RetryBackoff time.Duration
	// RequestTimeout is added to every per-attempt backoff wait.
	RequestTimeout time.Duration
	// RetryJitter adds up to RetryJitter*backoff of random extra wait (0..1).
	RetryJitter float64
	// EnableLogging turns on per-message protocol tracing.
	EnableLogging bool
	// QueueWarnThreshold is the outbound queue length that triggers a warning.
	QueueWarnThreshold int
	// MaxReadyAttempts is how many client-ready signals a client sends before giving up.
	MaxReadyAttempts int
	// ProtocolVersion is announced by the client in client-ready.
	ProtocolVersion string
	// SupportedProtocol is the semver constraint the host accepts.
	SupportedProtocol string
	// SurfaceID labels logs and keys the host's VersionSource.
	SurfaceID string
	// Versions supplies host state versions. Nil uses a private in-memory counter.
	Versions VersionSource
	// Clock drives every timer. Nil uses wall time.
	Clock clock.Clock
	// Logger receives all log output. Nil uses slog.Default().
	Logger *slog.Logger
	// OnFailure is called once, outside any lock, when the handshake fails fatally.
	OnFailure func(error)
	// Register runs during construction, before the listener is attached, so handlers
	// exist before the first inbound message can arrive.
	Register func(r Registrar)
}

// Registrar is the consumer-facing surface available to Options.Register.
type Registrar interface {
	OnMessage(msgType string, h MessageHandler) func()
	OnRequest(msgType string, h RequestHandler) func()
	Send(msgType string, payload interface{}) error
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout:   defaultHandshakeTimeout,
		MaxSendRetries:     defaultMaxSendRetries,
		RetryBackoff:       defaultRetryBackoff,
		QueueWarnThreshold: queue.DefaultWarnThreshold,
		MaxReadyAttempts:   defaultMaxReadyAttempts,
		ProtocolVersion:    ProtocolVersion,
		SupportedProtocol:  defaultSupportedProtocol,
	}
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.MaxSendRetries < 0 {
		o.MaxSendRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.RequestTimeout < 0 {
		o.RequestTimeout = 0
	}
	if o.RetryJitter < 0 {
		o.RetryJitter = 0
	}
	if o.RetryJitter > 1 {
		o.RetryJitter = 1
	}
	if o.QueueWarnThreshold <= 0 {
		o.QueueWarnThreshold = queue.DefaultWarnThreshold
	}
	if o.MaxReadyAttempts <= 0 {
		o.MaxReadyAttempts = defaultMaxReadyAttempts
	}
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = ProtocolVersion
	}
	if o.SupportedProtocol == "" {
		o.SupportedProtocol = defaultSupportedProtocol
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
