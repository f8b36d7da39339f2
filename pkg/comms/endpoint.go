package comms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/webview-comms/pkg/clock"
	"github.com/morezero/webview-comms/pkg/envelope"
	"github.com/morezero/webview-comms/pkg/queue"
	"github.com/morezero/webview-comms/pkg/retry"
)

const (
	logPrefix = "comms:endpoint"

	settledMemory  = 1024
	responseMemory = 512
)

// outbound is a queued transmission; pending is set for requests.
type outbound struct {
	env     *envelope.Envelope
	pending *pendingRequest
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest tracks one in-flight request until it settles exactly once.
type pendingRequest struct {
	env     *envelope.Envelope
	result  chan requestResult
	tracker *retry.Tracker
	timer   *trackedTimer
	done    bool
}

func (p *pendingRequest) finish(payload json.RawMessage, err error) {
	p.result <- requestResult{payload: payload, err: err}
}

// cachedResponse remembers the answer to a request so retransmissions are not re-executed.
// env is nil while the handler is still running.
type cachedResponse struct {
	env *envelope.Envelope
}

type trackedTimer struct {
	t clock.Timer
}

// endpoint is the state shared by HostManager and ClientBridge. Every field below mu is
// only touched with mu held; channel posts also happen under mu so queued messages and
// later sends reach the wire in call order.
type endpoint struct {
	side    string
	label   string
	ch      Channel
	opts    Options
	clock   clock.Clock
	log     *slog.Logger
	policy  retry.Policy
	handler *handlerTable
	ctx     context.Context
	cancel  context.CancelFunc

	// control handles reserved protocol types. It is called without mu held.
	control func(env *envelope.Envelope)
	// holdInbound parks business traffic that arrives before Complete in held.
	holdInbound bool

	mu           sync.Mutex
	state        HandshakeState
	stateVersion int64
	disposed     bool
	failure      error
	unsubscribe  func()
	queue        *queue.Queue[*outbound]
	pending      map[string]*pendingRequest
	settled      *idRing
	responses    map[string]*cachedResponse
	responseIDs  *idRing
	timers       map[*trackedTimer]struct{}
	ready        chan struct{}
	readyClosed  bool
	held         []*envelope.Envelope
}

func newEndpoint(side string, ch Channel, opts Options) *endpoint {
	label := side
	if opts.SurfaceID != "" {
		label = side + ":" + opts.SurfaceID
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &endpoint{
		side:    side,
		label:   label,
		ch:      ch,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger,
		handler: newHandlerTable(),
		ctx:     ctx,
		cancel:  cancel,
		policy: retry.Policy{
			Base:       opts.RetryBackoff,
			MaxRetries: opts.MaxSendRetries,
			Jitter:     opts.RetryJitter,
		},
		state:       AwaitingClient,
		queue:       queue.New[*outbound](label, opts.QueueWarnThreshold, opts.Logger),
		pending:     make(map[string]*pendingRequest),
		settled:     newIDRing(settledMemory),
		responses:   make(map[string]*cachedResponse),
		responseIDs: newIDRing(responseMemory),
		timers:      make(map[*trackedTimer]struct{}),
		ready:       make(chan struct{}),
	}
}

// Send transmits a fire-and-forget message, or queues it until the handshake completes.
// It never blocks on the channel. A nil error does not mean the message was delivered.
func (e *endpoint) Send(msgType string, payload interface{}) error {
	if envelope.IsReserved(msgType) {
		return ErrReservedType
	}
	env, err := envelope.New(msgType, envelope.KindMessage, payload, e.clock.Now())
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked("send"); err != nil {
		return err
	}
	if e.state != Complete {
		e.queue.Push(&outbound{env: env})
		e.tracef("queued %s %s (queue=%d)", env.Type, env.ID, e.queue.Len())
		return nil
	}
	e.transmitMessageLocked(env, 0)
	return nil
}

// Request sends msgType and blocks until the correlated response arrives, the retry
// budget is exhausted (*RequestTimeoutError), the endpoint is disposed or fails
// (ErrDisposed, handshake error), or ctx is done.
func (e *endpoint) Request(ctx context.Context, msgType string, payload interface{}) (json.RawMessage, error) {
	if envelope.IsReserved(msgType) {
		return nil, ErrReservedType
	}
	env, err := envelope.New(msgType, envelope.KindRequest, payload, e.clock.Now())
	if err != nil {
		return nil, err
	}
	pr := &pendingRequest{
		env:     env,
		result:  make(chan requestResult, 1),
		tracker: retry.NewTracker(e.policy),
	}

	e.mu.Lock()
	if err := e.usableLocked("request"); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.pending[env.ID] = pr
	if e.state == Complete {
		e.transmitRequestLocked(pr)
	} else {
		e.queue.Push(&outbound{env: env, pending: pr})
		e.tracef("queued request %s %s (queue=%d)", env.Type, env.ID, e.queue.Len())
	}
	e.mu.Unlock()

	select {
	case r := <-pr.result:
		return r.payload, r.err
	case <-ctx.Done():
		e.mu.Lock()
		if !pr.done {
			e.removePendingLocked(pr)
			e.mu.Unlock()
			return nil, ctx.Err()
		}
		e.mu.Unlock()
		r := <-pr.result
		return r.payload, r.err
	}
}

// OnMessage registers the handler for fire-and-forget messages of msgType, replacing any
// previous one. Handlers run in arrival order on the channel's delivery goroutine.
// The returned func removes the registration.
func (e *endpoint) OnMessage(msgType string, h MessageHandler) func() {
	return e.handler.setMessage(msgType, h)
}

// OnRequest registers the responder for requests of msgType. Each request runs on its
// own goroutine; its ctx is cancelled on Dispose.
func (e *endpoint) OnRequest(msgType string, h RequestHandler) func() {
	return e.handler.setRequest(msgType, h)
}

// WaitReady blocks until the handshake completes (nil), fails fatally, the endpoint is
// disposed, or ctx is done.
func (e *endpoint) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failure != nil {
		return e.failure
	}
	if e.disposed {
		return &DisposedError{Op: "wait ready"}
	}
	return nil
}

// Ready is closed once the handshake completes, fails, or the endpoint is disposed.
func (e *endpoint) Ready() <-chan struct{} {
	return e.ready
}

// Dispose drops queued messages, rejects every pending request with ErrDisposed, stops
// every timer and detaches the listener. The endpoint stays inert afterwards.
func (e *endpoint) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.held = nil
	dropped := e.queue.Clear()
	rejected := len(e.pending)
	for _, pr := range e.pending {
		e.removePendingLocked(pr)
		pr.finish(nil, &DisposedError{Op: "request " + pr.env.Type})
	}
	for tt := range e.timers {
		tt.t.Stop()
		delete(e.timers, tt)
	}
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.responses = make(map[string]*cachedResponse)
	e.closeReadyLocked()
	e.mu.Unlock()

	e.cancel()
	e.handler.clear()
	if unsubscribe != nil {
		unsubscribe()
	}
	e.log.Info(fmt.Sprintf("%s - [%s] disposed (dropped %d queued, rejected %d pending)", logPrefix, e.label, dropped, rejected))
}

// State returns the current handshake state.
func (e *endpoint) State() HandshakeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StateVersion returns the state version agreed in the handshake, 0 before completion.
func (e *endpoint) StateVersion() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateVersion
}

// Err returns the fatal handshake failure, if any.
func (e *endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// Disposed reports whether Dispose was called.
func (e *endpoint) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// PendingCount returns the number of unsettled requests.
func (e *endpoint) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// QueueLen returns the number of messages waiting for the handshake.
func (e *endpoint) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// handleInbound is the channel listener.
func (e *endpoint) handleInbound(data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		e.log.Warn(fmt.Sprintf("%s - [%s] dropping inbound message: %v", logPrefix, e.label, err))
		return
	}
	if e.Disposed() {
		return
	}
	e.tracef("received %s %s kind=%s", env.Type, env.ID, env.Kind)

	switch {
	case env.IsResponse():
		e.settleResponse(env)
	case envelope.IsReserved(env.Type):
		e.control(env)
	case e.holdUntilComplete(env):
	default:
		e.deliver(env)
	}
}

func (e *endpoint) deliver(env *envelope.Envelope) {
	if env.IsRequest() {
		e.serveRequest(env)
		return
	}
	e.dispatchMessage(env)
}

// holdUntilComplete parks business traffic that overtook handshake-complete. It reports
// whether env was taken; traffic for a failed endpoint is dropped.
func (e *endpoint) holdUntilComplete(env *envelope.Envelope) bool {
	if !e.holdInbound {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Complete {
		return false
	}
	if e.failure != nil || e.disposed {
		return true
	}
	e.held = append(e.held, env)
	e.log.Warn(fmt.Sprintf("%s - [%s] %s %s arrived before handshake-complete, held (%d held)", logPrefix, e.label, env.Type, env.ID, len(e.held)))
	return true
}

// takeHeldLocked returns the parked inbound traffic in arrival order.
func (e *endpoint) takeHeldLocked() []*envelope.Envelope {
	held := e.held
	e.held = nil
	return held
}

func (e *endpoint) settleResponse(env *envelope.Envelope) {
	e.mu.Lock()
	pr, ok := e.pending[env.ID]
	if !ok {
		late := e.settled.has(env.ID)
		e.mu.Unlock()
		if late {
			e.log.Warn(fmt.Sprintf("%s - [%s] ignoring duplicate or late response %s (%s)", logPrefix, e.label, env.ID, env.Type))
		} else {
			e.log.Warn(fmt.Sprintf("%s - [%s] ignoring response %s (%s) with no matching request", logPrefix, e.label, env.ID, env.Type))
		}
		return
	}
	e.removePendingLocked(pr)
	e.mu.Unlock()

	if env.Type == envelope.TypeProtocolError {
		var detail envelope.ErrorDetail
		if err := env.DecodePayload(&detail); err != nil {
			detail = envelope.ErrorDetail{Code: envelope.CodeInvalidPayload, Message: err.Error()}
		}
		pr.finish(nil, &RemoteError{Code: detail.Code, Message: detail.Message, Retryable: detail.Retryable})
		return
	}
	pr.finish(env.Payload, nil)
}

func (e *endpoint) dispatchMessage(env *envelope.Envelope) {
	h := e.handler.message(env.Type)
	if h == nil {
		e.log.Debug(fmt.Sprintf("%s - [%s] no handler for message %s", logPrefix, e.label, env.Type))
		return
	}
	h(env.Payload)
}

func (e *endpoint) serveRequest(env *envelope.Envelope) {
	e.mu.Lock()
	if cached, ok := e.responses[env.ID]; ok {
		if cached.env != nil {
			e.transmitMessageLocked(cached.env, 0)
		}
		e.mu.Unlock()
		e.tracef("duplicate request %s %s answered from cache", env.Type, env.ID)
		return
	}
	e.responses[env.ID] = &cachedResponse{}
	if evicted, ok := e.responseIDs.add(env.ID); ok {
		delete(e.responses, evicted)
	}
	e.mu.Unlock()

	h := e.handler.request(env.Type)
	if h == nil {
		e.respond(env, nil, &RemoteError{
			Code:    envelope.CodeMethodNotFound,
			Message: fmt.Sprintf("Unknown request type: %s", env.Type),
		})
		return
	}
	go func() {
		result, err := h(e.ctx, env.Payload)
		e.respond(env, result, err)
	}()
}

func (e *endpoint) respond(req *envelope.Envelope, result interface{}, err error) {
	now := e.clock.Now()
	var resp *envelope.Envelope
	if err != nil {
		detail := envelope.ErrorDetail{Code: envelope.CodeHandlerFailed, Message: err.Error()}
		var remote *RemoteError
		if errors.As(err, &remote) {
			detail = envelope.ErrorDetail{Code: remote.Code, Message: remote.Message, Retryable: remote.Retryable}
		}
		resp = envelope.NewErrorResponse(req, detail, now)
	} else {
		var encErr error
		resp, encErr = envelope.NewResponse(req, result, now)
		if encErr != nil {
			resp = envelope.NewErrorResponse(req, envelope.ErrorDetail{Code: envelope.CodeInvalidPayload, Message: encErr.Error()}, now)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed || e.failure != nil {
		return
	}
	if cached, ok := e.responses[req.ID]; ok {
		cached.env = resp
	}
	if e.state != Complete {
		e.queue.Push(&outbound{env: resp})
		return
	}
	e.transmitMessageLocked(resp, 0)
}

// transmitMessageLocked posts env and retries a failed post with backoff.
func (e *endpoint) transmitMessageLocked(env *envelope.Envelope, attempt int) {
	err := e.postLocked(env)
	if err == nil {
		return
	}
	if attempt >= e.policy.MaxRetries {
		e.log.Error(fmt.Sprintf("%s - [%s] giving up on %s %s after %d attempts: %v", logPrefix, e.label, env.Type, env.ID, attempt+1, err))
		return
	}
	delay := e.policy.Delay(attempt)
	e.log.Warn(fmt.Sprintf("%s - [%s] post of %s %s failed, retrying in %v: %v", logPrefix, e.label, env.Type, env.ID, delay, err))
	e.afterFuncLocked(delay, func() func() {
		e.transmitMessageLocked(env, attempt+1)
		return nil
	})
}

// transmitRequestLocked posts one attempt of pr and arms the timer judging that attempt.
func (e *endpoint) transmitRequestLocked(pr *pendingRequest) {
	wait := e.opts.RequestTimeout + pr.tracker.Record()
	if err := e.postLocked(pr.env); err != nil {
		e.log.Warn(fmt.Sprintf("%s - [%s] post of request %s %s failed (attempt %d): %v", logPrefix, e.label, pr.env.Type, pr.env.ID, pr.tracker.Attempts(), err))
	}
	pr.timer = e.afterFuncLocked(wait, func() func() {
		pr.timer = nil
		if pr.done {
			return nil
		}
		if pr.tracker.Exhausted() {
			e.removePendingLocked(pr)
			pr.finish(nil, &RequestTimeoutError{ID: pr.env.ID, Type: pr.env.Type, Attempts: pr.tracker.Attempts()})
			e.log.Warn(fmt.Sprintf("%s - [%s] request %s %s timed out after %d attempts", logPrefix, e.label, pr.env.Type, pr.env.ID, pr.tracker.Attempts()))
			return nil
		}
		e.tracef("retransmitting request %s %s (attempt %d)", pr.env.Type, pr.env.ID, pr.tracker.Attempts()+1)
		e.transmitRequestLocked(pr)
		return nil
	})
}

func (e *endpoint) postLocked(env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := e.ch.PostMessage(data); err != nil {
		return err
	}
	e.tracef("posted %s %s kind=%s", env.Type, env.ID, env.Kind)
	return nil
}

// completeLocked moves to Complete and flushes the queue before anything else can be sent.
func (e *endpoint) completeLocked(version int64) {
	e.state = Complete
	e.stateVersion = version
	items := e.queue.Drain()
	for _, ob := range items {
		if ob.pending != nil {
			if ob.pending.done {
				continue
			}
			e.transmitRequestLocked(ob.pending)
			continue
		}
		e.transmitMessageLocked(ob.env, 0)
	}
	e.closeReadyLocked()
	e.log.Info(fmt.Sprintf("%s - [%s] handshake complete (stateVersion=%d, flushed %d)", logPrefix, e.label, version, len(items)))
}

// failLocked records a fatal handshake failure. The returned func must be called after
// mu is released.
func (e *endpoint) failLocked(err error) func() {
	if e.failure != nil || e.disposed || e.state == Complete {
		return nil
	}
	e.failure = err
	e.held = nil
	e.queue.Clear()
	for _, pr := range e.pending {
		e.removePendingLocked(pr)
		pr.finish(nil, err)
	}
	for tt := range e.timers {
		tt.t.Stop()
		delete(e.timers, tt)
	}
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.closeReadyLocked()
	e.log.Error(fmt.Sprintf("%s - [%s] handshake failed: %v", logPrefix, e.label, err))

	onFailure := e.opts.OnFailure
	return func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		if onFailure != nil {
			onFailure(err)
		}
	}
}

func (e *endpoint) removePendingLocked(pr *pendingRequest) {
	delete(e.pending, pr.env.ID)
	pr.done = true
	e.stopTimerLocked(pr.timer)
	pr.timer = nil
	e.settled.add(pr.env.ID)
}

func (e *endpoint) usableLocked(op string) error {
	if e.disposed {
		return &DisposedError{Op: op}
	}
	if e.failure != nil {
		return e.failure
	}
	return nil
}

func (e *endpoint) closeReadyLocked() {
	if !e.readyClosed {
		e.readyClosed = true
		close(e.ready)
	}
}

// afterFuncLocked starts a timer owned by this endpoint. fn runs with mu held unless the
// timer was stopped or the endpoint disposed in the meantime; the func fn returns, if
// any, runs after mu is released.
func (e *endpoint) afterFuncLocked(d time.Duration, fn func() func()) *trackedTimer {
	tt := &trackedTimer{}
	e.timers[tt] = struct{}{}
	tt.t = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		if _, ok := e.timers[tt]; !ok || e.disposed {
			e.mu.Unlock()
			return
		}
		delete(e.timers, tt)
		after := fn()
		e.mu.Unlock()
		if after != nil {
			after()
		}
	})
	return tt
}

func (e *endpoint) stopTimerLocked(tt *trackedTimer) {
	if tt == nil {
		return
	}
	if _, ok := e.timers[tt]; ok {
		delete(e.timers, tt)
		tt.t.Stop()
	}
}

// TimerCount returns the number of live timers owned by the endpoint.
func (e *endpoint) TimerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

func (e *endpoint) tracef(format string, args ...interface{}) {
	if !e.opts.EnableLogging {
		return
	}
	e.log.Info(fmt.Sprintf("%s - [%s] %s", logPrefix, e.label, fmt.Sprintf(format, args...)))
}
