// Package memchan provides an in-process surface channel with postMessage semantics:
// a message posted while the receiving side has no listener is lost, delivery is
// asynchronous, and nothing is acknowledged. It also records traffic and injects
// faults so the handshake can be exercised under adverse timing.
package memchan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const logPrefix = "memchan:pipe"

var (
	// ErrClosed is returned when posting on a closed pipe.
	ErrClosed = errors.New("memchan: pipe closed")
	// ErrTransient is the injected delivery failure returned after FailNext.
	ErrTransient = errors.New("memchan: transient delivery failure")
	// ErrAlreadySubscribed is returned when a second listener is attached to a port.
	ErrAlreadySubscribed = errors.New("memchan: port already has a listener")
)

// Pipe connects a host port and a client port.
type Pipe struct {
	host     *Port
	client   *Port
	inflight atomic.Int64
	wg       sync.WaitGroup
}

// Port is one end of a Pipe. It implements comms.Channel.
type Port struct {
	name string
	pipe *Pipe
	peer *Port

	mu        sync.Mutex
	cond      *sync.Cond
	listener  func([]byte)
	gen       uint64
	inbox     [][]byte
	closed    bool
	posted    [][]byte
	dropped   int
	failNext  int
	filter    func([]byte) bool
	delay     time.Duration
	listeners int
}

// NewPipe creates a connected pair of ports and starts their delivery loops.
func NewPipe() *Pipe {
	p := &Pipe{}
	p.host = newPort("host", p)
	p.client = newPort("client", p)
	p.host.peer = p.client
	p.client.peer = p.host
	p.wg.Add(2)
	go p.host.deliverLoop()
	go p.client.deliverLoop()
	return p
}

func newPort(name string, p *Pipe) *Port {
	port := &Port{name: name, pipe: p}
	port.cond = sync.NewCond(&port.mu)
	return port
}

// Host returns the port used by the host side.
func (p *Pipe) Host() *Port { return p.host }

// Client returns the port used by the surface side.
func (p *Pipe) Client() *Port { return p.client }

// Settle blocks until no message is queued or being delivered on either port, or the timeout elapses.
// It returns false on timeout.
func (p *Pipe) Settle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if p.inflight.Load() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// Close stops both delivery loops. Undelivered messages are discarded.
func (p *Pipe) Close() {
	p.host.close()
	p.client.close()
	p.wg.Wait()
}

// PostMessage sends data to the peer port. It never blocks on the receiver.
func (p *Port) PostMessage(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.failNext > 0 {
		p.failNext--
		p.mu.Unlock()
		return ErrTransient
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	p.posted = append(p.posted, msg)
	filter := p.filter
	p.mu.Unlock()

	if filter != nil && !filter(msg) {
		slog.Debug(fmt.Sprintf("%s - %s: message lost by filter", logPrefix, p.name))
		return nil
	}
	p.peer.enqueue(msg)
	return nil
}

// Subscribe attaches the single inbound listener of this port.
func (p *Port) Subscribe(fn func([]byte)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.listener != nil {
		return nil, ErrAlreadySubscribed
	}
	p.gen++
	gen := p.gen
	p.listener = fn
	p.listeners++
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen == gen && p.listener != nil {
			p.listener = nil
			p.listeners--
		}
	}, nil
}

// Posted returns a copy of every message successfully posted from this port.
func (p *Port) Posted() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.posted))
	copy(out, p.posted)
	return out
}

// Dropped returns how many messages addressed to this port were lost because no listener was attached.
func (p *Port) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Listeners returns the number of currently attached listeners (0 or 1).
func (p *Port) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeners
}

// FailNext makes the next n PostMessage calls on this port fail with ErrTransient.
func (p *Port) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// SetFilter installs a predicate on outbound messages; messages for which it returns false
// are recorded as posted but never delivered.
func (p *Port) SetFilter(f func([]byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = f
}

// SetDelay adds latency before each delivery to this port.
func (p *Port) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

func (p *Port) enqueue(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.listener == nil {
		p.dropped++
		slog.Debug(fmt.Sprintf("%s - %s: no listener, message lost", logPrefix, p.name))
		return
	}
	p.pipe.inflight.Add(1)
	p.inbox = append(p.inbox, msg)
	p.cond.Signal()
}

func (p *Port) deliverLoop() {
	defer p.pipe.wg.Done()
	for {
		p.mu.Lock()
		for len(p.inbox) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.pipe.inflight.Add(-int64(len(p.inbox)))
			p.inbox = nil
			p.mu.Unlock()
			return
		}
		msg := p.inbox[0]
		p.inbox = p.inbox[1:]
		delay := p.delay
		p.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		p.mu.Lock()
		fn := p.listener
		if fn == nil {
			p.dropped++
		}
		p.mu.Unlock()

		if fn != nil {
			fn(msg)
		}
		p.pipe.inflight.Add(-1)
	}
}

func (p *Port) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}
