// Package wschan carries a surface channel over a websocket, for surfaces served to a
// browser or a dev server instead of an embedded webview.
package wschan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	logPrefix = "wschan:conn"

	writeWait = 10 * time.Second

	// maxBacklog bounds the frames held before the first listener attaches.
	maxBacklog = 1024
)

var (
	// ErrClosed is returned when posting on a closed connection.
	ErrClosed = errors.New("wschan: connection closed")
	// ErrAlreadySubscribed is returned when a second listener is attached.
	ErrAlreadySubscribed = errors.New("wschan: connection already has a listener")
)

// Upgrader accepts surface connections. Origin checks are left to the embedding server.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Conn adapts a websocket connection to comms.Channel. Each text frame is one message.
// Frames that arrive before the first listener attaches are held and replayed to it in
// order; frames that arrive after a listener was removed are dropped.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	listener   func([]byte)
	gen        uint64
	subscribed bool
	backlog    [][]byte
	replaying  bool
	dropped    int
	closed     bool
	err        error

	done chan struct{}
}

// New wraps ws and starts its read loop.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, done: make(chan struct{})}
	go c.readLoop()
	return c
}

// Accept upgrades an HTTP request to a surface connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to upgrade: %w", logPrefix, err)
	}
	return New(ws), nil
}

// Dial connects to a surface endpoint served by a host.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to dial %s: %w", logPrefix, url, err)
	}
	return New(ws), nil
}

// PostMessage writes data as one text frame.
func (c *Conn) PostMessage(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%s - failed to set write deadline: %w", logPrefix, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%s - failed to write message: %w", logPrefix, err)
	}
	return nil
}

// Subscribe attaches the single inbound listener.
func (c *Conn) Subscribe(fn func(data []byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.listener != nil {
		return nil, ErrAlreadySubscribed
	}
	c.gen++
	gen := c.gen
	c.listener = fn
	c.subscribed = true
	if len(c.backlog) > 0 && !c.replaying {
		c.replaying = true
		go c.replay(fn, gen)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen {
			c.listener = nil
		}
	}, nil
}

// Done is closed when the read loop ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop, nil after a normal close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dropped returns how many inbound frames were discarded: frames that arrived after the
// listener was removed, and frames beyond the backlog limit.
func (c *Conn) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			unexpected := !c.closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			c.closed = true
			if unexpected {
				c.err = err
			}
			c.mu.Unlock()
			if unexpected {
				slog.Warn(fmt.Sprintf("%s - read loop ended: %v", logPrefix, err))
			}
			_ = c.ws.Close()
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		c.mu.Lock()
		fn := c.listener
		switch {
		case !c.subscribed || c.replaying:
			fn = nil
			if len(c.backlog) < maxBacklog {
				c.backlog = append(c.backlog, data)
			} else {
				c.dropped++
			}
		case fn == nil:
			c.dropped++
		}
		c.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

// replay hands the held frames to the first listener. The read loop keeps appending to
// the backlog until it is drained, so frames stay in arrival order.
func (c *Conn) replay(fn func([]byte), gen uint64) {
	for {
		c.mu.Lock()
		frames := c.backlog
		c.backlog = nil
		if len(frames) == 0 || c.gen != gen || c.listener == nil {
			c.dropped += len(frames)
			c.replaying = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		for _, data := range frames {
			fn(data)
		}
	}
}
