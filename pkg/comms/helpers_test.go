package comms

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/morezero/webview-comms/pkg/channel/memchan"
	"github.com/morezero/webview-comms/pkg/clock"
	"github.com/morezero/webview-comms/pkg/envelope"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// harness wires a host and a client over an in-memory pipe driven by a virtual clock.
type harness struct {
	t    *testing.T
	pipe *memchan.Pipe
	clk  *clock.Virtual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pipe := memchan.NewPipe()
	t.Cleanup(pipe.Close)
	return &harness{t: t, pipe: pipe, clk: clock.NewVirtual(testEpoch)}
}

func (h *harness) options() Options {
	opts := DefaultOptions()
	opts.Clock = h.clk
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func (h *harness) newHost(opts Options) *HostManager {
	h.t.Helper()
	host, err := NewHostManager(h.pipe.Host(), opts)
	if err != nil {
		h.t.Fatalf("comms:helpers_test - NewHostManager failed: %v", err)
	}
	h.t.Cleanup(host.Dispose)
	return host
}

func (h *harness) newClient(opts Options) *ClientBridge {
	h.t.Helper()
	client, err := NewClientBridge(h.pipe.Client(), opts)
	if err != nil {
		h.t.Fatalf("comms:helpers_test - NewClientBridge failed: %v", err)
	}
	h.t.Cleanup(client.Dispose)
	return client
}

// connect completes a handshake with default options and returns both sides.
func (h *harness) connect(opts Options) (*HostManager, *ClientBridge) {
	h.t.Helper()
	host := h.newHost(opts)
	if err := host.Listen(); err != nil {
		h.t.Fatalf("comms:helpers_test - Listen failed: %v", err)
	}
	client := h.newClient(opts)
	h.settle()
	if err := waitReady(host); err != nil {
		h.t.Fatalf("comms:helpers_test - host handshake failed: %v", err)
	}
	if err := waitReady(client); err != nil {
		h.t.Fatalf("comms:helpers_test - client handshake failed: %v", err)
	}
	return host, client
}

// settle waits until both delivery loops are idle. The virtual clock does not move.
func (h *harness) settle() {
	h.t.Helper()
	if !h.pipe.Settle(2 * time.Second) {
		h.t.Fatal("comms:helpers_test - pipe did not settle")
	}
}

// dropResponses makes port swallow every response it posts.
func dropResponses(port *memchan.Port) {
	port.SetFilter(func(data []byte) bool {
		env, err := envelope.Decode(data)
		return err != nil || !env.IsResponse()
	})
}

type readyWaiter interface {
	WaitReady(ctx context.Context) error
}

func waitReady(r readyWaiter) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.WaitReady(ctx)
}

// waitFor polls cond in real time; used for work done on handler goroutines.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("comms:helpers_test - timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func decodeAll(t *testing.T, posted [][]byte) []*envelope.Envelope {
	t.Helper()
	out := make([]*envelope.Envelope, 0, len(posted))
	for _, data := range posted {
		env, err := envelope.Decode(data)
		if err != nil {
			t.Fatalf("comms:helpers_test - posted message does not decode: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func countPosted(t *testing.T, port *memchan.Port, msgType string, kind envelope.Kind) int {
	t.Helper()
	n := 0
	for _, env := range decodeAll(t, port.Posted()) {
		if env.Type == msgType && env.Kind == kind {
			n++
		}
	}
	return n
}

func mustEncode(t *testing.T, env *envelope.Envelope, err error) []byte {
	t.Helper()
	if err != nil {
		t.Fatalf("comms:helpers_test - failed to build envelope: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("comms:helpers_test - failed to encode envelope: %v", err)
	}
	return data
}

// recorder collects message payloads in arrival order.
type recorder struct {
	mu  sync.Mutex
	got []int
}

func (r *recorder) handler(payload json.RawMessage) {
	var n int
	_ = json.Unmarshal(payload, &n)
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.got))
	copy(out, r.got)
	return out
}

// lockedBuffer is a log sink safe for concurrent writers and readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
