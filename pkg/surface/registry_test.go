package surface

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/morezero/webview-comms/pkg/channel/memchan"
	"github.com/morezero/webview-comms/pkg/clock"
	"github.com/morezero/webview-comms/pkg/comms"
	"github.com/morezero/webview-comms/pkg/db"
	"github.com/morezero/webview-comms/pkg/events"
)

const registryTestPrefix = "surface:registry_test"

type eventLog struct {
	ch chan *events.SurfaceEvent
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan *events.SurfaceEvent, 32)}
}

func (l *eventLog) publisher() events.EventPublisher {
	return events.NewCallbackPublisher(func(_ context.Context, e *events.SurfaceEvent) error {
		l.ch <- e
		return nil
	})
}

func (l *eventLog) expect(t *testing.T, surfaceID, kind string) *events.SurfaceEvent {
	t.Helper()
	select {
	case e := <-l.ch:
		if e.SurfaceID != surfaceID || e.Kind != kind {
			t.Fatalf("%s - event = %s/%s, want %s/%s", registryTestPrefix, e.SurfaceID, e.Kind, surfaceID, kind)
		}
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - timed out waiting for %s/%s", registryTestPrefix, surfaceID, kind)
		return nil
	}
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []db.HandshakeRecord
}

func (m *memoryRecorder) RecordHandshake(_ context.Context, rec db.HandshakeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryRecorder) all() []db.HandshakeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.HandshakeRecord(nil), m.records...)
}

type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func testOptions(clk clock.Clock) comms.Options {
	opts := comms.DefaultOptions()
	opts.Clock = clk
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func startClient(t *testing.T, pipe *memchan.Pipe, opts comms.Options) *comms.ClientBridge {
	t.Helper()
	client, err := comms.NewClientBridge(pipe.Client(), opts)
	if err != nil {
		t.Fatalf("%s - NewClientBridge failed: %v", registryTestPrefix, err)
	}
	t.Cleanup(client.Dispose)
	return client
}

func waitReady(t *testing.T, ep interface{ WaitReady(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.WaitReady(ctx); err != nil {
		t.Fatalf("%s - WaitReady: %v", registryTestPrefix, err)
	}
}

func TestRegistry_OpenHandshakeClose(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log := newEventLog()
	rec := &memoryRecorder{}
	reg := NewRegistry(NewRegistryParams{Options: testOptions(clk), Publisher: log.publisher(), Recorder: rec})
	defer reg.CloseAll(context.Background())

	pipe := memchan.NewPipe()
	defer pipe.Close()
	closer := &closeCounter{}
	s, err := reg.Open(context.Background(), OpenParams{ID: "settings", Transport: TransportMemory, Channel: pipe.Host(), Closer: closer})
	if err != nil {
		t.Fatalf("%s - Open failed: %v", registryTestPrefix, err)
	}
	log.expect(t, "settings", events.KindOpened)

	client := startClient(t, pipe, testOptions(clk))
	waitReady(t, s.Host)
	waitReady(t, client)

	done := log.expect(t, "settings", events.KindHandshakeComplete)
	if done.StateVersion != 1 || done.Transport != TransportMemory {
		t.Errorf("%s - handshake-complete event = %+v", registryTestPrefix, done)
	}
	<-s.Done()
	if got := rec.all(); len(got) != 1 || got[0].Outcome != db.OutcomeComplete || *got[0].StateVersion != 1 {
		t.Errorf("%s - recorded %+v", registryTestPrefix, got)
	}

	list := reg.List()
	if len(list) != 1 || list[0].State != "COMPLETE" || list[0].StateVersion != 1 {
		t.Errorf("%s - List = %+v", registryTestPrefix, list)
	}

	if err := reg.Close(context.Background(), "settings"); err != nil {
		t.Fatalf("%s - Close failed: %v", registryTestPrefix, err)
	}
	log.expect(t, "settings", events.KindDisposed)
	if !s.Host.Disposed() || closer.count() != 1 {
		t.Errorf("%s - host disposed = %v, closer called %d times", registryTestPrefix, s.Host.Disposed(), closer.count())
	}
	if pipe.Host().Listeners() != 0 {
		t.Errorf("%s - listener still attached after Close", registryTestPrefix)
	}
	if err := reg.Close(context.Background(), "settings"); !errors.Is(err, ErrUnknownSurface) {
		t.Errorf("%s - second Close = %v, want ErrUnknownSurface", registryTestPrefix, err)
	}
}

func TestRegistry_OpenValidation(t *testing.T) {
	clk := clock.NewVirtual(time.Time{})
	reg := NewRegistry(NewRegistryParams{Options: testOptions(clk)})
	defer reg.CloseAll(context.Background())
	pipe := memchan.NewPipe()
	defer pipe.Close()

	tests := []struct {
		name string
		p    OpenParams
		want error
	}{
		{"empty id", OpenParams{Channel: pipe.Host()}, ErrInvalidID},
		{"duplicate id", OpenParams{ID: "dup", Channel: memchan.NewPipe().Host()}, ErrSurfaceExists},
	}
	if _, err := reg.Open(context.Background(), OpenParams{ID: "dup", Channel: pipe.Host()}); err != nil {
		t.Fatalf("%s - Open failed: %v", registryTestPrefix, err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Open(context.Background(), tt.p); !errors.Is(err, tt.want) {
				t.Errorf("%s - Open = %v, want %v", registryTestPrefix, err, tt.want)
			}
		})
	}
	if _, err := reg.Open(context.Background(), OpenParams{ID: "nochan"}); err == nil {
		t.Errorf("%s - Open without a channel succeeded", registryTestPrefix)
	}
	if reg.Len() != 1 {
		t.Errorf("%s - Len = %d, want 1", registryTestPrefix, reg.Len())
	}
}

func TestRegistry_HandshakeTimeoutRemovesSurface(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log := newEventLog()
	rec := &memoryRecorder{}
	reg := NewRegistry(NewRegistryParams{Options: testOptions(clk), Publisher: log.publisher(), Recorder: rec})
	defer reg.CloseAll(context.Background())

	pipe := memchan.NewPipe()
	defer pipe.Close()
	closer := &closeCounter{}
	s, err := reg.Open(context.Background(), OpenParams{ID: "wizard", Transport: TransportMemory, Channel: pipe.Host(), Closer: closer})
	if err != nil {
		t.Fatalf("%s - Open failed: %v", registryTestPrefix, err)
	}
	log.expect(t, "wizard", events.KindOpened)

	clk.Advance(10 * time.Second)
	failed := log.expect(t, "wizard", events.KindHandshakeFailed)
	if failed.Error == "" || failed.DurationMs != 10000 {
		t.Errorf("%s - handshake-failed event = %+v", registryTestPrefix, failed)
	}
	<-s.Done()

	var timeout *comms.HandshakeTimeoutError
	if !errors.As(s.Host.Err(), &timeout) {
		t.Errorf("%s - host error = %v, want *HandshakeTimeoutError", registryTestPrefix, s.Host.Err())
	}
	if _, ok := reg.Get("wizard"); ok {
		t.Errorf("%s - failed surface still registered", registryTestPrefix)
	}
	if closer.count() != 1 {
		t.Errorf("%s - transport closed %d times, want 1", registryTestPrefix, closer.count())
	}
	if got := rec.all(); len(got) != 1 || got[0].Outcome != db.OutcomeFailed || got[0].StateVersion != nil {
		t.Errorf("%s - recorded %+v", registryTestPrefix, got)
	}

	// The id is free again.
	again := memchan.NewPipe()
	defer again.Close()
	if _, err := reg.Open(context.Background(), OpenParams{ID: "wizard", Channel: again.Host()}); err != nil {
		t.Errorf("%s - reopen after failure: %v", registryTestPrefix, err)
	}
}

func TestRegistry_ReopenContinuesVersion(t *testing.T) {
	clk := clock.NewVirtual(time.Time{})
	reg := NewRegistry(NewRegistryParams{Options: testOptions(clk)})
	defer reg.CloseAll(context.Background())

	for want := int64(1); want <= 3; want++ {
		pipe := memchan.NewPipe()
		s, err := reg.Open(context.Background(), OpenParams{ID: "panel", Channel: pipe.Host()})
		if err != nil {
			t.Fatalf("%s - Open failed: %v", registryTestPrefix, err)
		}
		client := startClient(t, pipe, testOptions(clk))
		waitReady(t, client)
		if client.StateVersion() != want {
			t.Errorf("%s - StateVersion = %d, want %d", registryTestPrefix, client.StateVersion(), want)
		}
		if err := reg.Close(context.Background(), s.ID); err != nil {
			t.Fatalf("%s - Close failed: %v", registryTestPrefix, err)
		}
		pipe.Close()
	}
}

func TestRegistry_RegisterAndRoute(t *testing.T) {
	clk := clock.NewVirtual(time.Time{})
	var registered []string
	var mu sync.Mutex
	reg := NewRegistry(NewRegistryParams{
		Options: testOptions(clk),
		Register: func(surfaceID string, r comms.Registrar) {
			mu.Lock()
			registered = append(registered, surfaceID)
			mu.Unlock()
			r.OnRequest("whoami", func(context.Context, json.RawMessage) (interface{}, error) {
				return surfaceID, nil
			})
		},
	})
	defer reg.CloseAll(context.Background())

	pipe := memchan.NewPipe()
	defer pipe.Close()
	if _, err := reg.Open(context.Background(), OpenParams{ID: "inspector", Channel: pipe.Host()}); err != nil {
		t.Fatalf("%s - Open failed: %v", registryTestPrefix, err)
	}

	copts := testOptions(clk)
	copts.Register = func(r comms.Registrar) {
		r.OnRequest("title", func(context.Context, json.RawMessage) (interface{}, error) {
			return "Inspector", nil
		})
	}
	client := startClient(t, pipe, copts)
	waitReady(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := client.Request(ctx, "whoami", nil)
	if err != nil || string(raw) != `"inspector"` {
		t.Errorf("%s - whoami = %s, %v", registryTestPrefix, raw, err)
	}
	raw, err = reg.Request(ctx, "inspector", "title", nil)
	if err != nil || string(raw) != `"Inspector"` {
		t.Errorf("%s - title = %s, %v", registryTestPrefix, raw, err)
	}
	if err := reg.Send("inspector", "refresh", nil); err != nil {
		t.Errorf("%s - Send failed: %v", registryTestPrefix, err)
	}

	if err := reg.Send("missing", "refresh", nil); !errors.Is(err, ErrUnknownSurface) {
		t.Errorf("%s - Send to missing = %v", registryTestPrefix, err)
	}
	if _, err := reg.Request(ctx, "missing", "title", nil); !errors.Is(err, ErrUnknownSurface) {
		t.Errorf("%s - Request to missing = %v", registryTestPrefix, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(registered) != 1 || registered[0] != "inspector" {
		t.Errorf("%s - Register called for %v", registryTestPrefix, registered)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	clk := clock.NewVirtual(time.Time{})
	log := newEventLog()
	reg := NewRegistry(NewRegistryParams{Options: testOptions(clk), Publisher: log.publisher()})

	var surfaces []*Surface
	for _, id := range []string{"a", "b"} {
		pipe := memchan.NewPipe()
		defer pipe.Close()
		s, err := reg.Open(context.Background(), OpenParams{ID: id, Channel: pipe.Host()})
		if err != nil {
			t.Fatalf("%s - Open failed: %v", registryTestPrefix, err)
		}
		log.expect(t, id, events.KindOpened)
		surfaces = append(surfaces, s)
	}

	reg.CloseAll(context.Background())
	for range surfaces {
		select {
		case e := <-log.ch:
			if e.Kind != events.KindDisposed {
				t.Errorf("%s - event kind = %s, want disposed", registryTestPrefix, e.Kind)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s - missing disposed event", registryTestPrefix)
		}
	}
	for _, s := range surfaces {
		if !s.Host.Disposed() {
			t.Errorf("%s - %s not disposed", registryTestPrefix, s.ID)
		}
	}
	if reg.Len() != 0 {
		t.Errorf("%s - Len = %d after CloseAll", registryTestPrefix, reg.Len())
	}
	pipe := memchan.NewPipe()
	defer pipe.Close()
	if _, err := reg.Open(context.Background(), OpenParams{ID: "late", Channel: pipe.Host()}); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("%s - Open after CloseAll = %v, want ErrRegistryClosed", registryTestPrefix, err)
	}
}
