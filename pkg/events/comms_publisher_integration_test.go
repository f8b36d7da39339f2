package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startTestServer starts an in-process COMMS server for testing.
func startTestServer(t *testing.T, port int) (*nats.Conn, func()) {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("events:comms_publisher_integration_test - server failed to start")
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("events:comms_publisher_integration_test - failed to connect: %v", err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}

func subscribeEvents(t *testing.T, nc *nats.Conn, subject string) (chan *SurfaceEvent, func()) {
	t.Helper()
	received := make(chan *SurfaceEvent, 4)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var event SurfaceEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to flush: %v", err)
	}
	return received, func() { _ = sub.Unsubscribe() }
}

func expectEvent(t *testing.T, ch chan *SurfaceEvent, what string) *SurfaceEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("events:comms_publisher_integration_test - timed out waiting for %s", what)
		return nil
	}
}

func TestCommsPublisher_GranularAndGlobalSubjects(t *testing.T) {
	nc, cleanup := startTestServer(t, 14321)
	defer cleanup()

	publisher := NewCommsPublisher(nc, nil)
	granular, unsubGranular := subscribeEvents(t, nc, "surface.events.settings.handshake-complete")
	defer unsubGranular()
	global, unsubGlobal := subscribeEvents(t, nc, "surface.events")
	defer unsubGlobal()

	event := &SurfaceEvent{
		SurfaceID:    "settings",
		Kind:         KindHandshakeComplete,
		Transport:    "nats",
		StateVersion: 2,
		DurationMs:   12,
		Timestamp:    "2025-01-01T00:00:00Z",
	}
	if err := publisher.PublishSurfaceEvent(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - publish failed: %v", err)
	}

	for _, got := range []*SurfaceEvent{expectEvent(t, granular, "granular event"), expectEvent(t, global, "global event")} {
		if *got != *event {
			t.Errorf("events:comms_publisher_integration_test - received %+v, want %+v", got, event)
		}
	}
}

func TestCommsPublisher_WildcardPerSurface(t *testing.T) {
	nc, cleanup := startTestServer(t, 14322)
	defer cleanup()

	publisher := NewCommsPublisher(nc, nil)
	received, unsub := subscribeEvents(t, nc, "surface.events.panel_left.>")
	defer unsub()

	kinds := []string{KindOpened, KindHandshakeFailed, KindDisposed}
	for _, kind := range kinds {
		err := publisher.PublishSurfaceEvent(context.Background(), &SurfaceEvent{SurfaceID: "panel.left", Kind: kind})
		if err != nil {
			t.Fatalf("events:comms_publisher_integration_test - publish %s failed: %v", kind, err)
		}
	}
	for _, kind := range kinds {
		got := expectEvent(t, received, kind)
		if got.Kind != kind || got.SurfaceID != "panel.left" {
			t.Errorf("events:comms_publisher_integration_test - received %+v, want kind %s", got, kind)
		}
	}
}

func TestCommsPublisher_CustomEventSubject(t *testing.T) {
	nc, cleanup := startTestServer(t, 14323)
	defer cleanup()

	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{EventSubject: "ui.lifecycle"})
	global, unsubGlobal := subscribeEvents(t, nc, "ui.lifecycle")
	defer unsubGlobal()
	granular, unsubGranular := subscribeEvents(t, nc, "ui.lifecycle.wizard.disposed")
	defer unsubGranular()

	if err := publisher.PublishSurfaceEvent(context.Background(), &SurfaceEvent{SurfaceID: "wizard", Kind: KindDisposed}); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - publish failed: %v", err)
	}
	expectEvent(t, global, "custom global event")
	expectEvent(t, granular, "custom granular event")
}

func TestNewCommsPublisher_Defaults(t *testing.T) {
	tests := []struct {
		name string
		opts *CommsPublisherOpts
	}{
		{"nil opts", nil},
		{"empty subject", &CommsPublisherOpts{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewCommsPublisher(nil, tt.opts)
			if p.eventSubject != "surface.events" {
				t.Errorf("events:comms_publisher_integration_test - eventSubject = %q, want surface.events", p.eventSubject)
			}
		})
	}
}
