package events

import (
	"context"
	"errors"
	"testing"
)

func TestNoOpPublisher(t *testing.T) {
	pub := &NoOpPublisher{}
	err := pub.PublishSurfaceEvent(context.Background(), &SurfaceEvent{
		SurfaceID: "settings",
		Kind:      KindOpened,
	})
	if err != nil {
		t.Errorf("events:publisher_test - expected no error, got %v", err)
	}
}

func TestCallbackPublisher(t *testing.T) {
	var captured *SurfaceEvent

	pub := NewCallbackPublisher(func(_ context.Context, event *SurfaceEvent) error {
		captured = event
		return nil
	})

	event := &SurfaceEvent{
		SurfaceID:    "wizard",
		Kind:         KindHandshakeComplete,
		Transport:    "ws",
		StateVersion: 4,
		DurationMs:   35,
		Timestamp:    "2025-01-01T00:00:00Z",
	}

	if err := pub.PublishSurfaceEvent(context.Background(), event); err != nil {
		t.Errorf("events:publisher_test - expected no error, got %v", err)
	}
	if captured == nil {
		t.Fatal("events:publisher_test - expected callback to be called")
	}
	if captured.SurfaceID != "wizard" {
		t.Errorf("events:publisher_test - expected surface wizard, got %s", captured.SurfaceID)
	}
	if captured.StateVersion != 4 {
		t.Errorf("events:publisher_test - expected stateVersion 4, got %d", captured.StateVersion)
	}
}

func TestCallbackPublisher_PropagatesError(t *testing.T) {
	want := errors.New("sink unavailable")
	pub := NewCallbackPublisher(func(context.Context, *SurfaceEvent) error { return want })

	if err := pub.PublishSurfaceEvent(context.Background(), &SurfaceEvent{Kind: KindDisposed}); !errors.Is(err, want) {
		t.Errorf("events:publisher_test - err = %v, want %v", err, want)
	}
}

func TestMultiPublisher(t *testing.T) {
	var calls []string
	record := func(name string, err error) EventPublisher {
		return NewCallbackPublisher(func(context.Context, *SurfaceEvent) error {
			calls = append(calls, name)
			return err
		})
	}
	failure := errors.New("broker down")
	multi := MultiPublisher{record("a", nil), record("b", failure), record("c", nil)}

	err := multi.PublishSurfaceEvent(context.Background(), &SurfaceEvent{Kind: KindOpened})
	if !errors.Is(err, failure) {
		t.Errorf("events:publisher_test - err = %v, want %v", err, failure)
	}
	if len(calls) != 3 {
		t.Errorf("events:publisher_test - calls = %v, want all three", calls)
	}
	if err := (MultiPublisher{}).PublishSurfaceEvent(context.Background(), &SurfaceEvent{}); err != nil {
		t.Errorf("events:publisher_test - empty multi publisher err = %v", err)
	}
}

func TestRecentPublisher(t *testing.T) {
	r := NewRecentPublisher(3)
	if got := r.Recent(); len(got) != 0 {
		t.Fatalf("events:publisher_test - new publisher holds %d events", len(got))
	}

	for _, id := range []string{"a", "b"} {
		_ = r.PublishSurfaceEvent(context.Background(), &SurfaceEvent{SurfaceID: id})
	}
	if got := r.Recent(); len(got) != 2 || got[0].SurfaceID != "b" || got[1].SurfaceID != "a" {
		t.Errorf("events:publisher_test - Recent = %+v", got)
	}

	for _, id := range []string{"c", "d", "e"} {
		_ = r.PublishSurfaceEvent(context.Background(), &SurfaceEvent{SurfaceID: id})
	}
	got := r.Recent()
	var ids []string
	for _, e := range got {
		ids = append(ids, e.SurfaceID)
	}
	if len(ids) != 3 || ids[0] != "e" || ids[1] != "d" || ids[2] != "c" {
		t.Errorf("events:publisher_test - Recent after wrap = %v, want [e d c]", ids)
	}
}
