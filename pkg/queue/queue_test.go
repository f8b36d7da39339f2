package queue

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

const queueTestPrefix = "queue:queue_test"

func TestQueue_DrainPreservesOrder(t *testing.T) {
	q := New[int]("test", 0, nil)
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	if q.Len() != 10 {
		t.Fatalf("%s - Len = %d, want 10", queueTestPrefix, q.Len())
	}

	got := q.Drain()
	for i, v := range got {
		if v != i {
			t.Errorf("%s - item %d = %d, want %d", queueTestPrefix, i, v, i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("%s - Len after Drain = %d, want 0", queueTestPrefix, q.Len())
	}
	if again := q.Drain(); len(again) != 0 {
		t.Errorf("%s - second Drain returned %d items", queueTestPrefix, len(again))
	}
}

func TestQueue_PushAfterDrain(t *testing.T) {
	q := New[string]("test", 0, nil)
	q.Push("a")
	q.Drain()
	q.Push("b")
	got := q.Drain()
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("%s - Drain = %v, want [b]", queueTestPrefix, got)
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New[int]("test", 0, nil)
	q.Push(1)
	q.Push(2)
	if n := q.Clear(); n != 2 {
		t.Errorf("%s - Clear = %d, want 2", queueTestPrefix, n)
	}
	if q.Len() != 0 {
		t.Errorf("%s - Len after Clear = %d", queueTestPrefix, q.Len())
	}
}

func TestQueue_WarnsOnceAboveThreshold(t *testing.T) {
	var buf bytes.Buffer
	q := New[int]("outbound", 3, slog.New(slog.NewTextHandler(&buf, nil)))
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	if c := strings.Count(buf.String(), "grew beyond 3"); c != 1 {
		t.Errorf("%s - expected 1 warning, got %d: %s", queueTestPrefix, c, buf.String())
	}

	q.Drain()
	for i := 0; i < 4; i++ {
		q.Push(i)
	}
	if c := strings.Count(buf.String(), "grew beyond 3"); c != 2 {
		t.Errorf("%s - expected a second warning after drain, got %d", queueTestPrefix, c)
	}
}

func TestQueue_WarnsOnOwnLoggerNotDefault(t *testing.T) {
	var own, global bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&global, nil)))
	defer slog.SetDefault(prev)

	q := New[int]("host:settings", 1, slog.New(slog.NewTextHandler(&own, nil)))
	q.Push(1)
	q.Push(2)

	if !strings.Contains(own.String(), "queue host:settings grew beyond 1") {
		t.Errorf("%s - warning missing from surface logger: %q", queueTestPrefix, own.String())
	}
	if global.Len() != 0 {
		t.Errorf("%s - warning leaked to default logger: %q", queueTestPrefix, global.String())
	}
}

func TestQueue_NilLoggerUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	q := New[int]("fallback", 1, nil)
	q.Push(1)
	q.Push(2)
	if !strings.Contains(buf.String(), "grew beyond 1") {
		t.Errorf("%s - nil logger should fall back to slog.Default: %q", queueTestPrefix, buf.String())
	}
}
