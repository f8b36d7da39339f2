package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/morezero/webview-comms/pkg/channel/memchan"
	"github.com/morezero/webview-comms/pkg/channel/natschan"
	"github.com/morezero/webview-comms/pkg/comms"
	"github.com/morezero/webview-comms/pkg/surface"
)

const routingTestPrefix = "dispatcher:dispatch_routing_test"

func quietOptions() comms.Options {
	opts := comms.DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

// newRouting returns a dispatcher over a real registry whose hosts answer "echo".
func newRouting(t *testing.T, nc *nats.Conn) (*Dispatcher, *surface.Registry) {
	t.Helper()
	reg := surface.NewRegistry(surface.NewRegistryParams{
		Options: quietOptions(),
		Register: func(_ string, r comms.Registrar) {
			r.OnRequest("echo", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
				return payload, nil
			})
		},
	})
	t.Cleanup(func() { reg.CloseAll(context.Background()) })
	return NewDispatcher(reg, nc, ""), reg
}

// openMemory opens surface id over a pipe and connects a client that answers "double".
func openMemory(t *testing.T, reg *surface.Registry, id string) *comms.ClientBridge {
	t.Helper()
	pipe := memchan.NewPipe()
	t.Cleanup(pipe.Close)
	if _, err := reg.Open(context.Background(), surface.OpenParams{ID: id, Transport: surface.TransportMemory, Channel: pipe.Host()}); err != nil {
		t.Fatalf("%s - Open failed: %v", routingTestPrefix, err)
	}
	opts := quietOptions()
	opts.Register = func(r comms.Registrar) {
		r.OnRequest("double", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
			var n int
			if err := json.Unmarshal(payload, &n); err != nil {
				return nil, err
			}
			return n * 2, nil
		})
	}
	client, err := comms.NewClientBridge(pipe.Client(), opts)
	if err != nil {
		t.Fatalf("%s - NewClientBridge failed: %v", routingTestPrefix, err)
	}
	t.Cleanup(client.Dispose)
	return client
}

func TestDispatch_UnknownMethod(t *testing.T) {
	disp := &Dispatcher{}

	for _, id := range []string{"req-1", "unique-abc-123", ""} {
		resp := disp.Dispatch(context.Background(), &ControlRequest{ID: id, Method: "nonexistent"})
		if resp.Ok || resp.ID != id {
			t.Errorf("%s - response = %+v", routingTestPrefix, resp)
		}
		if resp.Error == nil || resp.Error.Code != CodeMethodNotFound || resp.Error.Retryable {
			t.Errorf("%s - error = %+v, want non-retryable METHOD_NOT_FOUND", routingTestPrefix, resp.Error)
		}
	}
}

func TestDispatch_OpenWithoutNATS(t *testing.T) {
	disp, _ := newRouting(t, nil)

	tests := []struct {
		name string
		req  *ControlRequest
		code string
	}{
		{"missing surface id", &ControlRequest{ID: "1", Method: "open"}, CodeInvalidArgument},
		{"no transport", &ControlRequest{ID: "2", Method: "open", SurfaceID: "x"}, CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := disp.Dispatch(context.Background(), tt.req)
			if resp.Ok || resp.Error.Code != tt.code {
				t.Errorf("%s - response = %+v, want %s", routingTestPrefix, resp.Error, tt.code)
			}
		})
	}
}

func TestDispatch_SurfaceLifecycle(t *testing.T) {
	disp, reg := newRouting(t, nil)
	client := openMemory(t, reg, "calc")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := disp.Dispatch(ctx, &ControlRequest{ID: "w", Method: "waitReady", SurfaceID: "calc"})
	if !resp.Ok {
		t.Fatalf("%s - waitReady failed: %+v", routingTestPrefix, resp.Error)
	}
	if info := resp.Result.(surface.Info); info.State != "COMPLETE" || info.StateVersion != 1 {
		t.Errorf("%s - waitReady info = %+v", routingTestPrefix, info)
	}
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("%s - client WaitReady: %v", routingTestPrefix, err)
	}

	resp = disp.Dispatch(ctx, &ControlRequest{ID: "r", Method: "request", SurfaceID: "calc", Type: "double", Params: json.RawMessage(`21`)})
	if !resp.Ok {
		t.Fatalf("%s - request failed: %+v", routingTestPrefix, resp.Error)
	}
	if raw := resp.Result.(json.RawMessage); string(raw) != "42" {
		t.Errorf("%s - double = %s, want 42", routingTestPrefix, raw)
	}

	resp = disp.Dispatch(ctx, &ControlRequest{ID: "m", Method: "request", SurfaceID: "calc", Type: "triple"})
	if resp.Ok || resp.Error.Code != "METHOD_NOT_FOUND" {
		t.Errorf("%s - unknown client method = %+v", routingTestPrefix, resp.Error)
	}

	resp = disp.Dispatch(ctx, &ControlRequest{ID: "s", Method: "send", SurfaceID: "calc", Type: "note", Params: json.RawMessage(`"hi"`)})
	if !resp.Ok || resp.Result.(*SendResult).Queued {
		t.Errorf("%s - send = %+v", routingTestPrefix, resp)
	}
	resp = disp.Dispatch(ctx, &ControlRequest{ID: "s2", Method: "send", SurfaceID: "calc"})
	if resp.Ok || resp.Error.Code != CodeInvalidArgument {
		t.Errorf("%s - send without type = %+v", routingTestPrefix, resp)
	}
	resp = disp.Dispatch(ctx, &ControlRequest{ID: "s3", Method: "send", SurfaceID: "calc", Type: "client-ready"})
	if resp.Ok || resp.Error.Code != CodeInvalidArgument {
		t.Errorf("%s - send of reserved type = %+v", routingTestPrefix, resp)
	}

	resp = disp.Dispatch(ctx, &ControlRequest{ID: "l", Method: "list"})
	if list := resp.Result.([]surface.Info); len(list) != 1 || list[0].ID != "calc" {
		t.Errorf("%s - list = %+v", routingTestPrefix, resp.Result)
	}

	resp = disp.Dispatch(ctx, &ControlRequest{ID: "c", Method: "close", SurfaceID: "calc"})
	if !resp.Ok {
		t.Fatalf("%s - close failed: %+v", routingTestPrefix, resp.Error)
	}
	for _, method := range []string{"close", "describe", "waitReady", "request"} {
		resp = disp.Dispatch(ctx, &ControlRequest{ID: method, Method: method, SurfaceID: "calc", Type: "double"})
		if resp.Ok || resp.Error.Code != CodeNotFound {
			t.Errorf("%s - %s after close = %+v, want NOT_FOUND", routingTestPrefix, method, resp.Error)
		}
	}
}

func TestDispatch_SendBeforeHandshakeIsQueued(t *testing.T) {
	disp, reg := newRouting(t, nil)
	pipe := memchan.NewPipe()
	defer pipe.Close()
	if _, err := reg.Open(context.Background(), surface.OpenParams{ID: "late", Channel: pipe.Host()}); err != nil {
		t.Fatalf("%s - Open failed: %v", routingTestPrefix, err)
	}

	resp := disp.Dispatch(context.Background(), &ControlRequest{ID: "s", Method: "send", SurfaceID: "late", Type: "note"})
	if !resp.Ok || !resp.Result.(*SendResult).Queued {
		t.Errorf("%s - send before handshake = %+v", routingTestPrefix, resp)
	}
}

func TestDispatch_OpenOverNATS(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: 14331, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", routingTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", routingTestPrefix)
	}
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()
	hostConn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - connect failed: %v", routingTestPrefix, err)
	}
	defer hostConn.Close()
	clientConn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - connect failed: %v", routingTestPrefix, err)
	}
	defer clientConn.Close()

	disp, _ := newRouting(t, hostConn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := disp.Dispatch(ctx, &ControlRequest{ID: "o", Method: "open", SurfaceID: "remote.panel"})
	if !resp.Ok {
		t.Fatalf("%s - open failed: %+v", routingTestPrefix, resp.Error)
	}
	opened := resp.Result.(*OpenResult)
	if opened.ToHost != "surface.remote_panel.to-host" || opened.ToClient != "surface.remote_panel.to-client" {
		t.Errorf("%s - open result = %+v", routingTestPrefix, opened)
	}
	if resp := disp.Dispatch(ctx, &ControlRequest{ID: "o2", Method: "open", SurfaceID: "remote.panel"}); resp.Ok || resp.Error.Code != CodeAlreadyExists {
		t.Errorf("%s - second open = %+v, want ALREADY_EXISTS", routingTestPrefix, resp.Error)
	}

	client, err := comms.NewClientBridge(natschan.NewClientPort(clientConn, "", "remote.panel"), quietOptions())
	if err != nil {
		t.Fatalf("%s - NewClientBridge failed: %v", routingTestPrefix, err)
	}
	defer client.Dispose()
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("%s - client WaitReady: %v", routingTestPrefix, err)
	}
	raw, err := client.Request(ctx, "echo", "ping")
	if err != nil || string(raw) != `"ping"` {
		t.Errorf("%s - echo = %s, %v", routingTestPrefix, raw, err)
	}
}
