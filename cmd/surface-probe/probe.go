package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/morezero/webview-comms/pkg/channel/natschan"
	"github.com/morezero/webview-comms/pkg/channel/wschan"
	"github.com/morezero/webview-comms/pkg/comms"
	"github.com/morezero/webview-comms/pkg/commsutil"
	"github.com/morezero/webview-comms/pkg/dispatcher"
)

const (
	probeLogPrefix = "surface-probe:probe"

	// requestTypeHostInfo is answered by every surface host.
	requestTypeHostInfo = "host.info"
	// requestTypeProbeTitle lets the host exercise a request toward the probe.
	requestTypeProbeTitle = "title"
)

// probeConfig is loaded from the environment; the transport and surface id may also come from args.
type probeConfig struct {
	Transport      string        `envconfig:"PROBE_TRANSPORT" default:"ws"`
	SurfaceID      string        `envconfig:"PROBE_SURFACE_ID" default:"probe"`
	HostURL        string        `envconfig:"PROBE_HOST_URL" default:"ws://127.0.0.1:8080"`
	COMMSURL       string        `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	ControlSubject string        `envconfig:"SURFACE_CONTROL_SUBJECT" default:"surface.control"`
	SubjectPrefix  string        `envconfig:"SURFACE_SUBJECT_PREFIX" default:"surface"`
	Timeout        time.Duration `envconfig:"PROBE_TIMEOUT" default:"15s"`
	Verbose        bool          `envconfig:"ENABLE_PROTOCOL_LOGGING" default:"false"`
}

// Report is printed as JSON after a probe run.
type Report struct {
	SurfaceID     string          `json:"surfaceId"`
	Transport     string          `json:"transport"`
	HandshakeMs   int64           `json:"handshakeMs"`
	ReadyAttempts int             `json:"readyAttempts"`
	StateVersion  int64           `json:"stateVersion"`
	RequestMs     int64           `json:"requestMs"`
	HostInfo      json.RawMessage `json:"hostInfo,omitempty"`
}

// probe dials the host, completes the handshake as a client and performs one host.info request.
func probe(ctx context.Context, cfg *probeConfig) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ch, cleanup, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	opts := comms.DefaultOptions()
	opts.SurfaceID = cfg.SurfaceID
	opts.EnableLogging = cfg.Verbose
	opts.Register = func(r comms.Registrar) {
		r.OnRequest(requestTypeProbeTitle, func(context.Context, json.RawMessage) (interface{}, error) {
			return "surface-probe", nil
		})
	}

	start := time.Now()
	client, err := comms.NewClientBridge(ch, opts)
	if err != nil {
		return nil, fmt.Errorf("%s - create client: %w", probeLogPrefix, err)
	}
	defer client.Dispose()

	if err := client.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("%s - handshake with %s: %w", probeLogPrefix, cfg.SurfaceID, err)
	}
	report := &Report{
		SurfaceID:     cfg.SurfaceID,
		Transport:     cfg.Transport,
		HandshakeMs:   time.Since(start).Milliseconds(),
		ReadyAttempts: client.ReadyAttempts(),
		StateVersion:  client.StateVersion(),
	}
	slog.Info(fmt.Sprintf("%s - Handshake with %s complete in %dms (state version %d)", probeLogPrefix, cfg.SurfaceID, report.HandshakeMs, report.StateVersion))

	start = time.Now()
	info, err := client.Request(ctx, requestTypeHostInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - %s request: %w", probeLogPrefix, requestTypeHostInfo, err)
	}
	report.RequestMs = time.Since(start).Milliseconds()
	report.HostInfo = info
	return report, nil
}

// connect returns the client side channel for cfg.Transport and a func that releases it.
func connect(ctx context.Context, cfg *probeConfig) (comms.Channel, func(), error) {
	switch cfg.Transport {
	case "ws":
		url := strings.TrimRight(cfg.HostURL, "/") + "/surfaces/" + cfg.SurfaceID + "/ws"
		conn, err := wschan.Dial(ctx, url, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%s - dial %s: %w", probeLogPrefix, url, err)
		}
		return conn, func() { _ = conn.Close() }, nil
	case "nats":
		nc, err := commsutil.Connect(cfg.COMMSURL, "surface-probe")
		if err != nil {
			return nil, nil, err
		}
		if err := controlCall(ctx, nc, cfg.ControlSubject, &dispatcher.ControlRequest{Method: "open", SurfaceID: cfg.SurfaceID}); err != nil {
			nc.Close()
			return nil, nil, err
		}
		cleanup := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := controlCall(closeCtx, nc, cfg.ControlSubject, &dispatcher.ControlRequest{Method: "close", SurfaceID: cfg.SurfaceID}); err != nil {
				slog.Warn(fmt.Sprintf("%s - close %s: %v", probeLogPrefix, cfg.SurfaceID, err))
			}
			nc.Close()
		}
		return natschan.NewClientPort(nc, cfg.SubjectPrefix, cfg.SurfaceID), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("%s - unknown transport %q (use ws or nats)", probeLogPrefix, cfg.Transport)
	}
}

// controlCall sends req on the host's control subject and fails on a negative response.
func controlCall(ctx context.Context, nc *nats.Conn, subject string, req *dispatcher.ControlRequest) error {
	req.ID = uuid.New().String()
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s - marshal %s: %w", probeLogPrefix, req.Method, err)
	}
	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("%s - %s on %s: %w", probeLogPrefix, req.Method, subject, err)
	}
	var resp dispatcher.ControlResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("%s - decode %s response: %w", probeLogPrefix, req.Method, err)
	}
	if !resp.Ok {
		if resp.Error == nil {
			return fmt.Errorf("%s - %s failed", probeLogPrefix, req.Method)
		}
		return fmt.Errorf("%s - %s failed: %s: %s", probeLogPrefix, req.Method, resp.Error.Code, resp.Error.Message)
	}
	return nil
}

func writeReport(out io.Writer, r *Report) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
