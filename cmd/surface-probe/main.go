// Package main is a diagnostic client for a running surface host: it opens a surface, completes
// the handshake as the client side and reports timings.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
)

const usage = `Usage: surface-probe [ws|nats] [surface-id]

Connects to a surface host as a client, waits for handshake-complete and calls host.info.
  ws    Dial PROBE_HOST_URL/surfaces/<surface-id>/ws (default).
  nats  Open the surface via SURFACE_CONTROL_SUBJECT on COMMS_URL, then use surface.<id>.to-host|to-client.

Environment: PROBE_TRANSPORT, PROBE_SURFACE_ID, PROBE_HOST_URL (default ws://127.0.0.1:8080),
COMMS_URL, SURFACE_CONTROL_SUBJECT, SURFACE_SUBJECT_PREFIX, PROBE_TIMEOUT (default 15s),
ENABLE_PROTOCOL_LOGGING.
`

func main() {
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "help" || args[0] == "-h" || args[0] == "--help") {
		fmt.Print(usage)
		return
	}

	var cfg probeConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("surface-probe: load config: %v", err)
	}
	applyArgs(&cfg, args)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := probe(ctx, &cfg)
	if err != nil {
		log.Fatalf("surface-probe: %v", err)
	}
	if err := writeReport(os.Stdout, report); err != nil {
		log.Fatalf("surface-probe: %v", err)
	}
}

// applyArgs lets positional args override the transport and surface id.
func applyArgs(cfg *probeConfig, args []string) {
	if len(args) > 0 && args[0] != "" {
		cfg.Transport = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		cfg.SurfaceID = args[1]
	}
}
