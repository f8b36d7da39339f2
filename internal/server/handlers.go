package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/webview-comms/pkg/comms"
)

const handlersLogPrefix = "server:handlers"

// Message types every hosted surface can use.
const (
	TypeHostInfo = "host.info"
	TypeHostLog  = "host.log"
)

// HostInfo answers host.info.
type HostInfo struct {
	SurfaceID       string `json:"surfaceId"`
	Service         string `json:"service"`
	ProtocolVersion string `json:"protocolVersion"`
	Time            string `json:"time"`
}

// LogLine is the payload of host.log: a surface forwarding its console output.
type LogLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// hostHandlers returns the Register hook installing the built-in handlers on each surface.
func hostHandlers(service string) func(surfaceID string, r comms.Registrar) {
	return func(surfaceID string, r comms.Registrar) {
		r.OnRequest(TypeHostInfo, func(context.Context, json.RawMessage) (interface{}, error) {
			return &HostInfo{
				SurfaceID:       surfaceID,
				Service:         service,
				ProtocolVersion: comms.ProtocolVersion,
				Time:            time.Now().UTC().Format(time.RFC3339),
			}, nil
		})
		r.OnMessage(TypeHostLog, func(payload json.RawMessage) {
			var line LogLine
			if err := json.Unmarshal(payload, &line); err != nil {
				slog.Warn(fmt.Sprintf("%s - [%s] undecodable log line: %v", handlersLogPrefix, surfaceID, err))
				return
			}
			msg := fmt.Sprintf("%s - [%s] %s", handlersLogPrefix, surfaceID, line.Message)
			slog.Log(context.Background(), ParseLogLevel(line.Level), msg)
		})
	}
}
