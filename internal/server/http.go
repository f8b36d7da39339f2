package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/webview-comms/pkg/channel/wschan"
	"github.com/morezero/webview-comms/pkg/commsutil"
	"github.com/morezero/webview-comms/pkg/dispatcher"
	"github.com/morezero/webview-comms/pkg/events"
	"github.com/morezero/webview-comms/pkg/surface"
)

// HealthOutput is the body of GET /health.
type HealthOutput struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Surfaces  int               `json:"surfaces"`
	Timestamp string            `json:"timestamp"`
}

// messageRequest is the body of POST /surfaces/{id}/messages.
type messageRequest struct {
	Method    string          `json:"method,omitempty"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// Handler returns the HTTP routes of the surface host.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHome())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /surfaces", s.handleList)
	mux.HandleFunc("GET /surfaces/{id}", s.handleDescribe)
	mux.HandleFunc("DELETE /surfaces/{id}", s.handleClose)
	mux.HandleFunc("POST /surfaces/{id}/messages", s.handleMessage)
	mux.HandleFunc("GET /surfaces/{id}/ws", s.handleWebsocket)
	return mux
}

// Health checks the configured dependencies. Disabled dependencies do not count.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status:    "healthy",
		Checks:    map[string]string{"nats": "disabled", "database": "disabled"},
		Surfaces:  s.reg.Len(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.nc != nil {
		out.Checks["nats"] = "ok"
		if !s.nc.IsConnected() {
			out.Checks["nats"] = "disconnected"
			out.Status = "unhealthy"
		}
	}
	if s.pool != nil {
		out.Checks["database"] = "ok"
		if err := s.pool.Ping(ctx); err != nil {
			out.Checks["database"] = err.Error()
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.recent.Recent())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.dispatchHTTP(w, r, &dispatcher.ControlRequest{Method: "list"})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	s.dispatchHTTP(w, r, &dispatcher.ControlRequest{Method: "describe", SurfaceID: s.surfaceID(r)})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.dispatchHTTP(w, r, &dispatcher.ControlRequest{Method: "close", SurfaceID: s.surfaceID(r)})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var body messageRequest
	data, err := readBody(w, r)
	if err == nil {
		err = commsutil.DecodeStrict(data, &body)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &dispatcher.ControlResponse{Ok: false, Error: &dispatcher.ErrorDetail{
			Code:    dispatcher.CodeInvalidArgument,
			Message: fmt.Sprintf("Failed to decode request: %v", err),
		}})
		return
	}
	method := body.Method
	if method == "" {
		method = "send"
	}
	switch method {
	case "send", "request", "waitReady":
	default:
		writeJSON(w, http.StatusBadRequest, &dispatcher.ControlResponse{Ok: false, Error: &dispatcher.ErrorDetail{
			Code:    dispatcher.CodeInvalidArgument,
			Message: fmt.Sprintf("Method %s is not allowed here", method),
		}})
		return
	}
	s.dispatchHTTP(w, r, &dispatcher.ControlRequest{
		Method:    method,
		SurfaceID: s.surfaceID(r),
		Type:      body.Type,
		Params:    body.Params,
		TimeoutMs: body.TimeoutMs,
	})
}

// handleWebsocket upgrades the request and opens the surface over it. The surface is
// closed when the socket goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id := s.surfaceID(r)
	if _, exists := s.reg.Get(id); exists {
		http.Error(w, fmt.Sprintf("surface %s is already open", id), http.StatusConflict)
		return
	}
	conn, err := wschan.Accept(w, r)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - websocket upgrade for %s failed: %v", logPrefix, id, err))
		return
	}
	sfc, err := s.reg.Open(s.ctx, surface.OpenParams{
		ID:        id,
		Transport: surface.TransportWebsocket,
		Channel:   conn,
		Closer:    conn,
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - open %s over websocket failed: %v", logPrefix, id, err))
		_ = conn.Close()
		return
	}
	go func() {
		<-conn.Done()
		if cur, ok := s.reg.Get(id); ok && cur == sfc {
			if err := s.reg.Close(s.ctx, id); err != nil {
				slog.Warn(fmt.Sprintf("%s - close %s after disconnect: %v", logPrefix, id, err))
			}
		}
	}()
}

// surfaceID returns the {id} path value with manifest aliases resolved.
func (s *Server) surfaceID(r *http.Request) string {
	return s.boot.ResolveAlias(r.PathValue("id"))
}

func (s *Server) dispatchHTTP(w http.ResponseWriter, r *http.Request, req *dispatcher.ControlRequest) {
	ctx, cancel := s.controlContext(r.Context(), req.TimeoutMs)
	defer cancel()
	resp := s.disp.Dispatch(ctx, req)
	writeJSON(w, statusFor(resp), resp)
}

// statusFor maps a control response onto an HTTP status.
func statusFor(resp *dispatcher.ControlResponse) int {
	if resp.Ok {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case dispatcher.CodeInvalidArgument:
		return http.StatusBadRequest
	case dispatcher.CodeNotFound:
		return http.StatusNotFound
	case dispatcher.CodeAlreadyExists, dispatcher.CodeHandshakeFailed:
		return http.StatusConflict
	case dispatcher.CodeUnavailable:
		return http.StatusServiceUnavailable
	case dispatcher.CodeTimeout:
		return http.StatusGatewayTimeout
	case dispatcher.CodeInternal:
		return http.StatusInternalServerError
	default:
		// Error reported by the surface's own handler.
		return http.StatusBadGateway
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	const maxBody = 1 << 20
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - json encode: %v", logPrefix, err))
	}
}

// homePageTemplate is the HTML for the host home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Surface Host</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    .error { color: #cc0000; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Surface Host</h1>
  <p class="meta">{{.Service}} – live surfaces and handshake state.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{range $name, $state := .Health.Checks}}<p>{{$name}}: {{$state}}</p>{{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Surfaces</h2>
    {{if not .Surfaces}}
    <p>No surfaces open.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Surface</th><th>Transport</th><th>State</th><th>State version</th><th>Queued</th><th>Pending</th><th>Opened</th></tr>
      </thead>
      <tbody>
        {{range .Surfaces}}
        <tr>
          <td>{{.ID}}</td>
          <td>{{.Transport}}</td>
          <td>{{.State}}{{if .Error}} <span class="error">{{.Error}}</span>{{end}}</td>
          <td>{{.StateVersion}}</td>
          <td>{{.Queued}}</td>
          <td>{{.Pending}}</td>
          <td>{{.OpenedAt.Format "2006-01-02 15:04:05"}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Recent events</h2>
    {{if not .Events}}
    <p>No lifecycle events yet.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Time</th><th>Surface</th><th>Event</th><th>State version</th><th>Duration</th></tr>
      </thead>
      <tbody>
        {{range .Events}}
        <tr>
          <td>{{.Timestamp}}</td>
          <td>{{.SurfaceID}}</td>
          <td>{{.Kind}}{{if .Error}} <span class="error">{{.Error}}</span>{{end}}</td>
          <td>{{.StateVersion}}</td>
          <td>{{.DurationMs}}ms</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

type homeData struct {
	Service  string
	Health   *HealthOutput
	Surfaces []surface.Info
	Events   []events.SurfaceEvent
}

// handleHome returns an HTTP handler for the host home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Service: s.cfg.COMMSName, Health: s.Health(ctx), Surfaces: s.reg.List(), Events: s.recent.Recent()}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
