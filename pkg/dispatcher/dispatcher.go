package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/morezero/webview-comms/pkg/channel/natschan"
	"github.com/morezero/webview-comms/pkg/comms"
	"github.com/morezero/webview-comms/pkg/surface"
)

const logPrefix = "dispatcher:dispatch"

// Error codes returned in ErrorDetail.Code.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyExists   = "ALREADY_EXISTS"
	CodeUnavailable     = "UNAVAILABLE"
	CodeTimeout         = "TIMEOUT"
	CodeHandshakeFailed = "HANDSHAKE_FAILED"
	CodeMethodNotFound  = "METHOD_NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// Surfaces is the registry surface the dispatcher drives. *surface.Registry implements it.
type Surfaces interface {
	Open(ctx context.Context, p surface.OpenParams) (*surface.Surface, error)
	Close(ctx context.Context, id string) error
	Get(id string) (*surface.Surface, bool)
	List() []surface.Info
	Send(id, msgType string, payload interface{}) error
	Request(ctx context.Context, id, msgType string, payload interface{}) (json.RawMessage, error)
}

// Dispatcher routes control requests to registry methods.
type Dispatcher struct {
	surfaces      Surfaces
	nc            *nats.Conn
	subjectPrefix string
}

// NewDispatcher creates a new Dispatcher. nc may be nil, in which case "open" is
// unavailable (websocket surfaces are opened by the HTTP upgrade instead).
func NewDispatcher(surfaces Surfaces, nc *nats.Conn, subjectPrefix string) *Dispatcher {
	return &Dispatcher{surfaces: surfaces, nc: nc, subjectPrefix: subjectPrefix}
}

// Dispatch routes a request to the appropriate registry method and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *ControlRequest) *ControlResponse {
	slog.Debug(fmt.Sprintf("%s - method=%s surface=%s id=%s", logPrefix, req.Method, req.SurfaceID, req.ID))

	switch req.Method {
	case "open":
		return d.handleOpen(ctx, req)
	case "close":
		return d.handleClose(ctx, req)
	case "list":
		return &ControlResponse{ID: req.ID, Ok: true, Result: d.surfaces.List()}
	case "describe":
		return d.handleDescribe(req)
	case "waitReady":
		return d.handleWaitReady(ctx, req)
	case "send":
		return d.handleSend(req)
	case "request":
		return d.handleRequest(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

func (d *Dispatcher) handleOpen(ctx context.Context, req *ControlRequest) *ControlResponse {
	if req.SurfaceID == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "surfaceId is required", false)
	}
	if d.nc == nil {
		return errorResponse(req.ID, CodeUnavailable, "NATS transport is not configured", false)
	}
	port := natschan.NewHostPort(d.nc, d.subjectPrefix, req.SurfaceID)
	if _, err := d.surfaces.Open(ctx, surface.OpenParams{
		ID:        req.SurfaceID,
		Transport: surface.TransportNATS,
		Channel:   port,
	}); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: &OpenResult{
		SurfaceID: req.SurfaceID,
		Transport: surface.TransportNATS,
		ToHost:    port.ListenSubject(),
		ToClient:  port.PublishSubject(),
	}}
}

func (d *Dispatcher) handleClose(ctx context.Context, req *ControlRequest) *ControlResponse {
	if err := d.surfaces.Close(ctx, req.SurfaceID); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &ControlResponse{ID: req.ID, Ok: true}
}

func (d *Dispatcher) handleDescribe(req *ControlRequest) *ControlResponse {
	for _, info := range d.surfaces.List() {
		if info.ID == req.SurfaceID {
			return &ControlResponse{ID: req.ID, Ok: true, Result: info}
		}
	}
	return errorToResponse(req.ID, surface.ErrUnknownSurface)
}

func (d *Dispatcher) handleWaitReady(ctx context.Context, req *ControlRequest) *ControlResponse {
	s, ok := d.surfaces.Get(req.SurfaceID)
	if !ok {
		return errorToResponse(req.ID, surface.ErrUnknownSurface)
	}
	if err := s.Host.WaitReady(ctx); err != nil {
		return errorToResponse(req.ID, err)
	}
	return d.handleDescribe(req)
}

func (d *Dispatcher) handleSend(req *ControlRequest) *ControlResponse {
	if req.Type == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "type is required", false)
	}
	if err := d.surfaces.Send(req.SurfaceID, req.Type, req.Params); err != nil {
		return errorToResponse(req.ID, err)
	}
	queued := true
	if s, ok := d.surfaces.Get(req.SurfaceID); ok {
		queued = s.Host.State() != comms.Complete
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: &SendResult{Queued: queued}}
}

func (d *Dispatcher) handleRequest(ctx context.Context, req *ControlRequest) *ControlResponse {
	if req.Type == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "type is required", false)
	}
	result, err := d.surfaces.Request(ctx, req.SurfaceID, req.Type, req.Params)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &ControlResponse{ID: req.ID, Ok: true, Result: result}
}

// --- helpers ---

func errorResponse(id, code, message string, retryable bool) *ControlResponse {
	return &ControlResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func errorToResponse(id string, err error) *ControlResponse {
	var (
		remote    *comms.RemoteError
		reqTO     *comms.RequestTimeoutError
		handTO    *comms.HandshakeTimeoutError
		protocol  *comms.IncompatibleProtocolError
		handshake *comms.HandshakeFailedError
	)
	switch {
	case errors.As(err, &remote):
		return &ControlResponse{ID: id, Ok: false, Error: &ErrorDetail{
			Code:      remote.Code,
			Message:   remote.Message,
			Retryable: remote.Retryable,
		}}
	case errors.As(err, &reqTO):
		return &ControlResponse{ID: id, Ok: false, Error: &ErrorDetail{
			Code:      CodeTimeout,
			Message:   err.Error(),
			Details:   map[string]interface{}{"attempts": reqTO.Attempts},
			Retryable: true,
		}}
	case errors.As(err, &handTO), errors.As(err, &protocol), errors.As(err, &handshake):
		return errorResponse(id, CodeHandshakeFailed, err.Error(), false)
	case errors.Is(err, surface.ErrUnknownSurface):
		return errorResponse(id, CodeNotFound, err.Error(), false)
	case errors.Is(err, surface.ErrSurfaceExists):
		return errorResponse(id, CodeAlreadyExists, err.Error(), false)
	case errors.Is(err, surface.ErrInvalidID), errors.Is(err, comms.ErrReservedType):
		return errorResponse(id, CodeInvalidArgument, err.Error(), false)
	case errors.Is(err, surface.ErrRegistryClosed), errors.Is(err, comms.ErrDisposed):
		return errorResponse(id, CodeUnavailable, err.Error(), true)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errorResponse(id, CodeTimeout, err.Error(), true)
	}
	return errorResponse(id, CodeInternal, err.Error(), true)
}
