// Package surface keeps one HostManager per live surface and announces their lifecycle.
package surface

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/morezero/webview-comms/pkg/comms"
	"github.com/morezero/webview-comms/pkg/db"
)

// Transport labels used in events and listings.
const (
	TransportNATS      = "nats"
	TransportWebsocket = "websocket"
	TransportMemory    = "memory"
)

var (
	// ErrSurfaceExists is returned when opening an id that already has a live host.
	ErrSurfaceExists = errors.New("surface: already open")
	// ErrUnknownSurface is returned for ids the registry does not hold.
	ErrUnknownSurface = errors.New("surface: not open")
	// ErrInvalidID is returned for empty surface ids.
	ErrInvalidID = errors.New("surface: id is required")
	// ErrRegistryClosed is returned by Open after Close.
	ErrRegistryClosed = errors.New("surface: registry closed")
)

// HandshakeRecorder stores handshake outcomes. *db.VersionRepository implements it.
type HandshakeRecorder interface {
	RecordHandshake(ctx context.Context, rec db.HandshakeRecord) error
}

// OpenParams describes a surface channel handed to the registry.
type OpenParams struct {
	ID        string
	Transport string
	Channel   comms.Channel
	// Closer, when set, is closed after the host is disposed (e.g. the websocket).
	Closer io.Closer
}

// Info is a snapshot of one surface.
type Info struct {
	ID           string    `json:"id"`
	Transport    string    `json:"transport"`
	State        string    `json:"state"`
	StateVersion int64     `json:"stateVersion,omitempty"`
	Error        string    `json:"error,omitempty"`
	Pending      int       `json:"pending"`
	Queued       int       `json:"queued"`
	OpenedAt     time.Time `json:"openedAt"`
}

// Surface is a live surface owned by the registry.
type Surface struct {
	ID        string
	Transport string
	OpenedAt  time.Time
	Host      *comms.HostManager

	closer io.Closer
	done   chan struct{}
}

// Done is closed once the lifecycle watcher of the surface has finished.
func (s *Surface) Done() <-chan struct{} {
	return s.done
}

func (s *Surface) info() Info {
	in := Info{
		ID:           s.ID,
		Transport:    s.Transport,
		State:        s.Host.State().String(),
		StateVersion: s.Host.StateVersion(),
		Pending:      s.Host.PendingCount(),
		Queued:       s.Host.QueueLen(),
		OpenedAt:     s.OpenedAt,
	}
	if err := s.Host.Err(); err != nil {
		in.State = "FAILED"
		in.Error = err.Error()
	}
	return in
}
