package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/morezero/webview-comms/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// EventSubject overrides the global event subject (e.g. from SURFACE_EVENT_SUBJECT).
	EventSubject string
}

// CommsPublisher publishes surface lifecycle events to COMMS subjects.
type CommsPublisher struct {
	nc           *nats.Conn
	eventSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *nats.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	subject := commsutil.SubjectSurfaceEvent
	if opts != nil && opts.EventSubject != "" {
		subject = opts.EventSubject
	}
	return &CommsPublisher{nc: nc, eventSubject: subject}
}

// PublishSurfaceEvent publishes a SurfaceEvent to both the granular
// (<subject>.<surface>.<kind>) and the global event subject.
func (p *CommsPublisher) PublishSurfaceEvent(_ context.Context, event *SurfaceEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	granularSubject := commsutil.BuildEventSubject(p.eventSubject, event.SurfaceID, event.Kind)
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return err
	}

	if err := p.nc.Publish(p.eventSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.eventSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event for surface %s", commsPublisherLogPrefix, event.Kind, event.SurfaceID))
	return nil
}
