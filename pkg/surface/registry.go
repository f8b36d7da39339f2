package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/webview-comms/pkg/clock"
	"github.com/morezero/webview-comms/pkg/comms"
	"github.com/morezero/webview-comms/pkg/db"
	"github.com/morezero/webview-comms/pkg/events"
)

const logPrefix = "surface:registry"

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	// Options is the template every HostManager is built from. SurfaceID and Register
	// are filled per surface.
	Options   comms.Options
	Publisher events.EventPublisher
	// Recorder, when set, receives every handshake outcome.
	Recorder HandshakeRecorder
	// Register installs business handlers on each new host before it listens. It runs
	// with the registry locked and must not call back into it.
	Register func(surfaceID string, r comms.Registrar)
}

// Registry owns the live surfaces of a host process. Each surface id maps to exactly
// one HostManager, and each channel is owned by the surface it was opened with.
type Registry struct {
	opts      comms.Options
	publisher events.EventPublisher
	recorder  HandshakeRecorder
	register  func(surfaceID string, r comms.Registrar)
	clock     clock.Clock
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	surfaces map[string]*Surface
	closed   bool
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. Without a VersionSource in the options all
// surfaces share one in-memory counter, so a reopened surface keeps counting upward.
func NewRegistry(params NewRegistryParams) *Registry {
	opts := params.Options
	if opts.Versions == nil {
		opts.Versions = comms.NewMemoryVersions()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:      opts,
		publisher: pub,
		recorder:  params.Recorder,
		register:  params.Register,
		clock:     clk,
		ctx:       ctx,
		cancel:    cancel,
		surfaces:  make(map[string]*Surface),
	}
}

// Open creates a HostManager for p.Channel, starts listening and watches the handshake.
// The returned surface has not completed its handshake yet; wait on Host.WaitReady.
func (r *Registry) Open(ctx context.Context, p OpenParams) (*Surface, error) {
	if p.ID == "" {
		return nil, ErrInvalidID
	}
	if p.Channel == nil {
		return nil, fmt.Errorf("%s - open %q: channel is required", logPrefix, p.ID)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, ok := r.surfaces[p.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s - open %q: %w", logPrefix, p.ID, ErrSurfaceExists)
	}

	opts := r.opts
	opts.SurfaceID = p.ID
	if r.register != nil {
		id := p.ID
		opts.Register = func(reg comms.Registrar) { r.register(id, reg) }
	}
	host, err := comms.NewHostManager(p.Channel, opts)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s - open %q: %w", logPrefix, p.ID, err)
	}
	if err := host.Listen(); err != nil {
		r.mu.Unlock()
		host.Dispose()
		return nil, fmt.Errorf("%s - open %q: %w", logPrefix, p.ID, err)
	}

	s := &Surface{
		ID:        p.ID,
		Transport: p.Transport,
		OpenedAt:  r.clock.Now(),
		Host:      host,
		closer:    p.Closer,
		done:      make(chan struct{}),
	}
	r.surfaces[p.ID] = s
	r.wg.Add(1)
	r.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Opened surface %s over %s", logPrefix, p.ID, p.Transport))
	r.publish(ctx, s, events.KindOpened, nil)
	go r.watch(s)
	return s, nil
}

// Get returns the live surface with id.
func (r *Registry) Get(id string) (*Surface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[id]
	return s, ok
}

// List returns a snapshot of every live surface ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	all := make([]*Surface, 0, len(r.surfaces))
	for _, s := range r.surfaces {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live surfaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.surfaces)
}

// Send sends a fire-and-forget message to surface id.
func (r *Registry) Send(id, msgType string, payload interface{}) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%s - send to %q: %w", logPrefix, id, ErrUnknownSurface)
	}
	return s.Host.Send(msgType, payload)
}

// Request sends a request to surface id and waits for its response.
func (r *Registry) Request(ctx context.Context, id, msgType string, payload interface{}) (json.RawMessage, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s - request to %q: %w", logPrefix, id, ErrUnknownSurface)
	}
	return s.Host.Request(ctx, msgType, payload)
}

// Close disposes surface id, closes its transport and publishes a disposed event.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.surfaces[id]
	if ok {
		delete(r.surfaces, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s - close %q: %w", logPrefix, id, ErrUnknownSurface)
	}
	r.teardown(s)
	<-s.done
	r.publish(ctx, s, events.KindDisposed, nil)
	return nil
}

// CloseAll disposes every surface and rejects later Opens.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	all := make([]*Surface, 0, len(r.surfaces))
	for id, s := range r.surfaces {
		all = append(all, s)
		delete(r.surfaces, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.teardown(s)
		<-s.done
		r.publish(ctx, s, events.KindDisposed, nil)
	}
	r.wg.Wait()
	r.cancel()
	slog.Info(fmt.Sprintf("%s - Closed %d surfaces", logPrefix, len(all)))
}

// watch reports the handshake outcome of s. A failed surface is removed from the
// registry; its host is already inert.
func (r *Registry) watch(s *Surface) {
	defer r.wg.Done()
	defer close(s.done)

	err := s.Host.WaitReady(r.ctx)
	if errors.Is(err, comms.ErrDisposed) || errors.Is(err, context.Canceled) {
		return
	}
	elapsed := r.clock.Now().Sub(s.OpenedAt)

	if err == nil {
		version := s.Host.StateVersion()
		slog.Info(fmt.Sprintf("%s - Surface %s ready (state version %d, %v)", logPrefix, s.ID, version, elapsed))
		r.publish(r.ctx, s, events.KindHandshakeComplete, func(e *events.SurfaceEvent) {
			e.StateVersion = version
			e.DurationMs = elapsed.Milliseconds()
		})
		r.record(db.HandshakeRecord{SurfaceID: s.ID, Outcome: db.OutcomeComplete, StateVersion: &version, DurationMs: elapsed.Milliseconds()})
		return
	}

	slog.Warn(fmt.Sprintf("%s - Surface %s failed its handshake: %v", logPrefix, s.ID, err))
	r.publish(r.ctx, s, events.KindHandshakeFailed, func(e *events.SurfaceEvent) {
		e.Error = err.Error()
		e.DurationMs = elapsed.Milliseconds()
	})
	r.record(db.HandshakeRecord{SurfaceID: s.ID, Outcome: db.OutcomeFailed, Error: err.Error(), DurationMs: elapsed.Milliseconds()})

	r.mu.Lock()
	if r.surfaces[s.ID] == s {
		delete(r.surfaces, s.ID)
	}
	r.mu.Unlock()
	r.teardown(s)
}

func (r *Registry) teardown(s *Surface) {
	s.Host.Dispose()
	if s.closer == nil {
		return
	}
	if err := s.closer.Close(); err != nil {
		slog.Warn(fmt.Sprintf("%s - Closing transport of %s: %v", logPrefix, s.ID, err))
	}
}

func (r *Registry) publish(ctx context.Context, s *Surface, kind string, fill func(e *events.SurfaceEvent)) {
	event := &events.SurfaceEvent{
		SurfaceID: s.ID,
		Kind:      kind,
		Transport: s.Transport,
		Timestamp: r.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if fill != nil {
		fill(event)
	}
	if err := r.publisher.PublishSurfaceEvent(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to publish %s for %s: %v", logPrefix, kind, s.ID, err))
	}
}

func (r *Registry) record(rec db.HandshakeRecord) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordHandshake(r.ctx, rec); err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to record handshake of %s: %v", logPrefix, rec.SurfaceID, err))
	}
}
