// Package server orchestrates all components: NATS client, DB, surface registry, control dispatcher, HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/webview-comms/internal/config"
	"github.com/morezero/webview-comms/pkg/bootstrap"
	"github.com/morezero/webview-comms/pkg/commsutil"
	"github.com/morezero/webview-comms/pkg/db"
	"github.com/morezero/webview-comms/pkg/dispatcher"
	"github.com/morezero/webview-comms/pkg/events"
	"github.com/morezero/webview-comms/pkg/surface"
)

const (
	logPrefix = "server:server"

	shutdownTimeout = 10 * time.Second

	// recentEvents is how many lifecycle events GET /events and the home page show.
	recentEvents = 50
)

// Server is the surface-host orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *nats.Conn
	pool       *pgxpool.Pool
	reg        *surface.Registry
	disp       *dispatcher.Dispatcher
	httpServer *http.Server
	controlSub *nats.Subscription
	recent     *events.RecentPublisher
	boot       *bootstrap.ResolvedBootstrap

	// ctx outlives individual HTTP requests; surfaces opened over websocket use it.
	ctx    context.Context
	cancel context.CancelFunc
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLogLevel(cfg.LogLevel)})))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting surface-host", logPrefix))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, cfg.ListenAddr(), err)
	}
	return s.Serve(ctx, ln)
}

// ParseLogLevel maps LOG_LEVEL onto slog levels; unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New connects NATS and Postgres when configured and builds the surface registry.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	var nc *nats.Conn
	if cfg.COMMSURL != "" {
		conn, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		nc = conn
	} else {
		slog.Warn(fmt.Sprintf("%s - COMMS_URL empty, NATS transport and events disabled", logPrefix))
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			closeConn(nc)
			return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		pool = p

		if cfg.RunMigrations {
			migrations, err := db.LoadMigrations(cfg.MigrationPath)
			if err != nil {
				pool.Close()
				closeConn(nc)
				return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if _, err := db.RunMigrations(ctx, pool, migrations); err != nil {
				pool.Close()
				closeConn(nc)
				return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL empty, state versions kept in memory", logPrefix))
	}

	manifest, err := bootstrap.LoadBootstrapConfig(cfg.BootstrapFile)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		closeConn(nc)
		return nil, err
	}

	s := newServer(cfg, nc, pool)
	s.boot = bootstrap.CreateResolvedBootstrap(manifest)
	return s, nil
}

// newServer wires the registry and dispatcher over already established connections.
// nc and pool may be nil.
func newServer(cfg *config.Config, nc *nats.Conn, pool *pgxpool.Pool) *Server {
	opts := cfg.CommsOptions()
	params := surface.NewRegistryParams{
		Options:  opts,
		Register: hostHandlers(cfg.COMMSName),
	}
	if pool != nil {
		repo := db.NewVersionRepository(pool)
		params.Options.Versions = repo
		params.Recorder = repo
	}
	recent := events.NewRecentPublisher(recentEvents)
	publishers := events.MultiPublisher{recent}
	if nc != nil {
		publishers = append(publishers, events.NewCommsPublisher(nc, &events.CommsPublisherOpts{EventSubject: cfg.SurfaceEventSubject}))
	}
	params.Publisher = publishers
	reg := surface.NewRegistry(params)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		nc:     nc,
		pool:   pool,
		reg:    reg,
		recent: recent,
		disp:   dispatcher.NewDispatcher(reg, nc, cfg.SurfaceSubjectPrefix),
		boot:   bootstrap.CreateResolvedBootstrap(bootstrap.GetDefaultBootstrapConfig()),
		ctx:    ctx,
		cancel: cancel,
	}
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Serve subscribes the control subject and serves HTTP on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.nc != nil {
		sub, err := s.nc.Subscribe(s.cfg.ControlSubject, s.handleControlMsg)
		if err != nil {
			return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, s.cfg.ControlSubject, err)
		}
		s.controlSub = sub
		if err := s.nc.Flush(); err != nil {
			return fmt.Errorf("%s - failed to flush subscription: %w", logPrefix, err)
		}
		slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, s.cfg.ControlSubject))
	}
	if err := s.openManifestSurfaces(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, ln.Addr()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info(fmt.Sprintf("%s - Shutting down", logPrefix))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	slog.Info(fmt.Sprintf("%s - Surface-host is ready", logPrefix))
	return g.Wait()
}

// Close disposes every surface and releases connections.
func (s *Server) Close() {
	if s.controlSub != nil {
		_ = s.controlSub.Unsubscribe()
	}
	s.reg.CloseAll(context.Background())
	s.cancel()
	if s.nc != nil {
		_ = s.nc.Drain()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
}

// Registry returns the surface registry.
func (s *Server) Registry() *surface.Registry {
	return s.reg
}

func (s *Server) handleControlMsg(msg *nats.Msg) {
	var req dispatcher.ControlRequest
	if err := commsutil.DecodeStrict(msg.Data, &req); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode control request: %v", logPrefix, err))
		s.respond(msg, &dispatcher.ControlResponse{
			Ok: false,
			Error: &dispatcher.ErrorDetail{
				Code:    dispatcher.CodeInvalidArgument,
				Message: "Failed to decode request",
			},
		})
		return
	}

	req.SurfaceID = s.boot.ResolveAlias(req.SurfaceID)

	// Serve off the subscription goroutine: requests wait on surface round trips.
	go func() {
		reqCtx, cancel := s.controlContext(s.ctx, req.TimeoutMs)
		defer cancel()
		s.respond(msg, s.disp.Dispatch(reqCtx, &req))
	}()
}

// openManifestSurfaces opens the NATS surfaces listed in the surface manifest. Only a
// required surface failing to open is fatal.
func (s *Server) openManifestSurfaces(ctx context.Context) error {
	for _, id := range s.boot.IDs() {
		entry := s.boot.Get(id)
		reqCtx, cancel := s.controlContext(ctx, 0)
		resp := s.disp.Dispatch(reqCtx, &dispatcher.ControlRequest{Method: "open", SurfaceID: id})
		cancel()
		if resp.Ok {
			slog.Info(fmt.Sprintf("%s - Opened manifest surface %s", logPrefix, id))
			continue
		}
		if entry.Required {
			return fmt.Errorf("%s - failed to open required surface %s: %s: %s", logPrefix, id, resp.Error.Code, resp.Error.Message)
		}
		slog.Warn(fmt.Sprintf("%s - failed to open surface %s: %s", logPrefix, id, resp.Error.Message))
	}
	return nil
}

// controlContext bounds a control request by CONTROL_REQUEST_TIMEOUT, or by the caller's
// timeoutMs when that is shorter.
func (s *Server) controlContext(parent context.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	timeout := s.cfg.ControlTimeout
	if timeoutMs > 0 && time.Duration(timeoutMs)*time.Millisecond < timeout {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return context.WithTimeout(parent, timeout)
}

func (s *Server) respond(msg *nats.Msg, resp *dispatcher.ControlResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}

func closeConn(nc *nats.Conn) {
	if nc != nil {
		nc.Close()
	}
}
