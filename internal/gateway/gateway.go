// ABOUTME: Process wiring for botfleet: store, registries, supervisor, lifecycle and resume
// ABOUTME: Runs the expiry sweep and the health/metrics HTTP server under one errgroup

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/2389/botfleet/internal/broadcast"
	"github.com/2389/botfleet/internal/capacity"
	"github.com/2389/botfleet/internal/clock"
	"github.com/2389/botfleet/internal/config"
	"github.com/2389/botfleet/internal/fleet"
	"github.com/2389/botfleet/internal/identity"
	"github.com/2389/botfleet/internal/lifecycle"
	"github.com/2389/botfleet/internal/metrics"
	"github.com/2389/botfleet/internal/resume"
	"github.com/2389/botfleet/internal/scheduler"
	"github.com/2389/botfleet/internal/session"
	"github.com/2389/botfleet/internal/store"
	"github.com/2389/botfleet/internal/supervisor"
	"github.com/2389/botfleet/internal/tenant"
)

const shutdownTimeout = 10 * time.Second

// Gateway owns every long-lived component of a botfleet process.
type Gateway struct {
	config   *config.Config
	store    store.Store
	registry *prometheus.Registry
	logger   *slog.Logger

	broadcaster *broadcast.Broadcaster
	scheduler   *scheduler.Scheduler
	supervisor  *supervisor.Supervisor
	tenants     *tenant.Registry
	identities  *identity.Registry
	capacity    *capacity.Orchestrator
	lifecycle   *lifecycle.Machine
	resume      *resume.Coordinator
	sweeper     *lifecycle.Sweeper
	fleet       *fleet.Service

	httpServer *http.Server

	ready        atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customises New.
type Option func(*options)

type options struct {
	dialer session.Dialer
	clock  clock.Clock
}

// WithDialer replaces the session dialer chosen from session.bridge_url.
func WithDialer(d session.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClock replaces the wall clock used for timers and approval dates.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// initStore opens the SQLite store at the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func selectDialer(cfg *config.Config, logger *slog.Logger) session.Dialer {
	if cfg.Session.BridgeURL == "" {
		logger.Warn("session.bridge_url not set, using in-process loopback sessions")
		return session.NewLoopback()
	}
	return session.NewWebSocketDialer(cfg.Session.BridgeURL, cfg.Session.SendTimeout, logger)
}

// New creates a Gateway with all components wired but nothing started.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.dialer == nil {
		o.dialer = selectDialer(cfg, logger)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: reg,
		logger:   logger.With("component", "gateway"),
	}

	gw.broadcaster = broadcast.New(logger)
	gw.scheduler = scheduler.New(o.clock, logger)
	gw.supervisor = supervisor.New(supervisor.Config{
		Dialer:         o.dialer,
		Store:          s,
		Publisher:      gw.broadcaster,
		Clock:          o.clock,
		Metrics:        m,
		Logger:         logger,
		ConnectTimeout: cfg.Session.ConnectTimeout,
	})
	gw.tenants = tenant.NewRegistry(s, logger)
	gw.identities = identity.NewRegistry(s, logger)
	gw.capacity = capacity.New(capacity.Config{
		Tenants:    gw.tenants,
		Identities: gw.identities,
		Store:      s,
		Metrics:    m,
		Logger:     logger,
	})
	gw.lifecycle = lifecycle.New(lifecycle.Config{
		Store:      s,
		Identities: gw.identities,
		Supervisor: gw.supervisor,
		Scheduler:  gw.scheduler,
		Publisher:  gw.broadcaster,
		Clock:      o.clock,
		Locks:      gw.capacity.Locks(),
		Metrics:    m,
		Logger:     logger,
	})
	gw.resume = resume.New(resume.Config{
		Store:       s,
		Supervisor:  gw.supervisor,
		Lifecycle:   gw.lifecycle,
		Scheduler:   gw.scheduler,
		Broadcaster: gw.broadcaster,
		Metrics:     m,
		Logger:      logger,
		Stagger:     cfg.Resume.StaggerInterval,
		Grace:       cfg.Resume.GracePeriod,
	})
	gw.sweeper, err = lifecycle.NewSweeper(gw.lifecycle, cfg.Expiry.Schedule, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating expiry sweeper: %w", err)
	}
	gw.fleet = fleet.New(fleet.Config{
		Scope:      tenantContext(cfg.Tenant),
		Store:      s,
		Tenants:    gw.tenants,
		Identities: gw.identities,
		Capacity:   gw.capacity,
		Lifecycle:  gw.lifecycle,
		Supervisor: gw.supervisor,
		Publisher:  gw.broadcaster,
		Logger:     logger,
	})

	if cfg.Metrics.Enabled {
		gw.httpServer = &http.Server{
			Addr:              cfg.Metrics.HTTPAddr,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return gw, nil
}

func tenantContext(tc config.TenantConfig) tenant.Context {
	return tenant.Context{Name: tc.Name, DefaultCapacity: tc.MaxCapacity}
}

// Fleet returns the request-facing service.
func (g *Gateway) Fleet() *fleet.Service { return g.fleet }

// Broadcaster returns the event broadcaster.
func (g *Gateway) Broadcaster() *broadcast.Broadcaster { return g.broadcaster }

// Handler returns the health, readiness and metrics routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ready", g.handleReady)
	mux.Handle(g.config.Metrics.Path, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{Registry: g.registry}))
	return mux
}

// Bootstrap asserts every configured tenant so registrations see the
// declared capacity.
func (g *Gateway) Bootstrap(ctx context.Context) error {
	for _, tc := range g.config.AllTenants() {
		t, err := g.tenants.Assert(ctx, tenantContext(tc))
		if err != nil {
			return fmt.Errorf("asserting tenant %s: %w", tc.Name, err)
		}
		if err := g.describe(ctx, t, tc); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTenants creates any configured tenant that is missing and leaves
// existing ones untouched, so admin changes survive one-shot commands.
func (g *Gateway) EnsureTenants(ctx context.Context) error {
	for _, tc := range g.config.AllTenants() {
		t, err := g.tenants.Ensure(ctx, tenantContext(tc))
		if err != nil {
			return fmt.Errorf("ensuring tenant %s: %w", tc.Name, err)
		}
		if t.Description == "" {
			if err := g.describe(ctx, t, tc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Gateway) describe(ctx context.Context, t *store.Tenant, tc config.TenantConfig) error {
	if tc.Description == "" || tc.Description == t.Description {
		return nil
	}
	if _, err := g.tenants.Describe(ctx, tc.Name, tc.Description, store.ActorSystem); err != nil {
		return fmt.Errorf("describing tenant %s: %w", tc.Name, err)
	}
	return nil
}

// boot asserts tenants, expires stale approvals and schedules the resume of
// hosted bots. Expiry runs first so a lapsed bot is never reconnected.
func (g *Gateway) boot(ctx context.Context) error {
	if err := g.Bootstrap(ctx); err != nil {
		return err
	}
	g.sweeper.RunOnce(ctx)

	if g.config.Resume.IsEnabled() {
		hosted := make([]string, 0, 1+len(g.config.HostedTenants))
		for _, tc := range g.config.AllTenants() {
			hosted = append(hosted, tc.Name)
		}
		n, err := g.resume.Run(ctx, hosted)
		if err != nil {
			return fmt.Errorf("resuming bots: %w", err)
		}
		g.logger.Info("resume scheduled", "bots", n, "tenants", hosted)
	} else {
		g.logger.Info("resume disabled")
	}

	g.ready.Store(true)
	return nil
}

// Run boots the fleet and blocks until ctx is cancelled or a server fails,
// then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.boot(ctx); err != nil {
		return errors.Join(err, g.Shutdown(context.WithoutCancel(ctx)))
	}

	var ln net.Listener
	if g.httpServer != nil {
		var err error
		ln, err = net.Listen("tcp", g.httpServer.Addr)
		if err != nil {
			return errors.Join(fmt.Errorf("listening on %s: %w", g.httpServer.Addr, err), g.Shutdown(context.WithoutCancel(ctx)))
		}
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "metrics_path", g.config.Metrics.Path)
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return g.sweeper.Run(gctx)
	})
	if ln != nil {
		grp.Go(func() error {
			if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return g.httpServer.Shutdown(shutdownCtx)
		})
	}

	serverErr := grp.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops sessions, pending tasks and subscribers, then closes the
// store. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.ready.Store(false)

		var errs []error
		if g.httpServer != nil {
			if err := g.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
			}
		}
		g.scheduler.Stop()
		g.supervisor.Shutdown()
		g.broadcaster.Close()
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once boot has finished.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("booting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live sessions)", g.supervisor.LiveCount())
}
