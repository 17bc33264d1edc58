// Package server assembles the vault from its configuration and runs it.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/volatilevault/vault/internal/config"
	"github.com/volatilevault/vault/internal/endpoint"
	"github.com/volatilevault/vault/internal/exfil"
	"github.com/volatilevault/vault/internal/extension"
	"github.com/volatilevault/vault/internal/metrics"
	"github.com/volatilevault/vault/internal/reclaim"
	"github.com/volatilevault/vault/internal/staging"
	s3storage "github.com/volatilevault/vault/internal/storage/s3"
	"github.com/volatilevault/vault/internal/transfer"
	"github.com/volatilevault/vault/pkg/api"
	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/health"
	"github.com/volatilevault/vault/pkg/utils"
)

// Version is reported by the ops API.
var Version = "dev"

// Server is a fully wired vault: the public Fiber app, the ops API and the background loops.
type Server struct {
	config    *config.Configuration
	logger    *utils.StructuredLogger
	registry  *extension.Registry
	staging   *staging.Store
	collector *metrics.Collector
	health    *health.Tracker
	reclaim   *reclaim.Loop
	ops       *api.Server
	app       *fiber.App

	managers []*transfer.Manager
	dynamics []*endpoint.Dynamic
	closers  []func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// New builds every configured extension and mounts the routes. Any extension that fails to
// initialize aborts startup; the partially built server is torn down before returning.
func New(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (*Server, error) {
	if cfg == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		logger:    logger.WithComponent("server"),
		registry:  extension.NewRegistry(),
		collector: collector,
		health:    health.NewTracker(cfg.Health),
	}
	s.health.AddStateChangeCallback(s.onHealthChange)

	if err := s.build(ctx); err != nil {
		_ = s.teardown(ctx)
		return nil, err
	}

	s.reclaim = reclaim.New(reclaim.Config{
		Interval: cfg.Global.ReclaimInterval,
		Expirers: s.expirers(),
		Sweepers: s.sweepers(),
		Health:   s.health,
		Recorder: collector,
		Logger:   logger,
	})

	opsConfig := api.DefaultServerConfig()
	opsConfig.Address = cfg.Global.OpsAddr
	opsConfig.Version = Version
	s.ops = api.NewServer(opsConfig, s.health, s, opsMetrics{s}, logger)

	s.app = s.newApp()
	return s, nil
}

func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          exfil.ErrorHandler(s.logger),
		BodyLimit:             s.bodyLimit(),
	})

	app.Use(recover.New())
	if origins := s.corsOrigins(); len(origins) > 0 {
		corsConfig := cors.Config{
			AllowOrigins:     strings.Join(origins, ","),
			AllowHeaders:     "Authorization, Content-Type",
			AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
			AllowCredentials: true,
		}
		if len(s.dynamics) > 0 {
			corsConfig.AllowOriginsFunc = s.allocatedOrigin
		}
		app.Use(cors.New(corsConfig))
	}
	app.Use(noCache)

	s.installRoutes(app)
	return app
}

// bodyLimit is the largest body any mounted route accepts.
func (s *Server) bodyLimit() int {
	limit := int64(fiber.DefaultBodyLimit)
	for _, e := range s.config.Exfils {
		for _, size := range []int64{config.Bytes(e.ChunkSize), config.Bytes(e.MaxSize)} {
			if size > limit {
				limit = size
			}
		}
	}
	return int(limit)
}

// corsOrigins allows every published exfil host, the public origin of dynamic exfils and the
// configured origins.
func (s *Server) corsOrigins() []string {
	seen := make(map[string]bool)
	var origins []string
	add := func(origin string) {
		origin = strings.TrimRight(origin, "/")
		if origin == "" || seen[origin] {
			return
		}
		seen[origin] = true
		origins = append(origins, origin)
	}
	for _, origin := range s.config.Global.CORSOrigins {
		add(origin)
	}
	for _, host := range s.registry.Hosts() {
		add(originOf(host))
	}
	for _, e := range s.config.Exfils {
		if e.CloudFront.OriginDomain != "" {
			add(originOf(e.CloudFront.OriginDomain))
		}
	}
	return origins
}

// allocatedOrigin admits the endpoints dynamic provisioners currently hold.
func (s *Server) allocatedOrigin(origin string) bool {
	for _, d := range s.dynamics {
		for _, host := range d.Hosts() {
			if originOf(host) == origin {
				return true
			}
		}
	}
	return false
}

func originOf(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimRight(host, "/")
	}
	return "https://" + strings.TrimRight(host, "/")
}

func noCache(c *fiber.Ctx) error {
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	c.Set(fiber.HeaderPragma, "no-cache")
	c.Set(fiber.HeaderExpires, "0")
	return c.Next()
}

// App returns the public Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Registry returns the extension registry.
func (s *Server) Registry() *extension.Registry {
	return s.registry
}

// Health returns the health tracker.
func (s *Server) Health() *health.Tracker {
	return s.health
}

// Collector returns the metrics collector.
func (s *Server) Collector() *metrics.Collector {
	return s.collector
}

// Reclaim returns the reclamation loop.
func (s *Server) Reclaim() *reclaim.Loop {
	return s.reclaim
}

// OpsHandler returns the ops API handler.
func (s *Server) OpsHandler() http.Handler {
	return s.ops.Handler()
}

// ListSessions reports the live sessions of every chunked exfil.
func (s *Server) ListSessions() map[string][]transfer.Snapshot {
	out := make(map[string][]transfer.Snapshot, len(s.managers))
	for _, m := range s.managers {
		out[m.Name()] = m.List()
	}
	return out
}

// opsMetrics extends the collector's summary with backend counters.
type opsMetrics struct {
	s *Server
}

func (m opsMetrics) Handler() http.Handler {
	return m.s.collector.Handler()
}

func (m opsMetrics) GetMetrics() map[string]interface{} {
	out := m.s.collector.GetMetrics()
	backends := make(map[string]interface{})
	for _, p := range m.s.registry.Storages() {
		if b, ok := p.(*s3storage.Storage); ok {
			backends[b.Name()] = b.Metrics()
		}
	}
	out["storages"] = backends
	out["file_locations"] = m.s.registry.LocationStats()

	provisioners := make(map[string]interface{}, len(m.s.dynamics))
	for _, d := range m.s.dynamics {
		provisioners[d.Name()] = map[string]interface{}{
			"state":  d.BreakerState().String(),
			"counts": d.BreakerCounts(),
			"hosts":  len(d.Hosts()),
		}
	}
	out["provisioners"] = provisioners
	return out
}

// Start runs the background loops and both listeners. It blocks until the public listener
// stops or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.NewError(errors.ErrCodeInvalidState, "server already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.reclaim.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.health.CheckNow(ctx)
	go s.health.StartHealthChecks(ctx)

	s.logger.Info("vault listening", map[string]interface{}{
		"address":  s.config.Global.ListenAddr,
		"ops":      s.config.Global.OpsAddr,
		"storages": len(s.registry.Storages()),
		"exfils":   len(s.registry.Exfils()),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.ops.Start(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, errors.ErrCodeInternalError, "ops listener failed")
		}
		return nil
	})
	g.Go(func() error {
		if err := s.app.Listen(s.config.Global.ListenAddr); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "listener failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if s.isStopped() {
			return nil
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), s.config.Global.ShutdownTimeout)
		defer done()
		return multierr.Combine(
			s.app.ShutdownWithContext(shutdownCtx),
			s.ops.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}

// Shutdown stops the listeners, ends every session and releases all resources. Safe to call
// more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("shutting down", nil)
	var err error
	if s.app != nil {
		err = multierr.Append(err, s.app.ShutdownWithContext(ctx))
	}
	if s.ops != nil {
		err = multierr.Append(err, s.ops.Shutdown(ctx))
	}
	if cancel != nil {
		cancel()
	}
	if s.reclaim != nil {
		s.reclaim.Stop()
	}
	err = multierr.Append(err, s.teardown(ctx))
	if err != nil {
		s.logger.Error("shutdown incomplete", map[string]interface{}{"error": err})
	}
	return err
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// teardown ends sessions and releases endpoints, then closes the stores.
func (s *Server) teardown(ctx context.Context) error {
	var err error
	for _, m := range s.managers {
		err = multierr.Append(err, m.Close(ctx))
	}
	for _, d := range s.dynamics {
		err = multierr.Append(err, d.ReleaseAll(ctx))
	}
	for _, closeFn := range s.closers {
		err = multierr.Append(err, closeFn())
	}
	s.closers = nil
	if s.staging != nil {
		err = multierr.Append(err, s.staging.Close())
	}
	return err
}

func (s *Server) onHealthChange(component string, oldState, newState health.HealthState, err error) {
	s.collector.SetComponentState(component, int(newState))
	fields := map[string]interface{}{
		"health_component": component,
		"from":             oldState.String(),
		"to":               newState.String(),
	}
	if err != nil {
		fields["error"] = err
	}
	if newState == health.StateHealthy {
		s.logger.Info("component recovered", fields)
	} else {
		s.logger.Warn("component health changed", fields)
	}
}
