// Package gateway assembles the proxy pipeline and runs the HTTP
// server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/microgate/gateway/internal/audit"
	"github.com/microgate/gateway/internal/auth"
	"github.com/microgate/gateway/internal/circuitbreaker"
	"github.com/microgate/gateway/internal/config"
	"github.com/microgate/gateway/internal/grpchealth"
	"github.com/microgate/gateway/internal/loadbalancer"
	"github.com/microgate/gateway/internal/logging"
	"github.com/microgate/gateway/internal/metrics"
	"github.com/microgate/gateway/internal/proxy"
	"github.com/microgate/gateway/internal/ratelimit"
	"github.com/microgate/gateway/internal/registry"
	"github.com/microgate/gateway/internal/retry"
	"github.com/microgate/gateway/internal/router"
	"github.com/microgate/gateway/internal/storage"
	"github.com/microgate/gateway/internal/token"
	"github.com/microgate/gateway/internal/tracing"
)

// Server is the assembled gateway.
type Server struct {
	cfg      *config.Config
	streams  *logging.Streams
	router   *router.Router
	registry registry.Registry
	breakers *circuitbreaker.Manager
	fwd      *proxy.Forwarder
	limiter  *ratelimit.Limiter
	authn    *auth.Authenticator
	tokens   *token.Manager
	auditor  *audit.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Provider
	rdb      redis.UniversalClient
	store    *storage.Store

	httpServer *http.Server
	grpcHealth *grpchealth.Server
}

// New wires the gateway from config. The durable store is optional:
// when Postgres is unreachable the gateway starts without API keys,
// rate limit history, and audit persistence.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	streams, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logging.SetGlobal(streams)

	rt, err := router.NewFromFile(cfg.Server.RoutesFile)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(cfg.Discovery, cfg.Server.ServicesFile)
	if err != nil {
		return nil, err
	}

	lb, err := loadbalancer.New(cfg.LoadBalancer.Strategy)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	var store *storage.Store
	store, err = storage.Open(ctx, cfg.Database)
	if err != nil {
		logging.Warn("durable store unavailable, continuing without it", zap.Error(err))
		store = nil
	}

	var keyLookup auth.KeyLookup
	var recorder ratelimit.Recorder
	var sink audit.Sink
	if store != nil {
		keyLookup = store
		recorder = store
		sink = store
	}

	authn, err := auth.New(cfg.JWT, cfg.APIKey, keyLookup)
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.New(ctx, cfg.Tracing, cfg.Server.ServiceName)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	breakers := circuitbreaker.NewManager(cfg.CircuitBreaker)
	policy := retry.NewPolicy(cfg.Retry)

	s := &Server{
		cfg:      cfg,
		streams:  streams,
		router:   rt,
		registry: reg,
		breakers: breakers,
		fwd:      proxy.New(reg, lb, breakers, policy, m, cfg.APIKey.Header),
		limiter:  ratelimit.NewLimiter(rdb, cfg.RateLimit, cfg.APIKey.Header, recorder),
		authn:    authn,
		tokens:   token.NewManager(rdb, cfg.JWT.RefreshTTL()),
		auditor:  audit.NewLogger(sink),
		metrics:  m,
		tracer:   tracer,
		rdb:      rdb,
		store:    store,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.Server.GRPCHealthAddr != "" {
		s.grpcHealth = grpchealth.New(cfg.Server.GRPCHealthAddr, func(ctx context.Context) bool {
			_, ok := s.ready(ctx)
			return ok
		})
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening",
			zap.String("addr", s.cfg.Server.Addr()),
			zap.Bool("tls", s.cfg.Server.SSLEnabled))
		var err error
		if s.cfg.Server.SSLEnabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.Server.SSLCertPath, s.cfg.Server.SSLKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.store != nil && s.cfg.RateLimit.RetentionDays > 0 {
		go s.runCleanup(ctx)
	}
	if s.grpcHealth != nil {
		go func() {
			if err := s.grpcHealth.Serve(); err != nil {
				logging.Warn("grpc health listener stopped", zap.Error(err))
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the listener, drains the audit queue, and closes
// backends.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logging.Info("gateway shutting down")
	err := s.httpServer.Shutdown(ctx)
	if s.grpcHealth != nil {
		s.grpcHealth.Stop()
	}

	if derr := s.auditor.Drain(ctx); derr != nil {
		logging.Warn("audit drain incomplete", zap.Error(derr))
	}
	if terr := s.tracer.Shutdown(ctx); terr != nil {
		logging.Warn("tracer shutdown failed", zap.Error(terr))
	}
	s.registry.Close()
	s.rdb.Close()
	if s.store != nil {
		s.store.Close()
	}
	s.streams.Sync()
	return err
}

// ReloadRoutes re-reads the routes file and swaps the table.
func (s *Server) ReloadRoutes() error {
	routes, err := router.LoadFile(s.cfg.Server.RoutesFile)
	if err != nil {
		return err
	}
	if err := s.router.Reload(routes); err != nil {
		return err
	}
	logging.Info("routes reloaded", zap.Int("count", len(routes)))
	return nil
}

// runCleanup prunes old rate limit history once a day.
func (s *Server) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.CleanupRateLimitRecords(ctx, s.cfg.RateLimit.RetentionDays)
			if err != nil {
				logging.Warn("rate limit cleanup failed", zap.Error(err))
				continue
			}
			logging.Info("rate limit history pruned", zap.Int64("removed", n))
		}
	}
}
