// Package app wires the Harbor server runtime: config, logging, the
// messaging core, and the realtime gateway behind one HTTP listener.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"harbor/cmd/internal/identity"
	"harbor/cmd/internal/messaging"
	"harbor/cmd/internal/metrics"
	"harbor/cmd/internal/presence"
	"harbor/cmd/internal/realtime"
)

// App is the Harbor server runtime. It owns the HTTP server wiring and the
// lifecycle of the store behind the messaging service.
type App struct {
	cfg Config
	log Logger

	store messaging.Store
	svc   *messaging.Service

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	gateway  *realtime.Gateway
}

// New constructs a fully wired App from config.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	instruments := metrics.New(registry)

	store, users, pool, dbEnabled, err := newBackends(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg, log, users)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	hub := realtime.NewHub(log, presence.NewRegistry(), instruments)
	limiter := messaging.NewRateLimiter(cfg.Messaging.RateLimitMax, cfg.Messaging.RateLimitWindow)
	svc := messaging.NewService(log, store, users, limiter, realtime.NewHubNotifier(hub))

	gateway := realtime.NewGateway(log, hub, svc, verifier, instruments, realtime.GatewayConfig{
		OriginRequired:    cfg.Realtime.OriginRequired,
		AllowedOrigins:    cfg.Realtime.AllowedOrigins,
		DevInsecure:       cfg.Realtime.DevInsecure,
		SendQueueSize:     cfg.Realtime.SendQueueSize,
		HelloTimeout:      cfg.Realtime.HelloTimeout,
		WriteTimeout:      cfg.Realtime.WriteTimeout,
		ReadIdleTimeout:   cfg.Realtime.ReadIdleTimeout,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Realtime.HeartbeatTimeout,
		ConnRateEvents:    cfg.Realtime.ConnRateEvents,
		ConnRateWindow:    cfg.Realtime.ConnRateWindow,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		svc:       svc,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		registry:  registry,
		gateway:   gateway,
	}, nil
}

// Service exposes the messaging service, mainly for embedding and tests.
func (a *App) Service() *messaging.Service { return a.svc }

// Run starts the HTTP server and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.registry, a.gateway)

	srv := &http.Server{
		Addr:              a.cfg.Server.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.Server.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.Server.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.Server.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.Server.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.Server.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newBackends decides between Postgres persistence and the in-memory dev
// backends based on database.url.
func newBackends(ctx context.Context, cfg Config, log Logger) (messaging.Store, identity.Directory, *pgxpool.Pool, bool, error) {
	if cfg.Database.URL == "" {
		log.Info("db.disabled.inmemory_store", "dev_users", len(cfg.DevUsers))

		seed := make([]identity.User, 0, len(cfg.DevUsers))
		for _, u := range cfg.DevUsers {
			role := u.Role
			if role == "" {
				role = identity.RoleMember
			}
			seed = append(seed, identity.User{ID: u.ID, DisplayName: u.DisplayName, Role: role})
		}
		return messaging.NewMemoryStore(), identity.NewMemoryDirectory(seed...), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.Database.Schema)

	// Ownership model: the app owns the pool lifecycle; the stores only
	// borrow it, so their Close methods are no-ops.
	store, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.Database.Schema))
	if err != nil {
		pool.Close()
		return nil, nil, nil, false, err
	}
	users, err := identity.NewPostgresDirectory(pool, identity.WithDirectorySchema(cfg.Database.Schema))
	if err != nil {
		pool.Close()
		return nil, nil, nil, false, err
	}

	return store, users, pool, true, nil
}

// newVerifier picks the session token verifier. Without a configured secret
// the directory-backed dev verifier is used, loudly.
func newVerifier(cfg Config, log Logger, users identity.Directory) (identity.TokenVerifier, error) {
	if cfg.Auth.JWTSecret != "" {
		return identity.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	}

	log.Warn("auth.dev_verifier.enabled", "hint", "set auth.jwt_secret for real token verification")
	return identity.NewDirectoryVerifier(users), nil
}
