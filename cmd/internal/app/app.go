// Package app wires the Murmur server runtime: config, logging, storage backends, HTTP routes,
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"murmur/cmd/internal/api"
	"murmur/cmd/internal/auth"
	"murmur/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Murmur server runtime: it owns HTTP server wiring and the realtime core.
type App struct {
	cfg Config
	log Logger

	store  Store
	dbPool *pgxpool.Pool

	metricsReg *prometheus.Registry
	registry   *realtime.Registry
	hub        *realtime.Hub
	typing     *realtime.TypingIndicator
	ws         *realtime.WSGateway
	api        *api.Handler
}

// New constructs a fully wired App instance from config and logger.
// The hub is loaded from the configured channel store before New returns.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	be, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := assemble(ctx, cfg, log, be)
	if err != nil {
		_ = be.closer.Close(ctx)
		return nil, err
	}
	return a, nil
}

func assemble(ctx context.Context, cfg Config, log Logger, be backends) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := realtime.NewRegistry(log)
	metrics := realtime.NewMetrics(reg, log, registry)

	// typing is built after the hub; the leave hook reads it once assembly is done.
	var typing *realtime.TypingIndicator
	hubOpts := []realtime.HubOption{
		realtime.WithDeliveryObserver(metrics),
		realtime.WithAppendHook(metrics.ObserveAppend),
		realtime.WithLeaveHook(func(channelID, userID string) {
			if typing != nil {
				typing.ClearTyping(channelID, userID)
			}
		}),
	}
	if be.channels != nil {
		hubOpts = append(hubOpts, realtime.WithChannelStore(be.channels))
	}
	hub := realtime.NewHub(log, registry, be.messages, hubOpts...)
	if err := hub.Load(ctx); err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}

	// Presence changes fan out to every live session.
	registry.OnPresenceChange(func(userIDs []string) { hub.BroadcastPresence(userIDs) })

	typing = realtime.NewTypingIndicator(log, hub, cfg.TypingTTL,
		realtime.WithTypingNotifier(func(channelID string, userIDs []string) {
			metrics.TypingChanges.Inc()
			hub.BroadcastTyping(channelID, userIDs)
		}),
	)

	authn, err := newAuthenticator(cfg, log)
	if err != nil {
		return nil, err
	}

	ws := realtime.NewWSGateway(log, cfg.WSConfig(), authn, hub, typing, realtime.WithGatewayMetrics(metrics))

	apiHandler, err := api.NewHandler(log, hub, authn, api.WithMaxBodyBytes(cfg.MaxBodyBytes))
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		log:        log,
		store:      be.closer,
		dbPool:     be.pool,
		metricsReg: reg,
		registry:   registry,
		hub:        hub,
		typing:     typing,
		ws:         ws,
		api:        apiHandler,
	}, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.metricsReg, a.ws, a.api)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and the typing sweeper, and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.typing.Run(sweepCtx)
	}()

	baseURL := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.Store,
		"base_url", baseURL,
		"ws_url", wsBaseURL(baseURL)+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	stopSweep()
	<-sweepDone

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
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

func newAuthenticator(cfg Config, log Logger) (realtime.Authenticator, error) {
	if cfg.JWTSecret == "" {
		log.Warn("auth.dev_header_mode", "header", auth.DevUserHeader)
		return auth.HeaderAuthenticator{}, nil
	}
	return auth.NewJWTAuthenticator([]byte(cfg.JWTSecret), auth.WithCookieName(cfg.JWTCookieName))
}

// backends groups the storage selected by MURMUR_STORE.
type backends struct {
	messages realtime.MessageStore
	channels realtime.ChannelStore // nil keeps channels in memory only
	pool     *pgxpool.Pool
	closer   Store
}

func openBackends(ctx context.Context, cfg Config, log Logger) (backends, error) {
	switch cfg.Store {
	case StorePostgres:
		return openPostgresBackends(ctx, cfg, log)
	case StoreBadger:
		st, err := realtime.OpenBadgerStore(cfg.BadgerPath)
		if err != nil {
			return backends{}, err
		}
		log.Info("store.enabled.badger", "path", cfg.BadgerPath)
		return backends{messages: st, channels: st, closer: closerFunc(func(context.Context) error { return st.Close() })}, nil
	case StoreMemory, "":
		log.Info("store.enabled.memory")
		return backends{messages: realtime.NewMemoryStore(), closer: nopStore{}}, nil
	default:
		return backends{}, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func openPostgresBackends(ctx context.Context, cfg Config, log Logger) (backends, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return backends{}, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	msgStore, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return backends{}, err
	}
	if err := msgStore.Migrate(ctx); err != nil {
		pool.Close()
		return backends{}, fmt.Errorf("migrate: %w", err)
	}
	chStore, err := realtime.NewPostgresChannelStore(pool, realtime.WithChannelSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return backends{}, err
	}

	log.Info("store.enabled.postgres", "schema", cfg.DBSchema)
	return backends{
		messages: msgStore,
		channels: chStore,
		pool:     pool,
		closer:   dbStore{pool: pool, msgStore: msgStore},
	}, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore realtime.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type closerFunc func(ctx context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }
