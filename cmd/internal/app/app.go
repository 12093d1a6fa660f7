// Package app wires the Tars server runtime: config, logging, storage, the
// account API and the realtime gateway behind one HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tars/cmd/identity"
	"tars/cmd/internal/auth"
	"tars/cmd/internal/database"
	"tars/cmd/internal/realtime"
)

// App is the Tars server runtime. It owns the HTTP server, the database pool
// and the session hub.
type App struct {
	cfg Config
	log Logger

	pool *pgxpool.Pool
	hub  *realtime.Hub

	handler http.Handler
}

// stores is the persistence selected at startup: Postgres when a database
// URL is configured, in-memory otherwise.
type stores struct {
	users    identity.Store
	messages realtime.MessageStore
	pool     *pgxpool.Pool
}

// New constructs a fully wired App. ctx bounds startup work (database
// connect retries and migrations), not the App's lifetime.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	fingerprints, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	st, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	closePool := func() {
		if st.pool != nil {
			st.pool.Close()
		}
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		closePool()
		return nil, err
	}
	if authCfg.PasetoV4SecretKeyHex == "" {
		authCfg.PasetoV4SecretKeyHex = auth.NewSecretKeyHex()
		log.Warn("auth.paseto.ephemeral_key", "hint", "set TARS_PASETO_V4_SECRET_KEY_HEX; tokens will not survive a restart")
	}
	authCfg.TokenFingerprints = fingerprints
	tokens, err := auth.NewTokenManager(authCfg)
	if err != nil {
		closePool()
		return nil, fmt.Errorf("app: token manager: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := realtime.NewHub(log, realtime.NewMetrics(reg))
	dir := realtime.NewCachedDirectory(realtime.NewUserDirectory(st.users), cfg.DirectoryCacheSize, cfg.DirectoryCacheTTL)

	api, err := auth.NewHandler(log, authCfg, st.users, tokens, hub, dir)
	if err != nil {
		closePool()
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, hub, st.messages, dir, api.Verifier(),
		realtime.WithGatewayConfig(realtime.LoadGatewayConfigFromEnv()),
		realtime.WithTokenFingerprints(fingerprints),
	)
	if err != nil {
		closePool()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		pool:    st.pool,
		hub:     hub,
		handler: newRouter(log, cfg, st.pool, reg, ws, api.Routes()),
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until ctx is canceled or the server
// fails. On shutdown the server drains first, then every live session is
// closed and given until ShutdownTimeout to detach.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
	)

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
		a.closePool()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	closed := a.hub.CloseAll()
	if remaining := a.waitForSessions(shutdownCtx); remaining > 0 {
		a.log.Warn("server.sessions.abandoned", "remaining", remaining)
	}
	a.closePool()

	a.log.Info("server.stopped", "sessions_closed", closed)
	return nil
}

func (a *App) waitForSessions(ctx context.Context) int {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		n := a.hub.SessionCount()
		if n == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return n
		case <-t.C:
		}
	}
}

func (a *App) closePool() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func newStores(ctx context.Context, cfg Config, log Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return stores{
			users:    identity.NewMemoryStore(),
			messages: realtime.NewInMemoryStore(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg, log)
	if err != nil {
		return stores{}, err
	}

	if cfg.MigrateOnStart {
		v, err := database.RunMigrations(cfg.DatabaseURL)
		if err != nil {
			pool.Close()
			return stores{}, err
		}
		log.Info("db.migrate.done", "version", v)
	}

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(database.Schema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	messages, err := realtime.NewPostgresStore(pool, realtime.WithSchema(database.Schema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", database.Schema)
	return stores{users: users, messages: messages, pool: pool}, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard hosts map to 127.0.0.1.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
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
