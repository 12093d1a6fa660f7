package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newRouter mounts the ops endpoints, the websocket gateway at /ws and the
// account API under /api. pool is nil in in-memory mode.
func newRouter(
	log Logger,
	cfg Config,
	pool *pgxpool.Pool,
	reg *prometheus.Registry,
	ws http.Handler,
	api http.Handler,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, log) })
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if pool != nil {
			if err := PingDB(r.Context(), pool, 2*time.Second); err != nil {
				log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	// The gateway enforces its own origin allowlist before upgrading.
	r.Handle("/ws", ws)

	r.Mount("/api", WithCORS(api, cfg, log))
	return r
}
