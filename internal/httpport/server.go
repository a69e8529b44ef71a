package httpport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/costwatchdog/engine/internal/config"
)

// Router is the port domain components mount their HTTP operations on. It
// deliberately exposes only route registration — everything else (body
// parsing, auth, response shaping) is the caller's concern.
type Router interface {
	Route(method, path string, handler http.HandlerFunc)
	Group(prefix string, fn func(Router))
	Use(middlewares ...func(http.Handler) http.Handler)
}

// chiRouter adapts a chi.Router to the Router port.
type chiRouter struct {
	r chi.Router
}

func (c chiRouter) Route(method, path string, handler http.HandlerFunc) {
	c.r.MethodFunc(method, path, handler)
}

func (c chiRouter) Group(prefix string, fn func(Router)) {
	c.r.Route(prefix, func(sub chi.Router) {
		fn(chiRouter{r: sub})
	})
}

func (c chiRouter) Use(middlewares ...func(http.Handler) http.Handler) {
	c.r.Use(middlewares...)
}

// Server holds the HTTP server dependencies and exposes the Router port at API.
type Server struct {
	mux       *chi.Mux
	API       Router
	apiMux    chi.Router
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with standard middleware and health/metrics
// endpoints mounted. Domain operations are mounted on Server.API afterward by
// the composition root.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	mux := chi.NewRouter()

	mux.Use(RequestID)
	mux.Use(Logger(logger))
	mux.Use(Metrics)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "X-CSRF-Token"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		mux:       mux,
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/readyz", s.handleReadyz)
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	mux.Route("/api/v1", func(r chi.Router) {
		s.API = chiRouter{r: r}
		s.apiMux = r
	})

	return s
}

// Mount attaches a fully-built chi.Router (as returned by a domain
// package's Routes method) under /api/v1/<pattern>. Use this when a
// handler owns its own middleware chain (e.g. RBAC) rather than composing
// through the Router port route-by-route.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.apiMux.Mount(pattern, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
