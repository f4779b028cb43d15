package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/coach-planner/internal/auth"
	"github.com/PortNumber53/coach-planner/internal/config"
	"github.com/PortNumber53/coach-planner/internal/handlers"
	requestmetrics "github.com/PortNumber53/coach-planner/internal/middleware"
	"github.com/PortNumber53/coach-planner/internal/worker"
)

// Deps carries everything the router mounts. Any handler left nil has its
// routes omitted.
type Deps struct {
	Logger   zerolog.Logger
	DB       handlers.Pinger
	Jobs     handlers.QueueStats
	Tokens   *auth.Issuer
	Users    *handlers.UserHandler
	Chats    *handlers.ChatHandler
	Classes  *handlers.ClassHandler
	Payments *handlers.PaymentHandler
	Worker   *worker.Worker

	// Registry receives the HTTP metrics and backs /metrics. nil selects the
	// process-wide default registry.
	Registry *prometheus.Registry
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	logger     zerolog.Logger
}

// New constructs the HTTP server and its routes.
func New(cfg config.Config, deps Deps) (*Server, error) {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		metrics                          = promhttp.Handler()
	)
	if deps.Registry != nil {
		registerer = deps.Registry
		metrics = promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})
	}
	requestMetrics, err := requestmetrics.NewRequestMetrics(registerer)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(hlog.NewHandler(deps.Logger))
	router.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	router.Use(middleware.Recoverer)
	router.Use(middleware.StripSlashes)
	router.Use(requestMetrics.Middleware())

	router.Get("/healthz", handlers.Health(deps.DB, deps.Jobs))
	router.Handle("/metrics", metrics)

	if deps.Users != nil {
		router.Route("/api/users", func(r chi.Router) {
			deps.Users.RegisterPublicRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware(deps.Tokens))
				deps.Users.RegisterProtectedRoutes(r)
			})
		})
	}

	if deps.Chats != nil {
		router.Route("/api/chats", func(r chi.Router) {
			r.Use(auth.Middleware(deps.Tokens))
			deps.Chats.RegisterRoutes(r)
		})
	}

	if deps.Classes != nil {
		router.Route("/api/classes", func(r chi.Router) {
			r.Use(auth.Middleware(deps.Tokens))
			deps.Classes.RegisterRoutes(r)
		})
	}

	// The webhook authenticates by signature, not bearer token.
	if deps.Payments != nil {
		router.Route("/api/payments", func(r chi.Router) {
			deps.Payments.RegisterWebhook(r)
			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware(deps.Tokens))
				deps.Payments.RegisterRoutes(r)
			})
		})
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, logger: deps.Logger}, nil
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start() error {
	if s.worker != nil {
		s.logger.Info().Msg("[server] starting job worker")
		s.worker.Start(context.Background())
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info().Msg("[server] shutting down job worker")
		if err := s.worker.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("[server] worker shutdown error")
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
