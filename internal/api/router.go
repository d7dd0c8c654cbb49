package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"autofleet/internal/core"
	"autofleet/internal/store"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	dispatcher *core.Dispatcher
	trigger    *core.Trigger
	logger     *slog.Logger
	location   *time.Location
	authToken  string
	submit     *rate.Limiter
}

// NewServer constructs the HTTP API server. submitRate limits task
// submissions per second; zero disables the limit.
func NewServer(addr, authToken string, st *store.Store, dispatcher *core.Dispatcher, trigger *core.Trigger, logger *slog.Logger, location *time.Location, submitRate float64, submitBurst int) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		store:      st,
		dispatcher: dispatcher,
		trigger:    trigger,
		logger:     logger,
		location:   location,
		authToken:  authToken,
	}
	if submitRate > 0 {
		if submitBurst < 1 {
			submitBurst = 1
		}
		s.submit = rate.NewLimiter(rate.Limit(submitRate), submitBurst)
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/status", s.handleStatus)
		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/tasks", func(r chi.Router) {
			r.With(s.submitLimit).Post("/", s.handleSubmitTask)
			r.Get("/", s.handleListTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleCancelTask)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)

			r.Route("/{jobName}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Put("/", s.handleReplaceJob)
				r.Delete("/", s.handleDeleteJob)
				r.With(s.submitLimit).Post("/run", s.handleRunJob)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", s.handleRegisterDevice)
			r.Get("/", s.handleListDevices)
			r.Delete("/{deviceID}", s.handleDeregisterDevice)
		})

		r.Get("/runs", s.handleListRuns)
	})
}
