// Package httpapi exposes the admin surface: template CRUD, scheduling
// controls, history and next-run previews. It owns no business logic; every
// handler delegates to the template store, the timer coordinator or the
// schedule calculator.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"expensed/internal/pipeline"
	"expensed/internal/template"
	"expensed/internal/timer"
	logx "expensed/pkg/logx"
)

type Config struct {
	Listen string
}

type Server struct {
	cfg       Config
	templates *template.Store
	coord     *timer.Coordinator
	pipe      *pipeline.Pipeline
	log       logx.Logger

	srv *http.Server
}

func New(cfg Config, templates *template.Store, coord *timer.Coordinator, pipe *pipeline.Pipeline, log logx.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":8287"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, templates: templates, coord: coord, pipe: pipe, log: log}
	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Post("/schedule/preview", s.handlePreview)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleListTemplates)
			r.Post("/", s.handleCreateTemplate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTemplate)
				r.Delete("/", s.handleDeleteTemplate)
				r.Post("/schedule", s.handleSchedule)
				r.Delete("/schedule", s.handleUnschedule)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Get("/history", s.handleHistory)
				r.Post("/run", s.handleRun)
			})
		})
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.cfg.Listen))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api stopped", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
