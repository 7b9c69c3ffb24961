// Package api exposes a job backend over the REST shape the rest transport
// speaks. It is the demo and integration job server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/renderwatch/internal/api/mid"
	"github.com/ahrav/renderwatch/internal/domain/tasks"
	"github.com/ahrav/renderwatch/internal/infra/transport/rest"
	"github.com/ahrav/renderwatch/pkg/common/logger"
	"github.com/ahrav/renderwatch/pkg/common/otel"
)

// Config holds the listener settings.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DefaultConfig listens on every interface at 8080.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            "8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 20 * time.Second,
	}
}

// Server routes REST requests to a tasks.Transport.
type Server struct {
	cfg     Config
	build   string
	backend tasks.Transport
	metrics APIMetrics
	logger  *logger.Logger
	router  *chi.Mux
	tracer  trace.Tracer
}

// NewServer builds the router. A nil metrics is allowed.
func NewServer(cfg Config, build string, backend tasks.Transport, metrics APIMetrics, log *logger.Logger, tracer trace.Tracer) *Server {
	if metrics == nil {
		metrics = noopAPIMetrics{}
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mid.Otel(tracer))
	r.Use(loggerMiddleware(log, metrics))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:     cfg,
		build:   build,
		backend: backend,
		metrics: metrics,
		logger:  log.With("component", "job_server"),
		router:  r,
		tracer:  tracer,
	}
	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger, metrics APIMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				route := chi.RouteContext(ctx).RoutePattern()
				metrics.IncRequestsTotal(ctx, r.Method, route, ww.Status())
				metrics.ObserveRequestDuration(ctx, r.Method, route, time.Since(start))
				log.Debug(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleHealth)
	})

	s.router.Get(rest.RouteTaskStatus, s.handleTaskStatus)
	s.router.Get(rest.RouteCompletedItems, s.handleCompletedItems)
	s.router.Post(rest.RouteSubmitItem, s.handleSubmitItem)
	s.router.Post(rest.RouteSubmitCombine, s.handleSubmitCombine)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "build": s.build})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := tasks.JobID(chi.URLParam(r, "id"))
	rec, err := s.backend.FetchStatus(r.Context(), id)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, rest.ErrorResponse{Error: fmt.Sprintf("task %s not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, rest.NewStatusResponse(id, rec))
}

func (s *Server) handleCompletedItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.backend.FetchCompletedItems(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	resp := rest.CompletedItemsResponse{Items: make([]rest.CompletedItemBody, 0, len(items))}
	for _, it := range items {
		body := rest.CompletedItemBody{ItemID: it.ItemID.String(), TaskID: it.JobID.String()}
		if rb := rest.NewResultBody(&it.Result); rb != nil {
			body.Result = *rb
		}
		resp.Items = append(resp.Items, body)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitItem(w http.ResponseWriter, r *http.Request) {
	var req rest.SubmitItemRequest
	if err := decodeOptional(r.Body, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	scope, item := chi.URLParam(r, "scope"), tasks.ItemID(chi.URLParam(r, "item"))
	id, err := s.backend.SubmitItem(r.Context(), scope, item, req.Params)
	if err != nil {
		s.fail(w, r, submitStatus(err), err)
		return
	}
	s.metrics.IncJobsSubmitted(r.Context(), tasks.JobKindItemGeneration)
	s.logger.Info(r.Context(), "Item job accepted", "scope_id", scope, "item_id", item, "job_id", id)
	writeJSON(w, http.StatusAccepted, rest.SubmitResponse{TaskID: id.String()})
}

func (s *Server) handleSubmitCombine(w http.ResponseWriter, r *http.Request) {
	var req rest.CombineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	items := make([]tasks.ItemID, len(req.ItemIDs))
	for i, id := range req.ItemIDs {
		items[i] = tasks.ItemID(id)
	}
	scope := chi.URLParam(r, "scope")
	id, err := s.backend.SubmitCombine(r.Context(), scope, items)
	if err != nil {
		s.fail(w, r, submitStatus(err), err)
		return
	}
	s.metrics.IncJobsSubmitted(r.Context(), tasks.JobKindAggregateCombination)
	s.logger.Info(r.Context(), "Combine job accepted", "scope_id", scope, "job_id", id, "items", len(items))
	writeJSON(w, http.StatusAccepted, rest.SubmitResponse{TaskID: id.String()})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "Request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, rest.ErrorResponse{Error: err.Error()})
}

// submitStatus maps a rejected submission to a status code.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, tasks.ErrCombineIneligible):
		return http.StatusConflict
	case !tasks.IsTransient(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeOptional(body io.Reader, v any) error {
	err := json.NewDecoder(body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decoding request: %w", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
