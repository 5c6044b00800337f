// Package api serves the operator JSON API over the hedger service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/eddiefleurent/delta_hedger/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// Backend is the subset of *hedger.Service the API needs.
type Backend interface {
	UpsertDeltaTarget(ctx context.Context, in models.DeltaTargetInput) (*models.DeltaTarget, error)
	ListDeltaTargets(ctx context.Context, q models.Query) ([]models.DeltaTarget, error)
	GetDeltaTarget(ctx context.Context, id string) (*models.DeltaTarget, error)
	UpdateDeltaTarget(ctx context.Context, id string, patch models.DeltaTargetPatch) (*models.DeltaTarget, error)
	DeleteDeltaTarget(ctx context.Context, id string) (bool, error)
	TriggerReconciliation(ctx context.Context, kind models.CycleKind, accountID string) ([]models.CycleResult, error)
	SchedulerStatus() scheduler.Status
}

// Config configures the HTTP server.
type Config struct {
	Port      int
	AuthToken string
	// ReconcileTimeout bounds a manual reconciliation request.
	ReconcileTimeout time.Duration
}

// Server is the operator HTTP API.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	backend   Backend
	metrics   http.Handler
	logger    logrus.FieldLogger
	port      int
	authToken string
	timeout   time.Duration
}

// NewServer builds the router. metrics may be nil, in which case /metrics is
// not mounted.
func NewServer(cfg Config, backend Backend, metrics http.Handler, logger logrus.FieldLogger) *Server {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	timeout := cfg.ReconcileTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	s := &Server{
		router:    chi.NewRouter(),
		backend:   backend,
		metrics:   metrics,
		logger:    logger.WithField("component", "api"),
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		timeout:   timeout,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router (tests, embedding).
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/delta-targets", func(r chi.Router) {
			r.Post("/", s.handleUpsert)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Patch("/{id}", s.handleUpdate)
			r.Delete("/{id}", s.handleDelete)
		})
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/scheduler", s.handleSchedulerStatus)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Auth-Token") != s.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"took":       time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

// Start listens on the configured port until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting API server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"scheduler": s.backend.SchedulerStatus().Active,
	})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var in models.DeltaTargetInput
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.backend.UpsertDeltaTarget(r.Context(), in)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.Query{
		AccountID:      q.Get("account"),
		InstrumentName: q.Get("instrument"),
		RecordType:     models.RecordType(q.Get("type")),
	}
	if query.RecordType != "" && !query.RecordType.Valid() {
		writeError(w, http.StatusBadRequest, "invalid type: must be 'position' or 'order'")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		query.Limit = n
	}
	recs, err := s.backend.ListDeltaTargets(r.Context(), query)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if recs == nil {
		recs = []models.DeltaTarget{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.backend.GetDeltaTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "delta target not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch models.DeltaTargetPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.backend.UpdateDeltaTarget(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "delta target not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ok, err := s.backend.DeleteDeltaTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "delta target not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type reconcileRequest struct {
	Account string           `json:"account"`
	Kind    models.CycleKind `json:"kind"`
}

type reconcileResponse struct {
	Results []models.CycleResult `json:"results"`
	Error   string               `json:"error,omitempty"`
	Success bool                 `json:"success"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := r.URL.Query().Get("account"); v != "" {
		req.Account = v
	}
	if v := r.URL.Query().Get("kind"); v != "" {
		req.Kind = models.CycleKind(v)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	results, err := s.backend.TriggerReconciliation(ctx, req.Kind, req.Account)
	if results == nil {
		results = []models.CycleResult{}
	}
	resp := reconcileResponse{Results: results, Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
		status := statusFor(err)
		if status >= 500 {
			s.logger.WithError(err).Error("Manual reconciliation failed")
		}
		writeJSON(w, status, resp)
		return
	}
	for _, res := range results {
		if !res.Success {
			resp.Success = false
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.SchedulerStatus())
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDuplicateRecord), errors.Is(err, scheduler.ErrCycleInProgress):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrInconsistentAdjustment), errors.Is(err, models.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
		msg = "internal server error"
	}
	writeError(w, status, msg)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
