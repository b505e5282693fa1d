// Package server exposes the control-plane HTTP surface: incident
// intake, retention jobs, health checks, queue administration, and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sitemedic/sitemedic/internal/audit"
	"github.com/sitemedic/sitemedic/internal/health"
	"github.com/sitemedic/sitemedic/internal/incident"
	"github.com/sitemedic/sitemedic/internal/metrics"
	"github.com/sitemedic/sitemedic/internal/queue"
	"github.com/sitemedic/sitemedic/internal/retention"
)

// Config holds server settings.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg        Config
	dispatcher *incident.Dispatcher
	queues     *queue.Manager
	metrics    *metrics.Metrics
	auditor    *audit.Recorder
	validate   *validator.Validate
	logger     *zap.Logger
	httpServer *http.Server
}

// New builds the server and its routes.
func New(
	cfg Config,
	dispatcher *incident.Dispatcher,
	queues *queue.Manager,
	m *metrics.Metrics,
	auditor *audit.Recorder,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		queues:     queues,
		metrics:    m,
		auditor:    auditor,
		validate:   validator.New(),
		logger:     logger.Named("server"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/incidents", s.handleCreateIncident)

		r.Route("/data-retention", func(r chi.Router) {
			r.Post("/purge", s.handlePurge)
			r.Post("/cleanup-artifacts", s.handleCleanupArtifacts)
			r.Post("/anonymize", s.handleAnonymize)
		})

		r.Route("/health-checks", func(r chi.Router) {
			r.Post("/sites/{id}", s.handleHealthCheck("site"))
			r.Post("/servers/{id}", s.handleHealthCheck("server"))
			r.Post("/system", s.handleSystemCheck)
		})

		r.Route("/queues", func(r chi.Router) {
			r.Get("/stats", s.handleQueueStats)
			r.Put("/{name}/pause", s.handleQueuePause)
			r.Put("/{name}/resume", s.handleQueueResume)
			r.Put("/{name}/clean", s.handleQueueClean)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)))
	})
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req incident.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	result, err := s.dispatcher.CreateIncident(r.Context(), req)
	if err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	// A flapping denial is a 200 with success=false.
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req retention.PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.ExecutedBy == "" {
		req.ExecutedBy = "api"
	}

	job, err := s.queues.Enqueue(r.Context(), queue.QueueRetention, retention.JobPurgeData, req)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.audit(r, "retention.purge", "table", req.TableName, map[string]any{
		"retentionDays": req.RetentionDays,
		"dryRun":        req.DryRun,
	})
	s.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": job.ID})
}

func (s *Server) handleCleanupArtifacts(w http.ResponseWriter, r *http.Request) {
	s.enqueueMaintenance(w, r, retention.JobCleanupArtifacts, "retention.cleanup-artifacts")
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	s.enqueueMaintenance(w, r, retention.JobAnonymizeData, "retention.anonymize")
}

func (s *Server) enqueueMaintenance(w http.ResponseWriter, r *http.Request, jobName, action string) {
	var payload retention.MaintenancePayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
	}
	job, err := s.queues.Enqueue(r.Context(), queue.QueueRetention, jobName, payload)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.audit(r, action, "retention", "", nil)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": job.ID})
}

type healthCheckRequest struct {
	URL string `json:"url" validate:"required,url"`
}

func (s *Server) handleHealthCheck(kind string) http.HandlerFunc {
	jobName := health.JobSiteCheck
	if kind == "server" {
		jobName = health.JobServerCheck
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req healthCheckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
		if err := s.validate.Struct(req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}

		payload := health.CheckPayload{TargetID: chi.URLParam(r, "id"), URL: req.URL}
		job, err := s.queues.Enqueue(r.Context(), queue.QueueHealth, jobName, payload)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": job.ID})
	}
}

func (s *Server) handleSystemCheck(w http.ResponseWriter, r *http.Request) {
	job, err := s.queues.Enqueue(r.Context(), queue.QueueHealth, health.JobSystemCheck,
		health.CheckPayload{TargetID: "system"})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": job.ID})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	all, err := s.queues.AllStats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if s.metrics != nil {
		for name, stats := range all {
			s.metrics.QueueDepth.WithLabelValues(name, "waiting").Set(float64(stats.Waiting))
			s.metrics.QueueDepth.WithLabelValues(name, "active").Set(float64(stats.Active))
			s.metrics.QueueDepth.WithLabelValues(name, "delayed").Set(float64(stats.Delayed))
			s.metrics.QueueDepth.WithLabelValues(name, "failed").Set(float64(stats.Failed))
		}
	}
	s.writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.queues.Pause(r.Context(), name, false); err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	s.audit(r, "queue.pause", "queue", name, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.queues.Resume(r.Context(), name); err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	s.audit(r, "queue.resume", "queue", name, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	grace := 24 * time.Hour
	if raw := r.URL.Query().Get("gracePeriodHours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid gracePeriodHours %q", raw))
			return
		}
		grace = time.Duration(hours) * time.Hour
	}
	if _, err := s.queues.Clean(r.Context(), name, grace); err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	s.audit(r, "queue.clean", "queue", name, map[string]any{"gracePeriod": grace.String()})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, queue.ErrUnknownQueue) {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	s.writeError(w, r, http.StatusInternalServerError, err)
}

func (s *Server) audit(r *http.Request, action, resource, resourceID string, details map[string]any) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(r.Context(), audit.Event{
		Actor:      "api",
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	correlationID := middleware.GetReqID(r.Context())
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlationId", correlationID),
			zap.Error(err))
	}
	s.writeJSON(w, status, map[string]any{
		"success":       false,
		"error":         err.Error(),
		"correlationId": correlationID,
	})
}
