package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"production-planner/internal/config"
	"production-planner/internal/models"
	"production-planner/internal/planner"
	"production-planner/internal/queue"
	"production-planner/internal/ratelimit"
	"production-planner/internal/store"
	"production-planner/internal/telemetry"
)

// Server wires HTTP handlers for the planning API.
type Server struct {
	cfg     config.Config
	planner *planner.Service
	store   store.Repository
	queue   *queue.RedisQueue
	limiter ratelimit.Limiter
}

// New constructs the API server. A nil queue disables async runs and a nil
// limiter disables rate limiting.
func New(cfg config.Config, svc *planner.Service, st store.Repository, q *queue.RedisQueue, limiter ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		planner: svc,
		store:   st,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.With(s.rateLimit).Post("/allocate-quantity", s.handleAllocate)
	r.With(s.rateLimit).Post("/schedule-tasks", s.handleSchedule)
	r.Get("/jobs/{id}/assignments", s.handleListAssignments)
	r.With(s.rateLimit).Post("/jobs/{id}/assignments", s.handleManualAssignment)
	r.Get("/schedules/{id}", s.handleGetSchedule)

	r.With(s.rateLimit).Post("/runs", s.handleEnqueue)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Post("/runs/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type enqueueRequest struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	RunAt          *time.Time      `json:"run_at"`
	DelaySeconds   int             `json:"delay_seconds"`
	Priority       string          `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
}

type enqueueResponse struct {
	Run        models.Run `json:"run"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "async runs are disabled")
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := checkRunPayload(req.Kind, req.Payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Priority == "" {
		req.Priority = "default"
	}
	if !s.queue.KnownPriority(req.Priority) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown priority %q", req.Priority))
		return
	}
	runAt := time.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}
	tenant := tenantFromRequest(r)

	run, idempotent, err := s.store.CreateRun(r.Context(), store.CreateRunParams{
		Kind:           req.Kind,
		Priority:       req.Priority,
		Tenant:         tenant,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !idempotent {
		if err := s.queue.Enqueue(r.Context(), run.ID, run.Priority, run.NextRunAt); err != nil {
			msg := err.Error()
			_ = s.store.UpdateRunStatus(r.Context(), run.ID, models.RunFailed, run.Attempts, run.NextRunAt, &msg)
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		_ = s.store.AppendAudit(r.Context(), run.ID, "enqueued", fmt.Sprintf("tenant=%s priority=%s kind=%s", tenant, run.Priority, run.Kind))
		telemetry.EnqueueCounter.Inc()
		log.Info().Str("run_id", run.ID).Str("kind", run.Kind).Str("tenant", tenant).Msg("run enqueued")
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{Run: run, Idempotent: idempotent})
}

// checkRunPayload rejects runs the worker could only dead-letter.
func checkRunPayload(kind string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	switch kind {
	case models.RunAllocateQuantity:
		var req models.AllocationRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("invalid allocate_quantity payload: %w", err)
		}
	case models.RunScheduleTasks:
		var req models.ScheduleRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("invalid schedule_tasks payload: %w", err)
		}
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}

type runResponse struct {
	Run   models.Run        `json:"run"`
	Audit []models.AuditLog `json:"audit"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	audit, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Audit: audit})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if run.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("run is already %s", run.Status))
		return
	}
	if s.queue != nil {
		if err := s.queue.Cancel(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to cancel queue item")
			return
		}
	}
	if err := s.store.MarkCancelled(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.RunCancelled})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.queue.DLQPeek(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
