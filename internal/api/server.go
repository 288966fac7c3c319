package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/ratelimit"
	"reengagement-scheduler/internal/reengagement"
	"reengagement-scheduler/internal/store"
	"reengagement-scheduler/internal/telemetry"
	"reengagement-scheduler/internal/worker"
)

// ProgressAdmin is the store surface the admin API needs.
type ProgressAdmin interface {
	GetDefinition(ctx context.Context, id int64) (models.ActivityDefinition, error)
	ListProgress(ctx context.Context, activityID int64) ([]models.ProgressRecord, error)
	DeleteActivityProgress(ctx context.Context, activityID int64) (int64, error)
	DeleteUserProgress(ctx context.Context, activityID, userID int64) (int64, error)
}

// DeadLetters exposes the dead-letter list.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	store     ProgressAdmin
	dlq       DeadLetters
	scanner   *reengagement.Scanner
	processor *worker.Processor
	limiter   *ratelimit.TokenBucket
	logger    *zap.Logger
	clock     func() time.Time
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(st ProgressAdmin, dlq DeadLetters, scanner *reengagement.Scanner, processor *worker.Processor, limiter *ratelimit.TokenBucket, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:     st,
		dlq:       dlq,
		scanner:   scanner,
		processor: processor,
		limiter:   limiter,
		logger:    logger,
		clock:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(func(*http.Request) { telemetry.RateLimitRejects.Inc() }))
		}
		r.Post("/scan", s.handleScan)
		r.Post("/dispatch", s.handleDispatch)
	})

	r.Route("/activities/{id}/progress", func(r chi.Router) {
		r.Get("/", s.handleListProgress)
		r.Delete("/", s.handleResetActivity)
		r.Delete("/{userID}", s.handleRemoveUser)
	})
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.scanner.Run(r.Context(), s.clock())
	if err != nil {
		s.logger.Error("manual scan failed", zap.Error(err))
		http.Error(w, "scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.processor.RunOnce(r.Context(), s.clock())
	if err != nil {
		s.logger.Error("manual dispatch failed", zap.Error(err))
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.activityID(w, r)
	if !ok {
		return
	}
	recs, err := s.store.ListProgress(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to list progress", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity_id": id, "items": recs})
}

// handleResetActivity drops every record of an activity, as a course reset does.
func (s *Server) handleResetActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.activityID(w, r)
	if !ok {
		return
	}
	n, err := s.store.DeleteActivityProgress(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to delete progress", http.StatusInternalServerError)
		return
	}
	s.logger.Info("activity progress reset", zap.Int64("activity_id", id), zap.Int64("deleted", n))
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// handleRemoveUser drops one user's record, as an unenrolment cleanup does.
func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.activityID(w, r)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	n, err := s.store.DeleteUserProgress(r.Context(), id, userID)
	if err != nil {
		http.Error(w, "failed to delete progress", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// handleDLQ returns the DLQ contents.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	entries := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		entries = append(entries, json.RawMessage(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

// activityID parses the {id} parameter and checks the activity exists.
func (s *Server) activityID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid activity id", http.StatusBadRequest)
		return 0, false
	}
	if _, err := s.store.GetDefinition(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrDefinitionNotFound) {
			http.Error(w, "activity not found", http.StatusNotFound)
			return 0, false
		}
		http.Error(w, "failed to load activity", http.StatusInternalServerError)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
