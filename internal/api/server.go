package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobflow/internal/domain"
	"jobflow/internal/queue"
	"jobflow/internal/ratelimit"
	"jobflow/internal/scheduler"
)

type Server struct {
	r       *chi.Mux
	store   queue.Store
	limiter *ratelimit.Limiter
}

func NewServer(store queue.Store, limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: store, limiter: limiter}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/jobs", s.enqueueJob)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Get("/api/stats", s.stats)
	r.Get("/api/usage", s.usage)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type enqueueReq struct {
	Type       string          `json:"type"`
	DedupKey   *string         `json:"dedup_key"`
	Params     json.RawMessage `json:"params"`
	RunAfter   *time.Time      `json:"run_after"`
	MaxRetries int             `json:"max_retries"`
}

type enqueueResp struct {
	ID      string `json:"id"`
	Skipped bool   `json:"skipped,omitempty"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", 400)
		return
	}
	eq := queue.EnqueueRequest{
		Type:       req.Type,
		DedupKey:   req.DedupKey,
		Params:     req.Params,
		MaxRetries: req.MaxRetries,
	}
	if req.RunAfter != nil {
		eq.RunAfter = req.RunAfter.UTC()
	}
	id, skipped, err := s.store.Enqueue(r.Context(), eq)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	status := http.StatusAccepted
	if skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, enqueueResp{ID: id, Skipped: skipped})
}

type jobResp struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	DedupKey      *string         `json:"dedup_key,omitempty"`
	Status        domain.Status   `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	RunAfter      time.Time       `json:"run_after"`
	LockedAt      *time.Time      `json:"locked_at,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ResultSummary *string         `json:"result_summary,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func toJobResp(j domain.Job) jobResp {
	return jobResp{
		ID: j.ID, Type: j.Type, DedupKey: j.DedupKey, Status: j.Status,
		RetryCount: j.RetryCount, MaxRetries: j.MaxRetries, RunAfter: j.RunAfter,
		LockedAt: j.LockedAt, ErrorMessage: j.ErrorMessage, Result: j.Result,
		ResultSummary: j.ResultSummary, CreatedAt: j.CreatedAt, CompletedAt: j.CompletedAt,
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	jobs, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]jobResp, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResp(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "jobflow_up 1\n")
	fmt.Fprintf(w, "jobflow_jobs{status=\"pending\"} %d\n", stats.Pending)
	fmt.Fprintf(w, "jobflow_jobs{status=\"processing\"} %d\n", stats.Processing)
	fmt.Fprintf(w, "jobflow_jobs{status=\"completed\"} %d\n", stats.Completed)
	fmt.Fprintf(w, "jobflow_jobs{status=\"failed\"} %d\n", stats.Failed)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC3339", 400)
			return
		}
		stats, err := s.store.StatsSince(r.Context(), since.UTC())
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		http.Error(w, "rate limiter not configured", 404)
		return
	}
	usage, err := s.limiter.GetCurrentUsage(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type scheduleReq struct {
	Name       string          `json:"name"`
	CronExpr   string          `json:"cron_expr"`
	JobType    string          `json:"job_type"`
	Params     json.RawMessage `json:"params"`
	DedupKey   *string         `json:"dedup_key"`
	MaxRetries int             `json:"max_retries"`
	Enabled    *bool           `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.CronExpr == "" || req.JobType == "" {
		http.Error(w, "name, cron_expr and job_type are required", 400)
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	id, err := s.store.CreateSchedule(r.Context(), domain.Schedule{
		Name:       req.Name,
		CronExpr:   req.CronExpr,
		JobType:    req.JobType,
		Params:     req.Params,
		DedupKey:   req.DedupKey,
		MaxRetries: req.MaxRetries,
		Enabled:    enabled,
		NextRun:    nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sch, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		existing.CronExpr = req.CronExpr
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now().UTC())
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		existing.NextRun = nextRun
	}
	if req.JobType != "" {
		existing.JobType = req.JobType
	}
	if req.Params != nil {
		existing.Params = req.Params
	}
	if req.DedupKey != nil {
		existing.DedupKey = req.DedupKey
	}
	if req.MaxRetries != 0 {
		existing.MaxRetries = req.MaxRetries
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}

	if err := s.store.UpdateSchedule(r.Context(), existing); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
