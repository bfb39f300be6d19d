package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tenantflow/internal/domain"
	"tenantflow/internal/queue"
	"tenantflow/internal/scheduler"
	"tenantflow/internal/tenancy"
	"tenantflow/internal/tenant"
)

// Deps are the services behind the API. Schedule and Fanout are optional.
type Deps struct {
	Repo      queue.Repository
	Submitter *tenancy.Submitter
	Tenants   tenant.Resolver
	Schedule  *scheduler.Service
	Fanout    *scheduler.Fanout
	Gatherer  prometheus.Gatherer
	Debug     bool
}

type Server struct {
	Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{Deps: d}
	if s.Gatherer == nil {
		s.Gatherer = prometheus.DefaultGatherer
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Post("/schedules/{id}/run", s.runSchedule)
		r.Get("/schedule", s.mergedSchedule)
		r.Get("/tenants", s.listTenants)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Headers        domain.Headers  `json:"headers"`
	Schema         string          `json:"schema"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

type submitResp struct {
	ID     string `json:"id"`
	Schema string `json:"schema"`
}

// submitTask enqueues a task. Requests carry no database session, so the
// task runs in public unless it names a schema.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", 400)
		return
	}
	headers := req.Headers.Clone()
	if req.Schema != "" {
		if err := s.checkSchemas(r.Context(), []string{req.Schema}); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		headers[domain.HeaderSchemaName] = req.Schema
	}
	task := domain.Task{
		Type: req.Type, Payload: req.Payload, Headers: headers, Priority: req.Priority,
		MaxAttempts: req.MaxAttempts, IdempotencyKey: req.IdempotencyKey,
		VisibilityTimeout: 60,
	}
	id, err := s.Submitter.ApplyAsync(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	stamped := tenancy.StampHeaders(headers, s.Submitter.ActiveSchema(r.Context()))
	writeJSON(w, http.StatusAccepted, submitResp{ID: id, Schema: stamped[domain.HeaderSchemaName]})
}

type taskResp struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	State       string         `json:"state"`
	Headers     domain.Headers `json:"headers"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Priority    int            `json:"priority"`
	NextRunAt   string         `json:"next_run_at"`
}

func toTaskResp(t domain.Task) taskResp {
	return taskResp{
		ID:          t.ID,
		Type:        t.Type,
		State:       t.State,
		Headers:     t.Headers,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		Priority:    t.Priority,
		NextRunAt:   t.NextRunAt.Format(time.RFC3339),
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.Repo.Get(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, 200, toTaskResp(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		limit = n
	}
	tasks, err := s.Repo.ListRecentTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResp(t))
	}
	writeJSON(w, 200, out)
}

type scheduleReq struct {
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	TaskType    string          `json:"task_type"`
	Payload     json.RawMessage `json:"payload"`
	Headers     domain.Headers  `json:"headers"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     bool            `json:"enabled"`
	// TenantSchemas absent or null targets every tenant.
	TenantSchemas *[]string `json:"tenant_schemas"`
	// AllTenants, on update, resets the targets to every tenant.
	AllTenants bool `json:"all_tenants"`
}

type createScheduleResp struct {
	ID string `json:"id"`
}

// checkSchemas rejects schemas that are neither public nor a tenant.
func (s *Server) checkSchemas(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	tenants, err := s.Tenants.ListAll(ctx)
	if err != nil {
		return err
	}
	known := map[string]bool{s.Tenants.PublicSchemaName(): true}
	for _, t := range tenants {
		known[t.SchemaName] = true
	}
	for _, n := range names {
		if !known[n] {
			return fmt.Errorf("unknown tenant schema %q", n)
		}
	}
	return nil
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.TaskType == "" {
		http.Error(w, "task_type is required", 400)
		return
	}

	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}

	schedule := domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		TaskType:    req.TaskType,
		Payload:     req.Payload,
		Headers:     req.Headers,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled,
		NextRun:     nextRun,
	}
	if req.TenantSchemas != nil {
		if err := s.checkSchemas(r.Context(), *req.TenantSchemas); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		schedule.TenantSchemas = *req.TenantSchemas
	}

	id, err := s.Repo.CreateSchedule(r.Context(), schedule)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.Repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.Repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.Repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRepoError(w, err)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		schedule.CronExpr = req.CronExpr
		schedule.NextRun = nextRun
	}
	if req.TaskType != "" {
		schedule.TaskType = req.TaskType
	}
	if req.Payload != nil {
		schedule.Payload = req.Payload
	}
	if req.Headers != nil {
		schedule.Headers = req.Headers
	}
	if req.Priority > 0 {
		schedule.Priority = req.Priority
	}
	if req.MaxAttempts > 0 {
		schedule.MaxAttempts = req.MaxAttempts
	}
	switch {
	case req.AllTenants:
		schedule.TenantSchemas = nil
	case req.TenantSchemas != nil:
		if err := s.checkSchemas(r.Context(), *req.TenantSchemas); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		schedule.TenantSchemas = *req.TenantSchemas
	}
	schedule.Enabled = req.Enabled

	if err := s.Repo.UpdateSchedule(r.Context(), schedule); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runResp struct {
	Key string `json:"key"`
	scheduler.FanoutResult
	Error string `json:"error,omitempty"`
}

// runSchedule fans a schedule out now, without moving its next run.
func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Fanout == nil {
		http.Error(w, "fan-out is not configured", http.StatusNotImplemented)
		return
	}
	schedule, err := s.Repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	var out []runResp
	for _, e := range scheduler.Expand([]domain.Schedule{schedule}) {
		res, err := s.Fanout.ApplyEntry(r.Context(), e)
		rr := runResp{Key: e.Key, FanoutResult: res}
		if err != nil {
			rr.Error = err.Error()
		}
		out = append(out, rr)
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) mergedSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Schedule == nil {
		http.Error(w, "scheduler is not configured", http.StatusNotImplemented)
		return
	}
	entries, err := s.Schedule.Schedule(r.Context())
	if err != nil {
		status := 500
		if errors.Is(err, scheduler.ErrDuplicateTaskName) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	if entries == nil {
		entries = []*scheduler.Entry{}
	}
	writeJSON(w, 200, entries)
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.Tenants.ListAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tenants == nil {
		tenants = []domain.Tenant{}
	}
	writeJSON(w, 200, tenants)
}

func writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	http.Error(w, err.Error(), 500)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
