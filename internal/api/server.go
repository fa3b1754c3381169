package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"snipeflow/internal/domain"
	"snipeflow/internal/metrics"
	"snipeflow/internal/queue"
	"snipeflow/internal/scheduler"
	"snipeflow/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Scheduler is the task API the server exposes.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.ScheduleRequest) (domain.Task, error)
	Cancel(ctx context.Context, id string) (domain.CancelOutcome, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, shardKey string, f store.ListFilter) ([]domain.Task, error)
	Count(ctx context.Context, shardKey string, f store.ListFilter) (int, error)
	ArmedAt(ctx context.Context, shardKey string) (time.Time, bool, error)
	Wake(ctx context.Context, shardKey string) error
}

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type Server struct {
	r     *chi.Mux
	sched Scheduler
	queue QueueStats
}

func NewServer(sched Scheduler, q QueueStats) http.Handler {
	return NewServerWithDebug(sched, q, false)
}

func NewServerWithDebug(sched Scheduler, q QueueStats, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, countRequests)

	s := &Server{r: r, sched: sched, queue: q}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.scheduleTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Get("/shards/{key}", s.getShard)
		r.Post("/shards/{key}/wake", s.wakeShard)
		r.Get("/shards/{key}/tasks", s.listTasks)
	})

	// Debug routes (pprof)
	if enableDebug {
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

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue": map[string]int{
			"ready":     stats.Ready,
			"in_flight": stats.InFlight,
			"delayed":   stats.Delayed,
			"dead":      stats.Dead,
		},
	})
}

type scheduleReq struct {
	ShardKey        string          `json:"shard_key"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	TargetTime      time.Time       `json:"target_time"`
	LeadTimeSeconds *float64        `json:"lead_time_seconds"`
	MaxAttempts     int             `json:"max_attempts"`
}

type scheduleResp struct {
	ID        string    `json:"id"`
	ShardKey  string    `json:"shard_key"`
	Status    string    `json:"status"`
	ExecuteAt time.Time `json:"execute_at"`
}

func (s *Server) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	lead := domain.DefaultLeadTime
	if req.LeadTimeSeconds != nil {
		lead = time.Duration(*req.LeadTimeSeconds * float64(time.Second))
	}
	t, err := s.sched.Schedule(r.Context(), scheduler.ScheduleRequest{
		ShardKey:    req.ShardKey,
		Kind:        req.Kind,
		Payload:     req.Payload,
		TargetTime:  req.TargetTime,
		LeadTime:    lead,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResp{
		ID:        t.ID,
		ShardKey:  t.ShardKey,
		Status:    string(t.Status),
		ExecuteAt: t.ExecuteAt,
	})
}

type taskView struct {
	ID              string          `json:"id"`
	ShardKey        string          `json:"shard_key"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	TargetTime      time.Time       `json:"target_time"`
	LeadTimeSeconds float64         `json:"lead_time_seconds"`
	ExecuteAt       time.Time       `json:"execute_at"`
	Status          string          `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	Result          string          `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	DispatchedAt    *time.Time      `json:"dispatched_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func viewOf(t domain.Task) taskView {
	return taskView{
		ID:              t.ID,
		ShardKey:        t.ShardKey,
		Kind:            t.Kind,
		Payload:         t.Payload,
		TargetTime:      t.TargetTime,
		LeadTimeSeconds: t.LeadTime.Seconds(),
		ExecuteAt:       t.ExecuteAt,
		Status:          string(t.Status),
		AttemptCount:    t.AttemptCount,
		MaxAttempts:     t.MaxAttempts,
		Result:          t.Result,
		CreatedAt:       t.CreatedAt,
		DispatchedAt:    t.DispatchedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := s.sched.Cancel(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	code := http.StatusOK
	switch outcome {
	case domain.OutcomeAlreadyDispatched:
		code = http.StatusConflict
	case domain.OutcomeNotFound:
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"id": id, "outcome": string(outcome)})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{Limit: defaultListLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("status"); v != "" {
		f.Status = domain.Status(v)
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
	}

	key := chi.URLParam(r, "key")
	tasks, err := s.sched.List(r.Context(), key, f)
	if err != nil {
		writeErr(w, err)
		return
	}
	total, err := s.sched.Count(r.Context(), key, store.ListFilter{Status: f.Status})
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := listResp{Tasks: make([]taskView, 0, len(tasks)), Total: total}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, viewOf(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

type listResp struct {
	Tasks []taskView `json:"tasks"`
	Total int        `json:"total"`
}

type shardResp struct {
	ShardKey    string     `json:"shard_key"`
	Armed       bool       `json:"armed"`
	NextArmedAt *time.Time `json:"next_armed_at,omitempty"`
}

func (s *Server) getShard(w http.ResponseWriter, r *http.Request) {
	s.writeShard(w, r, chi.URLParam(r, "key"))
}

// wakeShard runs a wake cycle now, dispatching whatever is due.
func (s *Server) wakeShard(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.sched.Wake(r.Context(), key); err != nil {
		writeErr(w, err)
		return
	}
	s.writeShard(w, r, key)
}

func (s *Server) writeShard(w http.ResponseWriter, r *http.Request, key string) {
	at, armed, err := s.sched.ArmedAt(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := shardResp{ShardKey: key, Armed: armed}
	if armed {
		resp.NextArmedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
