// Package httpserver is the control-plane REST surface: awakeable settlement,
// job administration and the lifecycle event feed. Handlers translate the
// domain error taxonomy into HTTP status codes and stay thin over the
// usecase services.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Jobs       usecase.JobService
	Awakeables usecase.AwakeableService
	Events     usecase.EventService
	Store      domain.Store
	DBCheck    func(ctx context.Context) error
}

// NewServer constructs a Server with all handlers wired.
func NewServer(cfg config.Config, jobs usecase.JobService, awk usecase.AwakeableService, events usecase.EventService, store domain.Store, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, Awakeables: awk, Events: events, Store: store, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type jobView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Failure     string     `json:"failure,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type taskView struct {
	Name        string          `json:"name"`
	Needs       []string        `json:"needs,omitempty"`
	AgentType   string          `json:"agent_type"`
	Queue       string          `json:"queue"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	Result      string          `json:"result,omitempty"`
	Failure     string          `json:"failure,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	WakeAt      *time.Time      `json:"wake_at,omitempty"`
}

type awakeableView struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	TaskName   string     `json:"task"`
	EntryIndex int        `json:"entry_index"`
	Status     string     `json:"status"`
	TimeoutAt  *time.Time `json:"timeout_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type eventView struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	TaskName  string    `json:"task,omitempty"`
	EventType string    `json:"event_type"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID: j.ID, Name: j.Name, Status: string(j.Status),
		RetryCount: j.RetryCount, NextRetryAt: j.NextRetryAt,
		Result: string(j.CompletionResult), Failure: j.CompletionFailure,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func toTaskView(t domain.Task) taskView {
	v := taskView{
		Name: t.Name, Needs: t.Needs, AgentType: t.AgentType,
		Queue: t.QueueName(), Status: string(t.Status), Attempt: t.Attempt,
		Result: string(t.Result), Failure: t.Failure,
		NextRetryAt: t.NextRetryAt, WakeAt: t.WakeAt,
	}
	if json.Valid(t.Output) {
		v.Output = json.RawMessage(t.Output)
	} else if len(t.Output) > 0 {
		raw, _ := json.Marshal(string(t.Output))
		v.Output = raw
	}
	return v
}

func toAwakeableView(a domain.Awakeable) awakeableView {
	return awakeableView{
		ID: a.ID, JobID: a.JobID, TaskName: a.TaskName, EntryIndex: a.EntryIndex,
		Status: string(a.Status), TimeoutAt: a.TimeoutAt,
		CreatedAt: a.CreatedAt, ResolvedAt: a.ResolvedAt,
	}
}

func toEventView(e domain.Event) eventView {
	return eventView{
		ID: e.ID, JobID: e.JobID, TaskName: e.TaskName, EventType: e.EventType,
		OldState: string(e.OldState), NewState: string(e.NewState),
		Reason: e.Reason, CreatedAt: e.CreatedAt,
	}
}

// ResolveAwakeableHandler settles an awakeable with a JSON payload and wakes
// the awaiting task. Any valid JSON document is accepted as the payload.
func (s *Server) ResolveAwakeableHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		payload, err := io.ReadAll(io.LimitReader(r.Body, int64(domain.MaxPayloadBytes)+1))
		if err != nil {
			writeSettleFailure(w, http.StatusBadRequest, "read body failed", "")
			return
		}
		if !json.Valid(payload) {
			writeSettleFailure(w, http.StatusBadRequest, "payload must be valid JSON", "")
			return
		}
		a, err := s.Awakeables.Resolve(r.Context(), id, payload)
		if err != nil {
			s.writeSettleError(w, r, id, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"awakeable_id": a.ID,
			"payload":      json.RawMessage(payload),
		})
	}
}

type rejectRequest struct {
	Error string `json:"error" validate:"required"`
}

// RejectAwakeableHandler settles an awakeable with an error string.
func (s *Server) RejectAwakeableHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req rejectRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, int64(domain.MaxPayloadBytes)+1)).Decode(&req); err != nil {
			writeSettleFailure(w, http.StatusBadRequest, "invalid json body", "")
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeSettleFailure(w, http.StatusBadRequest, "error string is required", "")
			return
		}
		a, err := s.Awakeables.Reject(r.Context(), id, req.Error)
		if err != nil {
			s.writeSettleError(w, r, id, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"awakeable_id": a.ID,
			"error":        req.Error,
		})
	}
}

// writeSettleError emits the flat resolve/reject failure shape. A lost
// settlement race reports "not pending" plus the awakeable's current status,
// so callers can tell it apart from a bad id.
func (s *Server) writeSettleError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotPending):
		status := ""
		if a, gerr := s.Store.GetAwakeable(r.Context(), id); gerr == nil {
			status = string(a.Status)
		}
		writeSettleFailure(w, http.StatusConflict, "not pending", status)
	case errors.Is(err, domain.ErrNotFound):
		writeSettleFailure(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeSettleFailure(w, http.StatusBadRequest, err.Error(), "")
	default:
		writeSettleFailure(w, http.StatusInternalServerError, "internal error", "")
	}
}

// SweepAwakeablesHandler expires every pending awakeable whose deadline has
// passed, waking the affected tasks. The periodic sweeper uses the same code
// path; this endpoint exists for operators who don't want to wait for it.
func (s *Server) SweepAwakeablesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Awakeables.Sweep(r.Context(), time.Now().UTC())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"expired": n})
	}
}

// ShowAwakeableHandler returns one awakeable.
func (s *Server) ShowAwakeableHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.Awakeables.Show(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toAwakeableView(a))
	}
}

// ListAwakeablesHandler returns the awakeables of a job.
func (s *Server) ListAwakeablesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		out, err := s.Awakeables.List(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]awakeableView, 0, len(out))
		for _, a := range out {
			views = append(views, toAwakeableView(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{"awakeables": views})
	}
}

type submitTaskSpec struct {
	Name      string   `json:"name" validate:"required"`
	Needs     []string `json:"needs"`
	AgentType string   `json:"agent_type" validate:"required"`
	RunCmd    string   `json:"run_cmd"`
	Queue     string   `json:"queue"`
	Gate      string   `json:"gate"`
	Var       string   `json:"var"`
}

type submitJobRequest struct {
	ID    string           `json:"id"`
	Name  string           `json:"name" validate:"required"`
	Tasks []submitTaskSpec `json:"tasks" validate:"required,min=1,dive"`
}

// SubmitJobHandler creates a job from a task DAG.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("invalid job: %w", domain.ErrInvalidArgument), map[string]any{"validation": err.Error()})
			return
		}
		specs := make([]usecase.TaskSpec, 0, len(req.Tasks))
		for _, t := range req.Tasks {
			specs = append(specs, usecase.TaskSpec{
				Name: t.Name, Needs: t.Needs, AgentType: t.AgentType,
				RunCmd: t.RunCmd, Queue: t.Queue, Gate: t.Gate, Var: t.Var,
			})
		}
		job, err := s.Jobs.Submit(r.Context(), req.ID, req.Name, specs)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobView(job))
	}
}

// JobStatusHandler returns a job and its tasks.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Jobs.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		tasks := make([]taskView, 0, len(st.Tasks))
		for _, t := range st.Tasks {
			tasks = append(tasks, toTaskView(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job":   toJobView(st.Job),
			"tasks": tasks,
		})
	}
}

// ListJobsHandler returns jobs, optionally filtered by status.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := domain.ListJobsFilter{
			Status: domain.Status(r.URL.Query().Get("status")),
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		}
		jobs, err := s.Jobs.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelJobHandler terminates a job and all its non-terminal tasks.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, r, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument), nil)
				return
			}
		}
		id := chi.URLParam(r, "id")
		if err := s.Jobs.Cancel(r.Context(), id, req.Reason); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": id})
	}
}

// RetryJobHandler re-enqueues the job's backing-off and paused tasks now.
func (s *Server) RetryJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		n, err := s.Jobs.Retry(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": id, "tasks_enqueued": n})
	}
}

// JobEventsHandler returns the ordered lifecycle event history of a job.
func (s *Server) JobEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		events, err := s.Events.List(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]eventView, 0, len(events))
		for _, e := range events {
			views = append(views, toEventView(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": views})
	}
}

// QueueDepthHandler reports the number of queued tasks on one queue.
func (s *Server) QueueDepthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := chi.URLParam(r, "queue")
		depth, err := s.Store.QueueDepth(r.Context(), queue)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "depth": depth})
	}
}

// ListWorkersHandler returns the registered workers and their slot usage.
func (s *Server) ListWorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := s.Store.ListWorkers(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		type workerView struct {
			ID            string    `json:"id"`
			Capabilities  []string  `json:"capabilities"`
			MaxSlots      int       `json:"max_slots"`
			ActiveSlots   int       `json:"active_slots"`
			LastHeartbeat time.Time `json:"last_heartbeat"`
		}
		views := make([]workerView, 0, len(workers))
		for _, wk := range workers {
			views = append(views, workerView{
				ID: wk.ID, Capabilities: wk.Capabilities,
				MaxSlots: wk.MaxSlots, ActiveSlots: wk.ActiveSlots,
				LastHeartbeat: wk.LastHeartbeat,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": views})
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "service healthy"})
	}
}

// ReadyzHandler checks the store dependency.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
