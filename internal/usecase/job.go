package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/domain"
)

// JobService creates and administers jobs.
type JobService struct {
	Store domain.Store
}

// NewJobService constructs a JobService.
func NewJobService(store domain.Store) JobService {
	return JobService{Store: store}
}

// TaskSpec declares one task of a submitted job.
type TaskSpec struct {
	Name      string
	Needs     []string
	AgentType string
	RunCmd    string
	Queue     string
	Gate      string
	Var       string
}

// JobStatus is the composed read model of one job.
type JobStatus struct {
	Job   domain.Job
	Tasks []domain.Task
}

// Submit validates the task DAG and creates the job with every task pending.
// A supplied id must be unused; an empty id gets a generated one.
func (s JobService) Submit(ctx context.Context, jobID, name string, specs []TaskSpec) (domain.Job, error) {
	if jobID == "" {
		jobID = "job_" + uuid.NewString()
	}
	if err := domain.ValidateIdentifier("job_id", jobID); err != nil {
		return domain.Job{}, err
	}
	if err := domain.ValidateIdentifier("name", name); err != nil {
		return domain.Job{}, err
	}
	if len(specs) == 0 {
		return domain.Job{}, fmt.Errorf("op=job.submit: job %s has no tasks: %w", jobID, domain.ErrInvalidArgument)
	}
	if err := validateDAG(specs); err != nil {
		return domain.Job{}, err
	}

	job := domain.Job{ID: jobID, Name: name, Status: domain.StatusPending}
	tasks := make([]domain.Task, 0, len(specs))
	for _, sp := range specs {
		tasks = append(tasks, domain.Task{
			ID:        "task_" + uuid.NewString(),
			JobID:     jobID,
			Name:      sp.Name,
			Needs:     sp.Needs,
			AgentType: sp.AgentType,
			RunCmd:    sp.RunCmd,
			Queue:     sp.Queue,
			Gate:      sp.Gate,
			Var:       sp.Var,
			Status:    domain.StatusPending,
			Attempt:   1,
		})
	}
	if err := s.Store.CreateJob(ctx, job, tasks); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.submit: %w", err)
	}
	slog.Info("job submitted",
		slog.String("job_id", jobID),
		slog.String("name", name),
		slog.Int("tasks", len(tasks)))
	return job, nil
}

// validateDAG checks unique task names, known dependencies, and acyclicity.
func validateDAG(specs []TaskSpec) error {
	byName := make(map[string][]string, len(specs))
	for _, sp := range specs {
		if err := domain.ValidateIdentifier("task", sp.Name); err != nil {
			return err
		}
		if sp.AgentType == "" {
			return fmt.Errorf("op=job.submit: task %s has no agent_type: %w", sp.Name, domain.ErrInvalidArgument)
		}
		if _, dup := byName[sp.Name]; dup {
			return fmt.Errorf("op=job.submit: duplicate task %s: %w", sp.Name, domain.ErrConflict)
		}
		byName[sp.Name] = sp.Needs
	}
	for name, needs := range byName {
		for _, dep := range needs {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("op=job.submit: task %s needs unknown task %s: %w", name, dep, domain.ErrInvalidArgument)
			}
		}
	}
	// Color-marking cycle detection over the needs edges.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(byName))
	var visit func(string) error
	visit = func(n string) error {
		switch color[n] {
		case grey:
			return fmt.Errorf("op=job.submit: dependency cycle through %s: %w", n, domain.ErrInvalidArgument)
		case black:
			return nil
		}
		color[n] = grey
		for _, dep := range byName[n] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[n] = black
		return nil
	}
	for name := range byName {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Status returns the job and its tasks.
func (s JobService) Status(ctx context.Context, jobID string) (JobStatus, error) {
	if err := domain.ValidateIdentifier("job_id", jobID); err != nil {
		return JobStatus{}, err
	}
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("op=job.status: %w", err)
	}
	tasks, err := s.Store.ListTasks(ctx, jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("op=job.status: %w", err)
	}
	return JobStatus{Job: job, Tasks: tasks}, nil
}

// List returns jobs matching the filter.
func (s JobService) List(ctx context.Context, f domain.ListJobsFilter) ([]domain.Job, error) {
	if f.Status != "" && !domain.ValidStatus(f.Status) {
		return nil, fmt.Errorf("op=job.list: unknown status %q: %w", f.Status, domain.ErrInvalidArgument)
	}
	jobs, err := s.Store.ListJobs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return jobs, nil
}

// Cancel terminates the job: every non-terminal task completes with failure,
// all open awakeables flip to CANCELLED, and the job itself completes.
func (s JobService) Cancel(ctx context.Context, jobID, reason string) error {
	if err := domain.ValidateIdentifier("job_id", jobID); err != nil {
		return err
	}
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if domain.IsTerminal(job.Status) {
		return fmt.Errorf("op=job.cancel: job %s already completed: %w", jobID, domain.ErrInvalidTransition)
	}
	if reason == "" {
		reason = "cancelled"
	}

	tasks, err := s.Store.ListTasks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	for _, t := range tasks {
		if domain.IsTerminal(t.Status) {
			continue
		}
		if err := s.Store.TransitionTask(ctx, jobID, t.Name, t.Status, domain.StatusCompleted, domain.TransitionUpdate{
			Reason:  reason,
			Result:  domain.ResultFailure,
			Failure: reason,
		}); err != nil {
			return fmt.Errorf("op=job.cancel: task %s: %w", t.Name, err)
		}
	}
	if n, err := s.Store.CancelJobAwakeables(ctx, jobID); err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	} else if n > 0 {
		slog.Info("awakeables cancelled", slog.String("job_id", jobID), slog.Int("count", n))
	}
	if err := s.Store.TransitionJob(ctx, jobID, job.Status, domain.StatusCompleted, domain.TransitionUpdate{
		Reason:  reason,
		Result:  domain.ResultFailure,
		Failure: reason,
	}); err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	slog.Info("job cancelled", slog.String("job_id", jobID), slog.String("reason", reason))
	return nil
}

// Retry re-enqueues the job's backing-off and paused tasks immediately,
// ahead of their next_retry_at. Tasks in other states are untouched.
func (s JobService) Retry(ctx context.Context, jobID string) (int, error) {
	if err := domain.ValidateIdentifier("job_id", jobID); err != nil {
		return 0, err
	}
	if _, err := s.Store.GetJob(ctx, jobID); err != nil {
		return 0, fmt.Errorf("op=job.retry: %w", err)
	}
	tasks, err := s.Store.ListTasks(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("op=job.retry: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if t.Status != domain.StatusBackingOff && t.Status != domain.StatusPaused {
			continue
		}
		// Workers lease backing-off and paused rows without consulting
		// next_retry_at; enqueueing now is the whole fast path.
		if err := s.Store.Enqueue(ctx, jobID, t.Name, t.QueueName()); err != nil {
			return n, fmt.Errorf("op=job.retry: task %s: %w", t.Name, err)
		}
		n++
	}
	slog.Info("job retried", slog.String("job_id", jobID), slog.Int("tasks", n))
	return n, nil
}
