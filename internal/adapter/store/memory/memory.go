// Package memory provides an in-process Store implementation guarded by a
// single mutex. It backs unit tests and the `memory` store mode; the
// transactional contracts mirror the postgres adapter exactly.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/domain"
)

type invocationKey struct {
	jobID    string
	taskName string
	attempt  int
}

type taskKey struct {
	jobID string
	name  string
}

type objectKey struct {
	entity string
	key    string
}

type runKey struct {
	entity     string
	workflowID string
}

// Store is the in-memory engine store.
type Store struct {
	mu sync.Mutex

	jobs       map[string]domain.Job
	tasks      map[taskKey]domain.Task
	taskOrder  []taskKey
	journal    map[invocationKey][]domain.JournalEntry
	awakeables map[string]domain.Awakeable
	entities   map[string]domain.Entity
	objState   map[objectKey]map[string][]byte
	locks      map[objectKey]domain.ObjectLock
	runs       map[runKey]domain.WorkflowRun
	workers    map[string]domain.Worker
	queued     map[taskKey]domain.QueuedTask
	events     []domain.Event
	nextEvent  int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]domain.Job),
		tasks:      make(map[taskKey]domain.Task),
		journal:    make(map[invocationKey][]domain.JournalEntry),
		awakeables: make(map[string]domain.Awakeable),
		entities:   make(map[string]domain.Entity),
		objState:   make(map[objectKey]map[string][]byte),
		locks:      make(map[objectKey]domain.ObjectLock),
		runs:       make(map[runKey]domain.WorkflowRun),
		workers:    make(map[string]domain.Worker),
		queued:     make(map[taskKey]domain.QueuedTask),
		nextEvent:  1,
	}
}

var _ domain.Store = (*Store)(nil)

// --- jobs ---

// CreateJob inserts the job and its task DAG atomically.
func (s *Store) CreateJob(_ context.Context, job domain.Job, tasks []domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("op=job.create: job %s: %w", job.ID, domain.ErrConflict)
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.JobID != job.ID {
			return fmt.Errorf("op=job.create: task %s belongs to %s: %w", t.Name, t.JobID, domain.ErrInvalidArgument)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("op=job.create: duplicate task %s: %w", t.Name, domain.ErrConflict)
		}
		seen[t.Name] = struct{}{}
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.StatusPending
	}
	s.jobs[job.ID] = job
	for _, t := range tasks {
		if t.Status == "" {
			t.Status = domain.StatusPending
		}
		if t.Attempt == 0 {
			t.Attempt = 1
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		k := taskKey{t.JobID, t.Name}
		s.tasks[k] = t
		s.taskOrder = append(s.taskOrder, k)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(_ context.Context, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: job %s: %w", jobID, domain.ErrNotFound)
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(_ context.Context, f domain.ListJobsFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// TransitionJob validates and applies a job lifecycle transition, emitting the
// event row under the same lock.
func (s *Store) TransitionJob(_ context.Context, jobID string, from, to domain.Status, upd domain.TransitionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=job.transition: job %s: %w", jobID, domain.ErrNotFound)
	}
	if j.Status != from {
		return fmt.Errorf("op=job.transition: job %s is %s, not %s: %w", jobID, j.Status, from, domain.ErrInvalidTransition)
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=job.transition: %s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	if to == domain.StatusBackingOff {
		j.RetryCount++
		j.NextRetryAt = upd.NextRetryAt
	}
	if to == domain.StatusCompleted {
		j.CompletionResult = upd.Result
		j.CompletionFailure = upd.Failure
	}
	s.jobs[jobID] = j
	s.appendEventLocked(jobID, "", domain.EventJobStateChange, from, to, upd.Reason)
	return nil
}

// PurgeCompletedJobs deletes completed jobs older than before, with all
// dependent rows.
func (s *Store) PurgeCompletedJobs(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, j := range s.jobs {
		if j.Status != domain.StatusCompleted || !j.UpdatedAt.Before(before) {
			continue
		}
		delete(s.jobs, id)
		purged++
		for k := range s.tasks {
			if k.jobID == id {
				delete(s.tasks, k)
				delete(s.queued, k)
			}
		}
		kept := s.taskOrder[:0]
		for _, k := range s.taskOrder {
			if k.jobID != id {
				kept = append(kept, k)
			}
		}
		s.taskOrder = kept
		for k := range s.journal {
			if k.jobID == id {
				delete(s.journal, k)
			}
		}
		for aid, a := range s.awakeables {
			if a.JobID == id {
				delete(s.awakeables, aid)
			}
		}
		events := s.events[:0]
		for _, ev := range s.events {
			if ev.JobID != id {
				events = append(events, ev)
			}
		}
		s.events = events
	}
	return purged, nil
}

// --- tasks ---

// GetTask loads one task.
func (s *Store) GetTask(_ context.Context, jobID, name string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey{jobID, name}]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.get: task %s/%s: %w", jobID, name, domain.ErrNotFound)
	}
	return t, nil
}

// ListTasks returns the job's tasks in creation order.
func (s *Store) ListTasks(_ context.Context, jobID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, k := range s.taskOrder {
		if k.jobID != jobID {
			continue
		}
		if t, ok := s.tasks[k]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListTasksByStatus returns up to limit tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(_ context.Context, status domain.Status, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, k := range s.taskOrder {
		t, ok := s.tasks[k]
		if !ok || t.Status != status {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// TransitionTask validates and applies a task lifecycle transition, updates the
// parent job's retry bookkeeping on entry to backing-off, and emits the event.
func (s *Store) TransitionTask(_ context.Context, jobID, name string, from, to domain.Status, upd domain.TransitionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey{jobID, name}
	t, ok := s.tasks[k]
	if !ok {
		return fmt.Errorf("op=task.transition: task %s/%s: %w", jobID, name, domain.ErrNotFound)
	}
	if t.Status != from {
		return fmt.Errorf("op=task.transition: task %s/%s is %s, not %s: %w", jobID, name, t.Status, from, domain.ErrInvalidTransition)
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=task.transition: %s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	t.Status = to
	t.UpdatedAt = now
	t.WakeAt = upd.WakeAt
	if to == domain.StatusBackingOff {
		t.NextRetryAt = upd.NextRetryAt
		if j, ok := s.jobs[jobID]; ok {
			j.RetryCount++
			j.NextRetryAt = upd.NextRetryAt
			j.UpdatedAt = now
			s.jobs[jobID] = j
		}
	}
	if to == domain.StatusCompleted {
		t.Result = upd.Result
		t.Failure = upd.Failure
		if upd.Output != nil {
			t.Output = upd.Output
		}
	}
	s.tasks[k] = t
	s.appendEventLocked(jobID, name, domain.EventTaskStateChange, from, to, upd.Reason)
	return nil
}

// SetTaskAttempt bumps the invocation attempt for a re-leased retry.
func (s *Store) SetTaskAttempt(_ context.Context, jobID, name string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey{jobID, name}
	t, ok := s.tasks[k]
	if !ok {
		return fmt.Errorf("op=task.set_attempt: task %s/%s: %w", jobID, name, domain.ErrNotFound)
	}
	if attempt < t.Attempt {
		return fmt.Errorf("op=task.set_attempt: attempt %d below current %d: %w", attempt, t.Attempt, domain.ErrInvalidArgument)
	}
	t.Attempt = attempt
	t.UpdatedAt = time.Now().UTC()
	s.tasks[k] = t
	return nil
}

// --- journal ---

// AppendEntry allocates the next entry index for the invocation and inserts
// the row; indices are sequential with no gaps.
func (s *Store) AppendEntry(_ context.Context, e domain.JournalEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := invocationKey{e.JobID, e.TaskName, e.Attempt}
	e.EntryIndex = len(s.journal[k])
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.journal[k] = append(s.journal[k], e)
	return e.EntryIndex, nil
}

// CompleteEntry records the outcome of a pending journal row.
func (s *Store) CompleteEntry(_ context.Context, jobID, taskName string, attempt, entryIndex int, output []byte, failCode domain.FailureCode, failMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := invocationKey{jobID, taskName, attempt}
	entries := s.journal[k]
	if entryIndex < 0 || entryIndex >= len(entries) {
		return fmt.Errorf("op=journal.complete: entry %d of %s/%s#%d: %w", entryIndex, jobID, taskName, attempt, domain.ErrNotFound)
	}
	e := entries[entryIndex]
	now := time.Now().UTC()
	e.Flags |= domain.FlagCompleted
	e.Output = output
	e.FailureCode = failCode
	e.FailureMessage = failMsg
	if failCode != domain.FailureCodeNone {
		e.Flags |= domain.FlagFailed
	}
	e.CompletedAt = &now
	entries[entryIndex] = e
	return nil
}

// GetEntry loads one journal entry.
func (s *Store) GetEntry(_ context.Context, jobID, taskName string, attempt, entryIndex int) (domain.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.journal[invocationKey{jobID, taskName, attempt}]
	if entryIndex < 0 || entryIndex >= len(entries) {
		return domain.JournalEntry{}, fmt.Errorf("op=journal.get: entry %d of %s/%s#%d: %w", entryIndex, jobID, taskName, attempt, domain.ErrNotFound)
	}
	return entries[entryIndex], nil
}

// ListEntries returns the invocation's journal in entry order.
func (s *Store) ListEntries(_ context.Context, jobID, taskName string, attempt int) ([]domain.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.journal[invocationKey{jobID, taskName, attempt}]
	out := make([]domain.JournalEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// --- awakeables ---

// CreateAwakeable inserts a PENDING awakeable row.
func (s *Store) CreateAwakeable(_ context.Context, a domain.Awakeable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.awakeables[a.ID]; ok {
		return fmt.Errorf("op=awakeable.create: %s: %w", a.ID, domain.ErrConflict)
	}
	if a.Status == "" {
		a.Status = domain.AwakeablePending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.awakeables[a.ID] = a
	return nil
}

// GetAwakeable loads an awakeable by id.
func (s *Store) GetAwakeable(_ context.Context, id string) (domain.Awakeable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.awakeables[id]
	if !ok {
		return domain.Awakeable{}, fmt.Errorf("op=awakeable.get: %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// ListAwakeables returns awakeables, optionally scoped to a job, newest first.
func (s *Store) ListAwakeables(_ context.Context, jobID string, limit int) ([]domain.Awakeable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Awakeable, 0, len(s.awakeables))
	for _, a := range s.awakeables {
		if jobID != "" && a.JobID != jobID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SettleAwakeable performs the terminal transition and wakes the suspended
// task for RESOLVED/REJECTED/TIMEOUT settlements.
func (s *Store) SettleAwakeable(_ context.Context, id string, to domain.AwakeableStatus, payload []byte) (domain.Awakeable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settleLocked(id, to, payload, time.Now().UTC())
}

func (s *Store) settleLocked(id string, to domain.AwakeableStatus, payload []byte, now time.Time) (domain.Awakeable, error) {
	a, ok := s.awakeables[id]
	if !ok {
		return domain.Awakeable{}, fmt.Errorf("op=awakeable.settle: %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != domain.AwakeablePending {
		return domain.Awakeable{}, fmt.Errorf("op=awakeable.settle: %s is %s: %w", id, a.Status, domain.ErrNotPending)
	}
	a.Status = to
	a.Payload = payload
	a.ResolvedAt = &now
	s.awakeables[id] = a

	if to != domain.AwakeableCancelled {
		s.wakeTaskLocked(a.JobID, a.TaskName, "awakeable "+string(to))
	}
	return a, nil
}

// wakeTaskLocked re-schedules a suspended task so replay can deliver the
// settlement; a task in any other state is left alone.
func (s *Store) wakeTaskLocked(jobID, taskName, reason string) {
	k := taskKey{jobID, taskName}
	t, ok := s.tasks[k]
	if !ok || t.Status != domain.StatusSuspended {
		return
	}
	t.Status = domain.StatusPending
	t.WakeAt = nil
	t.UpdatedAt = time.Now().UTC()
	s.tasks[k] = t
	s.appendEventLocked(jobID, taskName, domain.EventTaskStateChange, domain.StatusSuspended, domain.StatusPending, reason)
}

// ExpireAwakeables settles every PENDING awakeable past its timeout.
func (s *Store) ExpireAwakeables(_ context.Context, now time.Time) ([]domain.Awakeable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []domain.Awakeable
	for id, a := range s.awakeables {
		if a.Status != domain.AwakeablePending || a.TimeoutAt == nil || a.TimeoutAt.After(now) {
			continue
		}
		settled, err := s.settleLocked(id, domain.AwakeableTimeout, nil, now)
		if err != nil {
			return nil, err
		}
		expired = append(expired, settled)
	}
	return expired, nil
}

// CancelJobAwakeables cancels all non-terminal awakeables of a job.
func (s *Store) CancelJobAwakeables(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, a := range s.awakeables {
		if a.JobID != jobID || a.Status != domain.AwakeablePending {
			continue
		}
		a.Status = domain.AwakeableCancelled
		a.ResolvedAt = &now
		s.awakeables[id] = a
		n++
	}
	return n, nil
}

// --- entities, object state, locks, workflow runs ---

// RegisterEntity upserts an entity registration.
func (s *Store) RegisterEntity(_ context.Context, e domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.Name] = e
	return nil
}

// GetEntity loads an entity registration.
func (s *Store) GetEntity(_ context.Context, name string) (domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[name]
	if !ok {
		return domain.Entity{}, fmt.Errorf("op=entity.get: %s: %w", name, domain.ErrNotFound)
	}
	return e, nil
}

// GetObjectState returns the stored value or nil when the field is unset.
func (s *Store) GetObjectState(_ context.Context, entity, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.objState[objectKey{entity, key}]
	if !ok {
		return nil, nil
	}
	return fields[field], nil
}

// ListObjectState returns all fields of (entity, key).
func (s *Store) ListObjectState(_ context.Context, entity, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for f, v := range s.objState[objectKey{entity, key}] {
		out[f] = v
	}
	return out, nil
}

// SetObjectState writes one field.
func (s *Store) SetObjectState(_ context.Context, entity, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := objectKey{entity, key}
	if s.objState[ok] == nil {
		s.objState[ok] = make(map[string][]byte)
	}
	s.objState[ok][field] = value
	return nil
}

// ClearObjectState removes one field.
func (s *Store) ClearObjectState(_ context.Context, entity, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objState[objectKey{entity, key}], field)
	return nil
}

// ClearAllObjectState removes every field of (entity, key).
func (s *Store) ClearAllObjectState(_ context.Context, entity, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objState, objectKey{entity, key})
	return nil
}

// AcquireObjectLock takes the write lock; contested acquisitions report the
// current holder instead of blocking.
func (s *Store) AcquireObjectLock(_ context.Context, entity, key, holder string) (domain.LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := objectKey{entity, key}
	if l, ok := s.locks[k]; ok {
		if l.Holder == holder {
			return domain.LockResult{Acquired: true, Holder: holder}, nil
		}
		return domain.LockResult{Acquired: false, Holder: l.Holder}, nil
	}
	s.locks[k] = domain.ObjectLock{Entity: entity, Key: key, Holder: holder, AcquiredAt: time.Now().UTC()}
	return domain.LockResult{Acquired: true, Holder: holder}, nil
}

// ReleaseObjectLock releases the lock if holder owns it.
func (s *Store) ReleaseObjectLock(_ context.Context, entity, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := objectKey{entity, key}
	l, ok := s.locks[k]
	if !ok {
		return nil
	}
	if l.Holder != holder {
		return fmt.Errorf("op=lock.release: %s/%s held by %s: %w", entity, key, l.Holder, domain.ErrLockHeld)
	}
	delete(s.locks, k)
	return nil
}

// BeginWorkflowRun claims the exactly-once run slot.
func (s *Store) BeginWorkflowRun(_ context.Context, entity, workflowID, holder string) (bool, domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := runKey{entity, workflowID}
	if r, ok := s.runs[k]; ok {
		return false, r, nil
	}
	r := domain.WorkflowRun{
		Entity:     entity,
		WorkflowID: workflowID,
		Status:     domain.RunRunning,
		Holder:     holder,
		StartedAt:  time.Now().UTC(),
	}
	s.runs[k] = r
	return true, r, nil
}

// CompleteWorkflowRun records the run outcome and cached result.
func (s *Store) CompleteWorkflowRun(_ context.Context, entity, workflowID string, result []byte, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := runKey{entity, workflowID}
	r, ok := s.runs[k]
	if !ok {
		return fmt.Errorf("op=workflow.complete: run %s/%s: %w", entity, workflowID, domain.ErrNotFound)
	}
	now := time.Now().UTC()
	r.Result = result
	r.CompletedAt = &now
	if failed {
		r.Status = domain.RunFailed
	} else {
		r.Status = domain.RunCompleted
	}
	s.runs[k] = r
	return nil
}

// GetWorkflowRun loads a run record.
func (s *Store) GetWorkflowRun(_ context.Context, entity, workflowID string) (domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey{entity, workflowID}]
	if !ok {
		return domain.WorkflowRun{}, fmt.Errorf("op=workflow.get: run %s/%s: %w", entity, workflowID, domain.ErrNotFound)
	}
	return r, nil
}

// --- workers and queues ---

// RegisterWorker upserts a worker with zero active slots.
func (s *Store) RegisterWorker(_ context.Context, w domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	w.ActiveSlots = 0
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	w.LastHeartbeat = now
	s.workers[w.ID] = w
	return nil
}

// GetWorker loads a worker.
func (s *Store) GetWorker(_ context.Context, workerID string) (domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return domain.Worker{}, fmt.Errorf("op=worker.get: %s: %w", workerID, domain.ErrNotFound)
	}
	return w, nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(_ context.Context) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// UnregisterWorker removes a worker registration.
func (s *Store) UnregisterWorker(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	return nil
}

// WorkerHeartbeat refreshes the worker and its leases.
func (s *Store) WorkerHeartbeat(_ context.Context, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("op=worker.heartbeat: %s: %w", workerID, domain.ErrNotFound)
	}
	w.LastHeartbeat = now
	s.workers[workerID] = w
	for k, q := range s.queued {
		if q.Status == domain.QueueStatusLeased && q.ClaimedBy == workerID {
			hb := now
			q.HeartbeatAt = &hb
			s.queued[k] = q
		}
	}
	return nil
}

// Enqueue inserts a QUEUED row; a live duplicate is ignored.
func (s *Store) Enqueue(_ context.Context, jobID, taskName, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey{jobID, taskName}
	if q, ok := s.queued[k]; ok && q.Status != domain.QueueStatusDone {
		return nil
	}
	s.queued[k] = domain.QueuedTask{
		JobID:      jobID,
		TaskName:   taskName,
		Queue:      queue,
		Status:     domain.QueueStatusQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	return nil
}

// PollQueue leases the oldest unclaimed row on queue if the worker has a free
// slot. Returns nil when nothing is available.
func (s *Store) PollQueue(_ context.Context, workerID, queue string, now time.Time) (*domain.QueuedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("op=queue.poll: worker %s: %w", workerID, domain.ErrNotFound)
	}
	if w.ActiveSlots >= w.MaxSlots {
		return nil, nil
	}
	var (
		bestKey taskKey
		best    *domain.QueuedTask
	)
	for k, q := range s.queued {
		if q.Status != domain.QueueStatusQueued || q.Queue != queue || q.ClaimedBy != "" {
			continue
		}
		q := q
		if best == nil || q.EnqueuedAt.Before(best.EnqueuedAt) {
			best = &q
			bestKey = k
		}
	}
	if best == nil {
		return nil, nil
	}
	hb := now
	best.Status = domain.QueueStatusLeased
	best.ClaimedBy = workerID
	best.HeartbeatAt = &hb
	s.queued[bestKey] = *best
	w.ActiveSlots++
	s.workers[workerID] = w
	out := *best
	return &out, nil
}

// CompleteQueued finishes a lease and releases the worker slot.
func (s *Store) CompleteQueued(_ context.Context, jobID, taskName, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey{jobID, taskName}
	q, ok := s.queued[k]
	if !ok || q.Status != domain.QueueStatusLeased || q.ClaimedBy != workerID {
		return fmt.Errorf("op=queue.complete: lease %s/%s by %s: %w", jobID, taskName, workerID, domain.ErrNotFound)
	}
	q.Status = domain.QueueStatusDone
	q.ClaimedBy = ""
	q.HeartbeatAt = nil
	s.queued[k] = q
	s.releaseSlotLocked(workerID)
	return nil
}

// ReapLeases returns stale leases to QUEUED and frees the claimants' slots.
func (s *Store) ReapLeases(_ context.Context, cutoff time.Time) ([]domain.QueuedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reaped []domain.QueuedTask
	for k, q := range s.queued {
		if q.Status != domain.QueueStatusLeased || q.HeartbeatAt == nil || !q.HeartbeatAt.Before(cutoff) {
			continue
		}
		row := q
		row.Status = domain.QueueStatusQueued
		row.HeartbeatAt = nil
		q.Status = domain.QueueStatusQueued
		q.ClaimedBy = ""
		q.HeartbeatAt = nil
		s.queued[k] = q
		s.releaseSlotLocked(row.ClaimedBy)
		// The returned row keeps the old claimant so callers can report who
		// lost the lease.
		reaped = append(reaped, row)
	}
	return reaped, nil
}

func (s *Store) releaseSlotLocked(workerID string) {
	if w, ok := s.workers[workerID]; ok && w.ActiveSlots > 0 {
		w.ActiveSlots--
		s.workers[workerID] = w
	}
}

// QueueDepth counts QUEUED rows on queue.
func (s *Store) QueueDepth(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queued {
		if q.Status == domain.QueueStatusQueued && q.Queue == queue {
			n++
		}
	}
	return n, nil
}

// --- events ---

func (s *Store) appendEventLocked(jobID, taskName, eventType string, from, to domain.Status, reason string) {
	s.events = append(s.events, domain.Event{
		ID:        s.nextEvent,
		JobID:     jobID,
		TaskName:  taskName,
		EventType: eventType,
		OldState:  from,
		NewState:  to,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: time.Now().UTC(),
	})
	s.nextEvent++
}

// ListEvents returns the newest events, optionally scoped to a job.
func (s *Store) ListEvents(_ context.Context, jobID string, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if jobID != "" && ev.JobID != jobID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// EventsSince returns events after afterID in ID order.
func (s *Store) EventsSince(_ context.Context, afterID int64, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.ID <= afterID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
