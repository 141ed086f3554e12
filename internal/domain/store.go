package domain

import (
	"context"
	"time"
)

// TransitionUpdate carries the auxiliary fields written together with a
// lifecycle transition. All fields are applied in the same transaction that
// changes the status and emits the event row.
type TransitionUpdate struct {
	Reason string
	// NextRetryAt is set on entry to backing-off.
	NextRetryAt *time.Time
	// WakeAt records a sleep deadline on entry to suspended (nil clears it).
	WakeAt *time.Time
	// Result and Failure are set on entry to completed.
	Result  CompletionResult
	Failure string
	// Output is the task's recorded output on successful completion.
	Output []byte
}

// ListJobsFilter narrows ListJobs.
type ListJobsFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Store is the engine's persistence port. Every method that spans multiple
// rows to uphold an invariant (lease claim, awakeable settlement, transition
// plus event) executes as a single transaction in the implementation.
type Store interface {
	// Jobs. CreateJob inserts the job and its task DAG atomically.
	CreateJob(ctx context.Context, job Job, tasks []Task) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, f ListJobsFilter) ([]Job, error)
	// TransitionJob moves the job from -> to, applies upd, and emits a
	// job.StateChange event. ErrInvalidTransition when the edge is not
	// allowed or the current status differs from from.
	TransitionJob(ctx context.Context, jobID string, from, to Status, upd TransitionUpdate) error
	// PurgeCompletedJobs deletes completed jobs (and their tasks, journal,
	// awakeables, queue rows, events) older than before. Returns the count.
	PurgeCompletedJobs(ctx context.Context, before time.Time) (int, error)

	// Tasks.
	GetTask(ctx context.Context, jobID, name string) (Task, error)
	ListTasks(ctx context.Context, jobID string) ([]Task, error)
	ListTasksByStatus(ctx context.Context, status Status, limit int) ([]Task, error)
	TransitionTask(ctx context.Context, jobID, name string, from, to Status, upd TransitionUpdate) error
	// SetTaskAttempt bumps the invocation attempt when a retry is re-leased,
	// opening a fresh replay space.
	SetTaskAttempt(ctx context.Context, jobID, name string, attempt int) error

	// Journal. AppendEntry allocates the next entry index for the invocation
	// under a transaction (read current max, insert) and returns it.
	AppendEntry(ctx context.Context, e JournalEntry) (int, error)
	// CompleteEntry records the outcome of a pending entry.
	CompleteEntry(ctx context.Context, jobID, taskName string, attempt, entryIndex int, output []byte, failCode FailureCode, failMsg string) error
	GetEntry(ctx context.Context, jobID, taskName string, attempt, entryIndex int) (JournalEntry, error)
	ListEntries(ctx context.Context, jobID, taskName string, attempt int) ([]JournalEntry, error)

	// Awakeables. SettleAwakeable performs the single terminal transition out
	// of PENDING and, for RESOLVED/REJECTED/TIMEOUT, wakes the suspended task
	// (suspended -> pending) in the same transaction. ErrNotPending if the
	// row already settled; ErrNotFound if absent.
	CreateAwakeable(ctx context.Context, a Awakeable) error
	GetAwakeable(ctx context.Context, id string) (Awakeable, error)
	ListAwakeables(ctx context.Context, jobID string, limit int) ([]Awakeable, error)
	SettleAwakeable(ctx context.Context, id string, to AwakeableStatus, payload []byte) (Awakeable, error)
	// ExpireAwakeables settles every PENDING awakeable with timeout_at <= now
	// as TIMEOUT (waking its task) and returns the settled rows.
	ExpireAwakeables(ctx context.Context, now time.Time) ([]Awakeable, error)
	// CancelJobAwakeables marks all non-terminal awakeables of the job
	// CANCELLED so external resolvers cannot mutate orphaned promises.
	CancelJobAwakeables(ctx context.Context, jobID string) (int, error)

	// Entities, object state, locks, workflow runs.
	RegisterEntity(ctx context.Context, e Entity) error
	GetEntity(ctx context.Context, name string) (Entity, error)
	GetObjectState(ctx context.Context, entity, key, field string) ([]byte, error)
	ListObjectState(ctx context.Context, entity, key string) (map[string][]byte, error)
	SetObjectState(ctx context.Context, entity, key, field string, value []byte) error
	ClearObjectState(ctx context.Context, entity, key, field string) error
	ClearAllObjectState(ctx context.Context, entity, key string) error
	// AcquireObjectLock takes the (entity, key) write lock for holder. When
	// the lock is held by someone else it reports Acquired=false with the
	// current holder; re-acquisition by the same holder succeeds.
	AcquireObjectLock(ctx context.Context, entity, key, holder string) (LockResult, error)
	ReleaseObjectLock(ctx context.Context, entity, key, holder string) error
	// BeginWorkflowRun records the exactly-once run claim. started=false
	// returns the existing run (running or finished) without executing.
	BeginWorkflowRun(ctx context.Context, entity, workflowID, holder string) (started bool, run WorkflowRun, err error)
	CompleteWorkflowRun(ctx context.Context, entity, workflowID string, result []byte, failed bool) error
	GetWorkflowRun(ctx context.Context, entity, workflowID string) (WorkflowRun, error)

	// Workers and queues.
	RegisterWorker(ctx context.Context, w Worker) error
	GetWorker(ctx context.Context, workerID string) (Worker, error)
	ListWorkers(ctx context.Context) ([]Worker, error)
	UnregisterWorker(ctx context.Context, workerID string) error
	// WorkerHeartbeat refreshes the worker's heartbeat and those of its
	// leased rows.
	WorkerHeartbeat(ctx context.Context, workerID string, now time.Time) error
	// Enqueue inserts a QUEUED row; duplicate enqueues of the same
	// (jobID, taskName) are ignored after the first.
	Enqueue(ctx context.Context, jobID, taskName, queue string) error
	// PollQueue atomically leases the oldest unclaimed QUEUED row on queue to
	// workerID, incrementing its active slot count. Returns nil when the
	// queue is empty or the worker is at capacity.
	PollQueue(ctx context.Context, workerID, queue string, now time.Time) (*QueuedTask, error)
	// CompleteQueued finishes a lease held by workerID and releases its slot.
	CompleteQueued(ctx context.Context, jobID, taskName, workerID string) error
	// ReapLeases returns every LEASED row with heartbeat_at older than cutoff
	// to QUEUED, clearing the claimant and decrementing the worker's slots.
	ReapLeases(ctx context.Context, cutoff time.Time) ([]QueuedTask, error)
	QueueDepth(ctx context.Context, queue string) (int, error)

	// Events.
	ListEvents(ctx context.Context, jobID string, limit int) ([]Event, error)
	// EventsSince returns events with ID greater than afterID in ID order,
	// for the relay that exports the audit stream.
	EventsSince(ctx context.Context, afterID int64, limit int) ([]Event, error)
}
