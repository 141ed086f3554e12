// Package domain holds the engine's entities, lifecycle state machine,
// error taxonomy and storage port. It has no dependencies on adapters.
package domain

import "time"

// Job is one workflow instance: a DAG of tasks executed with crash-safe
// resumption. Completion fields are populated only when Status is completed.
type Job struct {
	ID                string
	Name              string
	Status            Status
	RetryCount        int
	NextRetryAt       *time.Time
	CompletionResult  CompletionResult
	CompletionFailure string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Task is a node in a job's DAG. (JobID, Name, Attempt) is the invocation key;
// a task may enter ready only when every task in Needs is completed(success).
type Task struct {
	ID          string
	JobID       string
	Name        string
	Needs       []string
	AgentType   string
	RunCmd      string
	Queue       string
	Status      Status
	Attempt     int
	Gate        string
	Var         string
	Output      []byte
	// Result and Failure are populated only when Status is completed.
	Result      CompletionResult
	Failure     string
	NextRetryAt *time.Time
	// WakeAt is the sleep deadline recorded when the task suspended on a
	// ctx.sleep entry; the scheduler re-schedules the task once it passes.
	WakeAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueName returns the task's dispatch queue, defaulting to agent:<type>.
func (t Task) QueueName() string {
	if t.Queue != "" {
		return t.Queue
	}
	return "agent:" + t.AgentType
}

// AwakeableStatus is the durable promise state. Exactly one transition out of
// PENDING is permitted.
type AwakeableStatus string

const (
	AwakeablePending   AwakeableStatus = "PENDING"
	AwakeableResolved  AwakeableStatus = "RESOLVED"
	AwakeableRejected  AwakeableStatus = "REJECTED"
	AwakeableTimeout   AwakeableStatus = "TIMEOUT"
	AwakeableCancelled AwakeableStatus = "CANCELLED"
)

// Awakeable is a durable external promise tied to a journal entry. Its ID
// encodes the origin invocation so external resolvers need no extra context.
type Awakeable struct {
	ID         string
	JobID      string
	TaskName   string
	EntryIndex int
	Status     AwakeableStatus
	// Payload carries the resolution body; for REJECTED it is the error string.
	Payload    []byte
	TimeoutAt  *time.Time
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// EntityType distinguishes the three dispatch disciplines.
type EntityType string

const (
	EntityService       EntityType = "service"
	EntityVirtualObject EntityType = "virtual_object"
	EntityWorkflow      EntityType = "workflow"
)

// HandlerMode is the declared access mode of an entity handler.
type HandlerMode string

const (
	// ModeCall is the default for stateless service handlers.
	ModeCall HandlerMode = "call"
	// ModeRead executes concurrently with other reads, no lock taken.
	ModeRead HandlerMode = "read"
	// ModeWrite acquires the per-key single-writer lock.
	ModeWrite HandlerMode = "write"
	// ModeRun executes at most once per workflow id.
	ModeRun HandlerMode = "run"
	// ModeSignal is permitted during and after a workflow run.
	ModeSignal HandlerMode = "signal"
)

// Entity is a registered handler namespace.
type Entity struct {
	Name     string
	Type     EntityType
	Handlers map[string]HandlerMode
}

// ObjectLock records the single write holder of (Entity, Key).
type ObjectLock struct {
	Entity     string
	Key        string
	Holder     string
	AcquiredAt time.Time
}

// LockResult is the synchronous outcome of a write-lock acquisition.
type LockResult struct {
	Acquired bool
	Holder   string
}

// RunStatus is the workflow-run lifecycle.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// WorkflowRun enforces exactly-once run semantics per (Entity, WorkflowID);
// later run invocations observe the cached result.
type WorkflowRun struct {
	Entity      string
	WorkflowID  string
	Status      RunStatus
	Result      []byte
	Holder      string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Worker is a registered task executor. ActiveSlots never exceeds MaxSlots.
type Worker struct {
	ID            string
	Capabilities  []string
	MaxSlots      int
	ActiveSlots   int
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// QueueStatus is the queued-task state.
type QueueStatus string

const (
	QueueStatusQueued QueueStatus = "QUEUED"
	QueueStatusLeased QueueStatus = "LEASED"
	QueueStatusDone   QueueStatus = "DONE"
)

// QueuedTask is a dispatch row on a named queue. A lease is kept alive by
// worker heartbeats and reclaimed by the reaper when they stop.
type QueuedTask struct {
	JobID       string
	TaskName    string
	Queue       string
	Status      QueueStatus
	ClaimedBy   string
	HeartbeatAt *time.Time
	EnqueuedAt  time.Time
}

// Event types recorded for lifecycle transitions.
const (
	EventJobStateChange  = "job.StateChange"
	EventTaskStateChange = "task.StateChange"
)

// Event is the audit record emitted in the same transaction as a transition,
// so ordering by ID yields a linearizable per-job history.
type Event struct {
	ID        int64
	JobID     string
	TaskName  string
	EventType string
	OldState  Status
	NewState  Status
	Reason    string
	CreatedAt time.Time
}
