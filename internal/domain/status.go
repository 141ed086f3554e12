package domain

// Status is the shared job/task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusReady      Status = "ready"
	StatusRunning    Status = "running"
	StatusSuspended  Status = "suspended"
	StatusBackingOff Status = "backing-off"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
)

// CompletionResult is populated only when a job or task reaches completed.
type CompletionResult string

const (
	ResultSuccess CompletionResult = "success"
	ResultFailure CompletionResult = "failure"
)

// allowedTransitions is the exhaustive lifecycle transition set.
//
// Beyond the worker-driven edges, every non-terminal state may transition to
// completed (cancellation and fatal failures terminate from anywhere),
// suspended may return to pending (an awakeable resolution re-schedules the
// task so a worker leases it again and replay delivers the payload), and
// running may return to pending when the reaper reclaims the lease of a
// crashed worker.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusScheduled, StatusCompleted},
	StatusScheduled:  {StatusReady, StatusCompleted},
	StatusReady:      {StatusRunning, StatusCompleted},
	StatusRunning:    {StatusSuspended, StatusBackingOff, StatusPending, StatusCompleted},
	StatusSuspended:  {StatusRunning, StatusPending, StatusCompleted},
	StatusBackingOff: {StatusRunning, StatusPaused, StatusCompleted},
	StatusPaused:     {StatusRunning, StatusCompleted},
}

// CanTransition reports whether from -> to is in the allowed transition set.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s permits no further transitions.
func IsTerminal(s Status) bool { return s == StatusCompleted }

// ValidStatus reports whether s is one of the eight lifecycle states.
func ValidStatus(s Status) bool {
	if s == StatusCompleted {
		return true
	}
	_, ok := allowedTransitions[s]
	return ok
}
