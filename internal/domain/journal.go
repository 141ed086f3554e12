package domain

import "time"

// OpType identifies a journaled side-effectful operation. The op type at a
// given entry index is immutable; a mismatch during replay is non-determinism.
type OpType string

const (
	OpRun            OpType = "run"
	OpCallAgent      OpType = "call-agent"
	OpAwakeableCreate OpType = "awakeable-create"
	OpAwakeableAwait  OpType = "awakeable-await"
	OpSleep          OpType = "sleep"
	OpGetState       OpType = "get-state"
	OpSetState       OpType = "set-state"
	OpClearState     OpType = "clear-state"
	OpClearAllState  OpType = "clear-all-state"
	OpCall           OpType = "call"
	OpOneWayCall     OpType = "one-way-call"
)

// EntryFlags is the journal entry flag bitset.
type EntryFlags uint8

const (
	FlagCompletable EntryFlags = 1 << 0
	FlagFallible    EntryFlags = 1 << 1
	FlagCompleted   EntryFlags = 1 << 2
	FlagFailed      EntryFlags = 1 << 3
)

// Has reports whether all bits in mask are set.
func (f EntryFlags) Has(mask EntryFlags) bool { return f&mask == mask }

// DefaultFlags returns the completable/fallible bits for an op type.
func DefaultFlags(op OpType) EntryFlags {
	switch op {
	case OpRun, OpCallAgent, OpAwakeableAwait, OpCall:
		return FlagCompletable | FlagFallible
	case OpSleep, OpOneWayCall, OpAwakeableCreate, OpGetState:
		return FlagCompletable
	default:
		// State mutations complete in the same transaction that records them.
		return 0
	}
}

// JournalEntry is one recorded operation of an invocation. The primary key is
// (JobID, TaskName, Attempt, EntryIndex) with EntryIndex monotonic from 0.
type JournalEntry struct {
	JobID          string
	TaskName       string
	Attempt        int
	EntryIndex     int
	OpType         OpType
	OpName         string
	Flags          EntryFlags
	Input          []byte
	Output         []byte
	FailureCode    FailureCode
	FailureMessage string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Completed reports whether the entry recorded a completion (success or failure).
func (e JournalEntry) Completed() bool { return e.Flags.Has(FlagCompleted) }

// Failed reports whether the entry recorded a failure.
func (e JournalEntry) Failed() bool { return e.Flags.Has(FlagFailed) }
