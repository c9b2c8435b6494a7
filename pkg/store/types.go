package store

// Kind discriminates the two task row variants.
type Kind string

const (
	// KindPlan is the aggregate a caller submits.
	KindPlan Kind = "plan"

	// KindSubtask is the unit of scheduling and execution.
	KindSubtask Kind = "subtask"
)

// Status is a task lifecycle state. The values are stable wire strings;
// unknown on-disk values are preserved as-is rather than rejected.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCanceled  Status = "canceled"
)

// TerminalNonSuccess reports whether the status blocks dependents:
// failed, blocked, or canceled.
func (s Status) TerminalNonSuccess() bool {
	return s == StatusFailed || s == StatusBlocked || s == StatusCanceled
}

// EventLevel is the severity of an event log entry.
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// Task is the single row type; Kind discriminates plans from subtasks.
// Optional columns are pointers so NULL round-trips unchanged.
type Task struct {
	ID              string
	Kind            Kind
	PlanID          *string
	Title           *string
	Routing         *string
	Prompt          *string
	Repo            *string
	RepoPath        *string
	WorktreePath    *string
	Status          Status
	BlockedReason   *string
	FailureKind     *string
	FailureDetail   *string
	Attempt         int
	MaxAttempts     int
	IdempotencyKey  *string
	WorktreeManaged bool
	WorktreeBranch  *string
	PRNumber        *int64
	PRURL           *string
	CIState         *string
	CIDetail        *string
	CIURL           *string
	CreatedAt       int64
	UpdatedAt       int64
}

// Event is one entry of the append-only per-task history. Events are
// authoritative; the task row is a view of the latest state.
type Event struct {
	ID      int64
	TaskID  string
	TS      int64
	Level   EventLevel
	Message string
	Data    *string
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Kind   Kind
	Status Status
	PlanID string
	Limit  int
}
