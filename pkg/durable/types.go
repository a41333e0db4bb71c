// Package durable implements the replay-driven orchestration runtime: a
// history store, a durable work queue, an activity executor, an
// orchestration (replay) executor, a dispatcher loop, and a client facade.
// Workflow authorings live one level up, in pkg/workflows; this package only
// fixes the runtime contract they run against.
package durable

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a WorkflowInstance execution.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusContinuedAsNew Status = "continued_as_new"
)

// WorkflowInstance is the durable record of one orchestration instance.
// ExecutionID bumps on every continue-as-new; InstanceID never changes.
type WorkflowInstance struct {
	InstanceID  string
	ExecutionID int64
	Name        string
	Version     string
	Status      Status
	Input       json.RawMessage
	Output      json.RawMessage
	Error       string
	// ParentInstanceID/ParentSeq identify the parent orchestration when this
	// instance was started via start_sub_orchestration (awaited), so its
	// terminal event can be relayed back as SubOrchestrationCompleted at the
	// parent's ParentSeq. Both are zero for top-level and detached
	// sub-orchestration instances.
	ParentInstanceID string
	ParentSeq        int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EventType enumerates the HistoryEvent variants from spec §3.1.
type EventType string

const (
	EventOrchestrationStarted     EventType = "orchestration_started"
	EventOrchestrationCompleted   EventType = "orchestration_completed"
	EventOrchestrationFailed      EventType = "orchestration_failed"
	EventActivityScheduled        EventType = "activity_scheduled"
	EventActivityCompleted        EventType = "activity_completed"
	EventActivityFailed           EventType = "activity_failed"
	EventTimerCreated             EventType = "timer_created"
	EventTimerFired               EventType = "timer_fired"
	EventSubOrchestrationScheduled EventType = "sub_orchestration_scheduled"
	EventSubOrchestrationCompleted EventType = "sub_orchestration_completed"
	EventSubOrchestrationFailed    EventType = "sub_orchestration_failed"
	EventExternalEventReceived    EventType = "external_event_received"
	EventContinueAsNew            EventType = "continue_as_new"
	EventCancellationRequested    EventType = "cancellation_requested"
)

// HistoryEvent is one ordered, immutable entry in a workflow execution's
// history. Seq is assigned by the executor in command-issue order during
// live execution, and read back unchanged on replay.
type HistoryEvent struct {
	InstanceID  string
	ExecutionID int64
	// Position is this event's 0-based index in the append-only log for
	// this execution — used for optimistic-append ordering. It is distinct
	// from Seq: a scheduled command and its eventual completion share one
	// Seq but occupy two different Positions.
	Position int64
	// Seq identifies the command this event belongs to (set on
	// ActivityScheduled/ActivityCompleted/ActivityFailed,
	// TimerCreated/TimerFired, SubOrchestrationScheduled/Completed pairs, and
	// a CancellationRequested this workflow issued via CancelOrchestration).
	// Zero for events with no associated command (OrchestrationStarted,
	// OrchestrationCompleted/Failed, ExternalEventReceived, ContinueAsNew,
	// and a CancellationRequested delivered to this instance).
	Seq       int64
	Type      EventType
	CreatedAt time.Time

	// Fields populated depending on Type. Only the ones relevant to the
	// event's variant are set; the rest are zero values.
	Name              string          // ActivityScheduled/SubOrchestrationScheduled: activity/workflow name
	TargetInstanceID  string          // SubOrchestrationScheduled: child instance id; issued CancellationRequested: target instance id
	Input             json.RawMessage // OrchestrationStarted/ActivityScheduled/SubOrchestrationScheduled/ContinueAsNew
	Output            json.RawMessage // *Completed
	Error             string          // *Failed
	FireAt            time.Time       // TimerCreated
	ExternalEventName string          // ExternalEventReceived

	// Detached marks a SubOrchestrationScheduled command issued via
	// StartSubOrchestrationDetached: the child is given no ParentInstanceID
	// or ParentSeq, so its completion is never relayed back. This field is
	// only meaningful on the in-memory command produced during the issuing
	// turn; it is not persisted, since dispatch only ever reads commands
	// fresh off that turn's OrchestrationContext, never back out of history.
	Detached bool
}

// WorkItemKind distinguishes the two kinds of durable work.
type WorkItemKind string

const (
	WorkItemOrchestrationTurn WorkItemKind = "orchestration_turn"
	WorkItemActivityTask      WorkItemKind = "activity_task"
)

// WorkItem is one leased unit of durable work dequeued by a worker.
type WorkItem struct {
	ID            int64
	Kind          WorkItemKind
	InstanceID    string
	ExecutionID   int64
	Seq           int64  // ActivityTask only
	Name          string // ActivityTask only: activity name
	Input         json.RawMessage
	RetryAttempt  int
	LeaseOwner    string
	LeaseExpires  time.Time
	VisibleAt     time.Time
}

// Timer is a durable timer scheduled by a workflow via create_timer.
type Timer struct {
	InstanceID  string
	ExecutionID int64
	Seq         int64
	FireAt      time.Time
	Fired       bool
}
