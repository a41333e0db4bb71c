package durable

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"runtime"
	"time"
)

// Future is the handle returned by a scheduling call on OrchestrationContext.
// It is resolved synchronously from history during replay, or left pending
// if the corresponding completion event hasn't been appended yet.
type Future struct {
	seq    int64
	ready  bool
	output json.RawMessage
	err    error
}

// Ready reports whether the future's completion event is already present in
// history for this turn.
func (f *Future) Ready() bool { return f.ready }

// OrchestrationContext is the deterministic API a WorkflowFunc uses to
// schedule activities and timers, start sub-orchestrations, and decide its
// own fate. It must never be used outside the workflow goroutine that owns
// it, and none of its methods may be called after the goroutine suspends.
//
// Determinism is enforced by matching every command issued, in order,
// against the event at the same Seq recorded in the prior history; a
// mismatch is reported as a NonDeterminismError and ends the turn.
type OrchestrationContext struct {
	instanceID  string
	executionID int64
	now         time.Time // the turn's pinned deterministic clock (§4.4)

	scheduled map[int64]HistoryEvent // seq -> *Scheduled event from prior history
	completed map[int64]HistoryEvent // seq -> *Completed/*Failed/*Fired event from prior history
	external  map[string][]json.RawMessage
	cancelled bool

	seqCounter int64
	newCommands []HistoryEvent

	// set by the goroutine right before it ends; read by the executor
	// after <-done.
	suspended           bool
	continueAsNewInput  json.RawMessage
	nonDeterminismErr   *NonDeterminismError
}

// newOrchestrationContext builds a context from an execution's prior
// history, separating schedule events from their completions by Seq.
func newOrchestrationContext(instanceID string, executionID int64, now time.Time, history []HistoryEvent) *OrchestrationContext {
	ctx := &OrchestrationContext{
		instanceID:  instanceID,
		executionID: executionID,
		now:         now,
		scheduled:   make(map[int64]HistoryEvent),
		completed:   make(map[int64]HistoryEvent),
		external:    make(map[string][]json.RawMessage),
	}
	for _, ev := range history {
		switch ev.Type {
		case EventActivityScheduled, EventTimerCreated, EventSubOrchestrationScheduled:
			ctx.scheduled[ev.Seq] = ev
		case EventActivityCompleted, EventActivityFailed, EventTimerFired, EventSubOrchestrationCompleted, EventSubOrchestrationFailed:
			ctx.completed[ev.Seq] = ev
		case EventExternalEventReceived:
			ctx.external[ev.ExternalEventName] = append(ctx.external[ev.ExternalEventName], ev.Input)
		case EventCancellationRequested:
			if ev.TargetInstanceID != "" {
				// A CancelOrchestration command this workflow issued itself.
				ctx.scheduled[ev.Seq] = ev
			} else {
				ctx.cancelled = true
			}
		}
	}
	return ctx
}

// CurrentTime returns the turn's pinned clock snapshot. Workflows must use
// this instead of time.Now() to stay deterministic across replays.
func (c *OrchestrationContext) CurrentTime() time.Time { return c.now }

// IsCancellationRequested reports whether cancel_orchestration(instanceID)
// has been observed in history.
func (c *OrchestrationContext) IsCancellationRequested() bool { return c.cancelled }

// InstanceID returns the orchestration instance this context is running.
func (c *OrchestrationContext) InstanceID() string { return c.instanceID }

// NewDeterministicSuffix derives a stable, replay-safe hex suffix of n
// characters from this instance's id, for workflows (e.g. create-instance's
// k8s_name derivation) that need a "random-looking" value without reading
// an actual source of entropy.
func (c *OrchestrationContext) NewDeterministicSuffix(n int) string {
	h := fnv.New64a()
	h.Write([]byte(c.instanceID))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	const alphabet = "0123456789abcdef"
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(out)
}

func (c *OrchestrationContext) nextSeq() int64 {
	c.seqCounter++
	return c.seqCounter
}

// checkSchedule matches a newly-issued command against the historical
// schedule event at the same seq, if any, raising non-determinism on a
// mismatch and emitting the schedule event as a new command otherwise.
func (c *OrchestrationContext) checkSchedule(seq int64, want HistoryEvent) bool {
	if prior, ok := c.scheduled[seq]; ok {
		if prior.Type != want.Type || prior.Name != want.Name {
			c.nonDeterminismErr = &NonDeterminismError{
				InstanceID: c.instanceID, ExecutionID: c.executionID, Seq: seq,
				Message: fmt.Sprintf("replay issued %s(%q), history has %s(%q)", want.Type, want.Name, prior.Type, prior.Name),
			}
			c.abort()
		}
		return true
	}
	want.Seq = seq
	c.newCommands = append(c.newCommands, want)
	return false
}

// ScheduleActivity schedules an activity and returns a Future resolved if
// its completion is already in history.
func (c *OrchestrationContext) ScheduleActivity(name string, input json.RawMessage) *Future {
	seq := c.nextSeq()
	c.checkSchedule(seq, HistoryEvent{Type: EventActivityScheduled, Name: name, Input: input})
	return c.resolveFuture(seq)
}

// CreateTimer schedules a durable timer and returns a Future resolved once
// TimerFired for this seq is in history.
func (c *OrchestrationContext) CreateTimer(fireAt time.Time) *Future {
	seq := c.nextSeq()
	c.checkSchedule(seq, HistoryEvent{Type: EventTimerCreated, FireAt: fireAt})
	return c.resolveFuture(seq)
}

// StartSubOrchestration starts a child orchestration and returns an
// awaitable Future resolved once the child completes.
func (c *OrchestrationContext) StartSubOrchestration(childInstanceID, name string, input json.RawMessage) *Future {
	seq := c.nextSeq()
	c.checkSchedule(seq, HistoryEvent{Type: EventSubOrchestrationScheduled, Name: name, TargetInstanceID: childInstanceID, Input: input})
	return c.resolveFuture(seq)
}

// StartSubOrchestrationDetached starts a child orchestration whose lifetime
// is independent of the parent: the parent holds only its instance id and
// never awaits it (§9 "Detached sub-orchestration lifecycle").
func (c *OrchestrationContext) StartSubOrchestrationDetached(childInstanceID, name string, input json.RawMessage) {
	seq := c.nextSeq()
	c.checkSchedule(seq, HistoryEvent{Type: EventSubOrchestrationScheduled, Name: name, TargetInstanceID: childInstanceID, Input: input, Detached: true})
}

// CancelOrchestration requests cancellation of another instance by id. It
// is fire-and-forget from the issuing workflow's point of view: the target
// gets a CancellationRequested event and a new turn. On the target side the
// request is visible only through IsCancellationRequested; Await does not
// interrupt on it, and the runtime never marks the target Cancelled.
func (c *OrchestrationContext) CancelOrchestration(targetInstanceID string) {
	seq := c.nextSeq()
	c.checkSchedule(seq, HistoryEvent{Type: EventCancellationRequested, TargetInstanceID: targetInstanceID})
}

// WaitForExternalEvent returns a Future resolved with the first
// not-yet-consumed payload raised under name, if any.
func (c *OrchestrationContext) WaitForExternalEvent(name string) *Future {
	payloads := c.external[name]
	if len(payloads) == 0 {
		return &Future{ready: false}
	}
	c.external[name] = payloads[1:]
	return &Future{ready: true, output: payloads[0]}
}

func (c *OrchestrationContext) resolveFuture(seq int64) *Future {
	if ev, ok := c.completed[seq]; ok {
		switch ev.Type {
		case EventActivityFailed, EventSubOrchestrationFailed:
			return &Future{seq: seq, ready: true, err: NewAppError(ev.Error, nil)}
		case EventSubOrchestrationCompleted, EventActivityCompleted, EventTimerFired:
			return &Future{seq: seq, ready: true, output: ev.Output}
		}
	}
	return &Future{seq: seq, ready: false}
}

// Await blocks the workflow goroutine until f resolves. If f is not yet
// resolved from history, this ends the current turn: the goroutine is
// terminated via runtime.Goexit() after recording that it suspended, and
// the executor picks the turn back up on the next dequeue once the awaited
// event has been appended.
func (c *OrchestrationContext) Await(f *Future) (json.RawMessage, error) {
	if f.ready {
		return f.output, f.err
	}
	c.suspend()
	panic("unreachable")
}

// ContinueAsNew ends the current execution and starts a fresh one with the
// given input (§4.4 state machine: Running -> Pending via continue-as-new).
// It never returns.
func (c *OrchestrationContext) ContinueAsNew(input json.RawMessage) {
	c.continueAsNewInput = input
	c.abort()
}

func (c *OrchestrationContext) suspend() {
	c.suspended = true
	runtime.Goexit()
}

func (c *OrchestrationContext) abort() {
	runtime.Goexit()
}
