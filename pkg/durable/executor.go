package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Orchestrator drives one orchestration turn at a time: it replays a
// workflow function against its persisted history, appends whatever new
// commands or terminal event the turn produced, and fans the new commands
// out to the activity queue, timer store, and any child/parent instances
// they touch (§4.4).
type Orchestrator struct {
	history   HistoryStore
	queue     WorkQueue
	timers    TimerStore
	instances InstanceStore
	registry  *Registry
}

func NewOrchestrator(history HistoryStore, queue WorkQueue, timers TimerStore, instances InstanceStore, registry *Registry) *Orchestrator {
	return &Orchestrator{history: history, queue: queue, timers: timers, instances: instances, registry: registry}
}

// RunTurn loads instanceID's current execution, replays its workflow
// function to the next suspension point, and persists the result. It is
// safe to call only while the caller holds the exclusive lease on this
// instance's orchestration_turn work item.
func (o *Orchestrator) RunTurn(ctx context.Context, instanceID string, executionID int64) error {
	inst, err := o.instances.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", instanceID, err)
	}
	if inst.ExecutionID != executionID {
		// A continue-as-new moved on after this item was enqueued. EnqueueTurn
		// coalesces per instance, so the new execution's own turn may have
		// been folded into this item; run the current execution instead.
		executionID = inst.ExecutionID
	}
	if inst.Status == StatusCompleted || inst.Status == StatusFailed || inst.Status == StatusCancelled {
		return nil
	}

	history, err := o.history.Read(ctx, instanceID, executionID)
	if err != nil {
		return fmt.Errorf("reading history for %s/%d: %w", instanceID, executionID, err)
	}

	fn, ok := o.registry.Workflow(inst.Name)
	if !ok {
		return NewInfrastructureError(fmt.Sprintf("unknown workflow %q for instance %s", inst.Name, instanceID), nil)
	}

	input := startedInput(history, inst.Input)
	now := time.Now().UTC()
	orchCtx := newOrchestrationContext(instanceID, executionID, now, history)

	var output json.RawMessage
	var workflowErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		output, workflowErr = fn(orchCtx, input)
	}()
	<-done

	if inst.Status == StatusPending {
		if err := o.instances.MarkRunning(ctx, instanceID, executionID); err != nil {
			return fmt.Errorf("marking %s running: %w", instanceID, err)
		}
	}

	switch {
	case orchCtx.nonDeterminismErr != nil:
		return o.failNonDeterministic(ctx, inst, orchCtx.nonDeterminismErr)
	case orchCtx.continueAsNewInput != nil:
		return o.continueAsNew(ctx, inst, len(history), orchCtx)
	case orchCtx.suspended:
		return o.persistCommands(ctx, inst, len(history), orchCtx.newCommands)
	default:
		return o.complete(ctx, inst, len(history), orchCtx.newCommands, output, workflowErr)
	}
}

// startedInput returns the input the workflow function should see: the
// instance's current input on a fresh execution, or the payload from the
// most recent OrchestrationStarted event once one has been appended.
func startedInput(history []HistoryEvent, fallback json.RawMessage) json.RawMessage {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == EventOrchestrationStarted {
			return history[i].Input
		}
	}
	return fallback
}

func (o *Orchestrator) failNonDeterministic(ctx context.Context, inst WorkflowInstance, ndErr *NonDeterminismError) error {
	if err := o.instances.Fail(ctx, inst.InstanceID, inst.ExecutionID, ndErr.Error()); err != nil {
		return fmt.Errorf("marking %s failed on non-determinism: %w", inst.InstanceID, err)
	}
	return nil
}

// persistCommands appends the turn's new schedule/fire-and-forget commands
// to history and dispatches each to its side-effecting store.
func (o *Orchestrator) persistCommands(ctx context.Context, inst WorkflowInstance, priorLen int, commands []HistoryEvent) error {
	if len(commands) == 0 {
		return nil
	}
	if err := o.history.Append(ctx, inst.InstanceID, inst.ExecutionID, int64(priorLen), commands); err != nil {
		return fmt.Errorf("appending commands for %s: %w", inst.InstanceID, err)
	}
	for _, cmd := range commands {
		if err := o.dispatchCommand(ctx, inst, cmd); err != nil {
			return fmt.Errorf("dispatching command seq=%d for %s: %w", cmd.Seq, inst.InstanceID, err)
		}
	}
	return nil
}

func (o *Orchestrator) dispatchCommand(ctx context.Context, inst WorkflowInstance, cmd HistoryEvent) error {
	switch cmd.Type {
	case EventActivityScheduled:
		return o.queue.EnqueueActivity(ctx, inst.InstanceID, inst.ExecutionID, cmd.Seq, cmd.Name, cmd.Input, 0, time.Now())
	case EventTimerCreated:
		return o.timers.Schedule(ctx, inst.InstanceID, inst.ExecutionID, cmd.Seq, cmd.FireAt)
	case EventSubOrchestrationScheduled:
		return o.startChild(ctx, inst, cmd)
	case EventCancellationRequested:
		return o.deliverCancellation(ctx, cmd.TargetInstanceID)
	default:
		return nil
	}
}

func (o *Orchestrator) startChild(ctx context.Context, parent WorkflowInstance, cmd HistoryEvent) error {
	parentInstanceID, parentSeq := parent.InstanceID, cmd.Seq
	if cmd.Detached {
		parentInstanceID, parentSeq = "", 0
	}
	err := o.instances.Create(ctx, cmd.TargetInstanceID, cmd.Name, parent.Version, cmd.Input, parentInstanceID, parentSeq)
	if err != nil && err != ErrInstanceExists {
		return fmt.Errorf("creating child instance %s: %w", cmd.TargetInstanceID, err)
	}
	if err == ErrInstanceExists {
		return nil
	}
	if err := o.history.Append(ctx, cmd.TargetInstanceID, 1, 0, []HistoryEvent{
		{Type: EventOrchestrationStarted, Input: cmd.Input},
	}); err != nil {
		return fmt.Errorf("starting child instance %s: %w", cmd.TargetInstanceID, err)
	}
	return o.queue.EnqueueTurn(ctx, cmd.TargetInstanceID, 1)
}

// deliverCancellation appends CancellationRequested to targetInstanceID's
// current execution and wakes its turn, retrying on append conflicts with a
// fresh length read, matching the sweeper's own retry shape.
func (o *Orchestrator) deliverCancellation(ctx context.Context, targetInstanceID string) error {
	target, err := o.instances.Get(ctx, targetInstanceID)
	if err != nil {
		return fmt.Errorf("loading cancellation target %s: %w", targetInstanceID, err)
	}
	for attempt := 0; attempt < 5; attempt++ {
		length, err := o.history.Len(ctx, targetInstanceID, target.ExecutionID)
		if err != nil {
			return fmt.Errorf("reading history length for cancellation target: %w", err)
		}
		err = o.history.Append(ctx, targetInstanceID, target.ExecutionID, length, []HistoryEvent{
			{Type: EventCancellationRequested},
		})
		if err == nil {
			return o.queue.EnqueueTurn(ctx, targetInstanceID, target.ExecutionID)
		}
		if err == ErrAppendConflict {
			continue
		}
		return fmt.Errorf("appending cancellation request: %w", err)
	}
	return fmt.Errorf("delivering cancellation to %s: too many conflicts", targetInstanceID)
}

func (o *Orchestrator) continueAsNew(ctx context.Context, inst WorkflowInstance, priorLen int, orchCtx *OrchestrationContext) error {
	if len(orchCtx.newCommands) > 0 {
		if err := o.history.Append(ctx, inst.InstanceID, inst.ExecutionID, int64(priorLen), orchCtx.newCommands); err != nil {
			return fmt.Errorf("appending pre-continue commands for %s: %w", inst.InstanceID, err)
		}
		for _, cmd := range orchCtx.newCommands {
			if err := o.dispatchCommand(ctx, inst, cmd); err != nil {
				return fmt.Errorf("dispatching pre-continue command for %s: %w", inst.InstanceID, err)
			}
		}
		priorLen += len(orchCtx.newCommands)
	}

	closing := HistoryEvent{Type: EventContinueAsNew, Input: orchCtx.continueAsNewInput}
	if err := o.history.Append(ctx, inst.InstanceID, inst.ExecutionID, int64(priorLen), []HistoryEvent{closing}); err != nil {
		return fmt.Errorf("appending continue-as-new event for %s: %w", inst.InstanceID, err)
	}

	newExecutionID, err := o.instances.ContinueAsNew(ctx, inst.InstanceID, inst.ExecutionID, orchCtx.continueAsNewInput)
	if err != nil {
		return fmt.Errorf("bumping %s to new execution: %w", inst.InstanceID, err)
	}
	if err := o.history.Append(ctx, inst.InstanceID, newExecutionID, 0, []HistoryEvent{
		{Type: EventOrchestrationStarted, Input: orchCtx.continueAsNewInput},
	}); err != nil {
		return fmt.Errorf("starting new execution for %s: %w", inst.InstanceID, err)
	}
	return o.queue.EnqueueTurn(ctx, inst.InstanceID, newExecutionID)
}

func (o *Orchestrator) complete(ctx context.Context, inst WorkflowInstance, priorLen int, commands []HistoryEvent, output json.RawMessage, workflowErr error) error {
	if len(commands) > 0 {
		if err := o.history.Append(ctx, inst.InstanceID, inst.ExecutionID, int64(priorLen), commands); err != nil {
			return fmt.Errorf("appending pre-terminal commands for %s: %w", inst.InstanceID, err)
		}
		for _, cmd := range commands {
			if err := o.dispatchCommand(ctx, inst, cmd); err != nil {
				return fmt.Errorf("dispatching pre-terminal command for %s: %w", inst.InstanceID, err)
			}
		}
		priorLen += len(commands)
	}

	terminal := HistoryEvent{Type: EventOrchestrationCompleted, Output: output}
	if workflowErr != nil {
		terminal = HistoryEvent{Type: EventOrchestrationFailed, Error: workflowErr.Error()}
	}
	if err := o.history.Append(ctx, inst.InstanceID, inst.ExecutionID, int64(priorLen), []HistoryEvent{terminal}); err != nil {
		return fmt.Errorf("appending terminal event for %s: %w", inst.InstanceID, err)
	}

	if workflowErr != nil {
		if err := o.instances.Fail(ctx, inst.InstanceID, inst.ExecutionID, workflowErr.Error()); err != nil {
			return fmt.Errorf("marking %s failed: %w", inst.InstanceID, err)
		}
	} else {
		if err := o.instances.Complete(ctx, inst.InstanceID, inst.ExecutionID, output); err != nil {
			return fmt.Errorf("marking %s completed: %w", inst.InstanceID, err)
		}
	}

	if inst.ParentInstanceID == "" {
		return nil
	}
	return o.notifyParent(ctx, inst, output, workflowErr)
}

// notifyParent relays a completed sub-orchestration's outcome back onto its
// parent's history as SubOrchestrationCompleted, keyed by ParentSeq so the
// parent's resolveFuture lookup finds it on its next turn.
func (o *Orchestrator) notifyParent(ctx context.Context, child WorkflowInstance, output json.RawMessage, workflowErr error) error {
	ev := HistoryEvent{Seq: child.ParentSeq, Type: EventSubOrchestrationCompleted, Output: output}
	if workflowErr != nil {
		ev = HistoryEvent{Seq: child.ParentSeq, Type: EventSubOrchestrationFailed, Error: workflowErr.Error()}
	}
	parent, err := o.instances.Get(ctx, child.ParentInstanceID)
	if err != nil {
		return fmt.Errorf("loading parent %s: %w", child.ParentInstanceID, err)
	}
	for attempt := 0; attempt < 5; attempt++ {
		length, err := o.history.Len(ctx, parent.InstanceID, parent.ExecutionID)
		if err != nil {
			return fmt.Errorf("reading parent history length: %w", err)
		}
		err = o.history.Append(ctx, parent.InstanceID, parent.ExecutionID, length, []HistoryEvent{ev})
		if err == nil {
			return o.queue.EnqueueTurn(ctx, parent.InstanceID, parent.ExecutionID)
		}
		if err == ErrAppendConflict {
			continue
		}
		return fmt.Errorf("appending sub-orchestration completion to parent: %w", err)
	}
	return fmt.Errorf("notifying parent %s: too many conflicts", child.ParentInstanceID)
}
