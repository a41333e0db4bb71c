package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Client is the external facade callers use to start and observe
// orchestrations (§6.1 client surface).
type Client struct {
	instances InstanceStore
	history   HistoryStore
	queue     WorkQueue
	registry  *Registry
}

func NewClient(instances InstanceStore, history HistoryStore, queue WorkQueue, registry *Registry) *Client {
	return &Client{instances: instances, history: history, queue: queue, registry: registry}
}

// StartOrchestration starts workflowName under instanceID. It is idempotent:
// re-submitting the same instance_id with the same workflow name and input
// is a no-op; re-submitting with different arguments returns ConflictError.
func (c *Client) StartOrchestration(ctx context.Context, instanceID, workflowName, version string, input json.RawMessage) error {
	if _, ok := c.registry.Workflow(workflowName); !ok {
		return NewAppError(fmt.Sprintf("unknown workflow %q", workflowName), nil)
	}

	err := c.instances.Create(ctx, instanceID, workflowName, version, input, "", 0)
	if err == nil {
		if err := c.history.Append(ctx, instanceID, 1, 0, []HistoryEvent{
			{Type: EventOrchestrationStarted, Input: input},
		}); err != nil {
			return fmt.Errorf("starting orchestration %s: %w", instanceID, err)
		}
		return c.queue.EnqueueTurn(ctx, instanceID, 1)
	}
	if err != ErrInstanceExists {
		return fmt.Errorf("creating instance %s: %w", instanceID, err)
	}

	existing, getErr := c.instances.Get(ctx, instanceID)
	if getErr != nil {
		return fmt.Errorf("loading existing instance %s: %w", instanceID, getErr)
	}
	if existing.Name != workflowName || string(existing.Input) != string(input) {
		return &ConflictError{InstanceID: instanceID}
	}
	return nil
}

// RaiseExternalEvent appends an external event to instanceID's current
// execution and wakes its turn.
func (c *Client) RaiseExternalEvent(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error {
	inst, err := c.instances.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", instanceID, err)
	}
	return c.appendAndWake(ctx, instanceID, inst.ExecutionID, HistoryEvent{
		Type: EventExternalEventReceived, ExternalEventName: eventName, Input: payload,
	})
}

// CancelOrchestration requests cancellation of a running instance.
func (c *Client) CancelOrchestration(ctx context.Context, instanceID string) error {
	inst, err := c.instances.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", instanceID, err)
	}
	return c.appendAndWake(ctx, instanceID, inst.ExecutionID, HistoryEvent{Type: EventCancellationRequested})
}

func (c *Client) appendAndWake(ctx context.Context, instanceID string, executionID int64, ev HistoryEvent) error {
	for attempt := 0; attempt < 5; attempt++ {
		length, err := c.history.Len(ctx, instanceID, executionID)
		if err != nil {
			return fmt.Errorf("reading history length: %w", err)
		}
		err = c.history.Append(ctx, instanceID, executionID, length, []HistoryEvent{ev})
		if err == nil {
			return c.queue.EnqueueTurn(ctx, instanceID, executionID)
		}
		if err == ErrAppendConflict {
			continue
		}
		return fmt.Errorf("appending event: %w", err)
	}
	return fmt.Errorf("appending event to %s: too many conflicts", instanceID)
}

// GetStatus returns the current snapshot of an instance.
func (c *Client) GetStatus(ctx context.Context, instanceID string) (WorkflowInstance, error) {
	return c.instances.Get(ctx, instanceID)
}

// WaitForOrchestration polls until instanceID reaches a terminal status or
// ctx is cancelled.
func (c *Client) WaitForOrchestration(ctx context.Context, instanceID string, pollInterval time.Duration) (WorkflowInstance, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		inst, err := c.instances.Get(ctx, instanceID)
		if err != nil {
			return WorkflowInstance{}, err
		}
		switch inst.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return WorkflowInstance{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
