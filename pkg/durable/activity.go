package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// ActivityExecutor dequeues and runs activity tasks (§4.3). Each attempt of
// an InfrastructureError is requeued through the work queue's own
// visibility/backoff mechanism rather than retried in-process, so a slow or
// wedged dependency never pins a worker goroutine; AppError is terminal on
// first occurrence.
type ActivityExecutor struct {
	queue      WorkQueue
	history    HistoryStore
	registry   *Registry
	logger     *slog.Logger
	attemptCeiling int

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[json.RawMessage]
}

func NewActivityExecutor(queue WorkQueue, history HistoryStore, registry *Registry, logger *slog.Logger, attemptCeiling int) *ActivityExecutor {
	return &ActivityExecutor{
		queue:          queue,
		history:        history,
		registry:       registry,
		logger:         logger,
		attemptCeiling: attemptCeiling,
		breakers:       make(map[string]*gobreaker.CircuitBreaker[json.RawMessage]),
	}
}

// RunOne executes a single dequeued activity task to completion: it never
// blocks on retries itself, instead acking, nacking, or appending a terminal
// event and acking, exactly once per call.
func (a *ActivityExecutor) RunOne(ctx context.Context, item *WorkItem) error {
	fn, ok := a.registry.Activity(item.Name)
	if !ok {
		a.logger.Error("unknown activity", "name", item.Name, "instance_id", item.InstanceID)
		return a.fail(ctx, item, NewInfrastructureError(fmt.Sprintf("unknown activity %q", item.Name), nil).Error())
	}

	actCtx := &ActivityContext{
		Context:      ctx,
		InstanceID:   item.InstanceID,
		ExecutionID:  item.ExecutionID,
		Seq:          item.Seq,
		Name:         item.Name,
		RetryAttempt: item.RetryAttempt,
		ScheduledAt:  item.VisibleAt,
	}

	output, err := a.invoke(actCtx, fn, item.Input)
	if err == nil {
		return a.succeed(ctx, item, output)
	}

	var appErr *AppError
	var infraErr *InfrastructureError
	switch {
	case asAppError(err, &appErr):
		return a.fail(ctx, item, appErr.Error())
	case asInfrastructureError(err, &infraErr):
		if item.RetryAttempt+1 >= a.attemptCeiling {
			return a.fail(ctx, item, fmt.Sprintf("exhausted %d attempts: %s", a.attemptCeiling, infraErr.Error()))
		}
		return a.queue.Nack(ctx, item, nthBackoff(item.RetryAttempt))
	default:
		// A bare error (from the handler, or the breaker refusing a call
		// while open) is treated as infrastructure trouble: the handler's
		// contract (§4.3) says only AppError is meant to be terminal. Panics
		// already arrive here converted to InfrastructureError by invoke.
		if item.RetryAttempt+1 >= a.attemptCeiling {
			return a.fail(ctx, item, fmt.Sprintf("exhausted %d attempts: %v", a.attemptCeiling, err))
		}
		return a.queue.Nack(ctx, item, nthBackoff(item.RetryAttempt))
	}
}

func (a *ActivityExecutor) invoke(actCtx *ActivityContext, fn ActivityFunc, input json.RawMessage) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewInfrastructureError(fmt.Sprintf("activity %s panicked: %v", actCtx.Name, r), nil)
		}
	}()

	cb := a.breakerFor(actCtx.Name)
	return cb.Execute(func() (json.RawMessage, error) {
		return fn(actCtx, input)
	})
}

func (a *ActivityExecutor) breakerFor(name string) *gobreaker.CircuitBreaker[json.RawMessage] {
	a.breakersMu.Lock()
	defer a.breakersMu.Unlock()
	if cb, ok := a.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(activityName string, from, to gobreaker.State) {
			a.logger.Warn("activity circuit breaker state change", "activity", activityName, "from", from, "to", to)
		},
		IsSuccessful: func(err error) bool {
			// AppError reflects a real outcome of the target system, not
			// infrastructure flakiness, so it must not trip the breaker.
			var appErr *AppError
			return err == nil || asAppError(err, &appErr)
		},
	})
	a.breakers[name] = cb
	return cb
}

// nthBackoff computes the exponential delay for the (attempt+1)th retry
// using a fresh backoff.ExponentialBackOff, since NextBackOff advances
// internal jitter state with each call.
func nthBackoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (a *ActivityExecutor) succeed(ctx context.Context, item *WorkItem, output json.RawMessage) error {
	if err := a.appendResult(ctx, item, HistoryEvent{
		InstanceID: item.InstanceID, ExecutionID: item.ExecutionID, Seq: item.Seq,
		Type: EventActivityCompleted, Output: output,
	}); err != nil {
		return err
	}
	return a.queue.Ack(ctx, item)
}

func (a *ActivityExecutor) fail(ctx context.Context, item *WorkItem, message string) error {
	if err := a.appendResult(ctx, item, HistoryEvent{
		InstanceID: item.InstanceID, ExecutionID: item.ExecutionID, Seq: item.Seq,
		Type: EventActivityFailed, Error: message,
	}); err != nil {
		return err
	}
	return a.queue.Ack(ctx, item)
}

// appendResult appends ev unless a completion for item.Seq already exists —
// at-least-once delivery means the same activity task can run to completion
// on two workers after a lease expires, and only the first writer's outcome
// may stand (§3.1: exactly one of ActivityCompleted/ActivityFailed per seq).
func (a *ActivityExecutor) appendResult(ctx context.Context, item *WorkItem, ev HistoryEvent) error {
	for attempt := 0; attempt < 5; attempt++ {
		events, err := a.history.Read(ctx, item.InstanceID, item.ExecutionID)
		if err != nil {
			return fmt.Errorf("reading history: %w", err)
		}
		if hasCompletion(events, item.Seq) {
			// The winning attempt already appended and enqueued the turn;
			// this attempt only needs to ack its own (redundant) task.
			return nil
		}
		err = a.history.Append(ctx, item.InstanceID, item.ExecutionID, int64(len(events)), []HistoryEvent{ev})
		if err == nil {
			return a.queue.EnqueueTurn(ctx, item.InstanceID, item.ExecutionID)
		}
		if err == ErrAppendConflict {
			continue
		}
		return fmt.Errorf("appending activity result: %w", err)
	}
	return fmt.Errorf("appending activity result for %s seq=%d: too many conflicts", item.InstanceID, item.Seq)
}

func hasCompletion(events []HistoryEvent, seq int64) bool {
	for _, ev := range events {
		if ev.Seq == seq && (ev.Type == EventActivityCompleted || ev.Type == EventActivityFailed) {
			return true
		}
	}
	return false
}

func asAppError(err error, target **AppError) bool {
	if e, ok := err.(*AppError); ok {
		*target = e
		return true
	}
	return false
}

func asInfrastructureError(err error, target **InfrastructureError) bool {
	if e, ok := err.(*InfrastructureError); ok {
		*target = e
		return true
	}
	return false
}
