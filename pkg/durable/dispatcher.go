package durable

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/affandar/toygres/internal/telemetry"
)

// Dispatcher runs the two worker pools that drain the durable work queue:
// orchestration-turn workers (replay + persist) and activity workers
// (invoke + persist result). Both pools poll on an interval but wake early
// on a Redis pub/sub notification published whenever new work is enqueued,
// the same ack-wakeup shape as the escalation engine's poll loop.
type Dispatcher struct {
	queue        WorkQueue
	orchestrator *Orchestrator
	activities   *ActivityExecutor
	logger       *slog.Logger

	turnWorkers     int
	activityWorkers int
	leaseFor        time.Duration
	pollInterval    time.Duration

	redis *redis.Client // nil disables the wake-up fast path
}

func NewDispatcher(queue WorkQueue, orchestrator *Orchestrator, activities *ActivityExecutor, logger *slog.Logger,
	turnWorkers, activityWorkers int, leaseFor, pollInterval time.Duration, redisClient *redis.Client) *Dispatcher {
	return &Dispatcher{
		queue: queue, orchestrator: orchestrator, activities: activities, logger: logger,
		turnWorkers: turnWorkers, activityWorkers: activityWorkers,
		leaseFor: leaseFor, pollInterval: pollInterval, redis: redisClient,
	}
}

// Run starts all worker goroutines and blocks until ctx is cancelled, then
// waits for in-flight work items to finish their current iteration.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	wake := d.subscribeWake(ctx)

	for i := 0; i < d.turnWorkers; i++ {
		workerID := fmt.Sprintf("turn-worker-%d", i)
		g.Go(func() error { return d.runTurnWorker(ctx, workerID, wake) })
	}
	for i := 0; i < d.activityWorkers; i++ {
		workerID := fmt.Sprintf("activity-worker-%d", i)
		g.Go(func() error { return d.runActivityWorker(ctx, workerID, wake) })
	}

	return g.Wait()
}

func (d *Dispatcher) subscribeWake(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	if d.redis == nil {
		return ch
	}
	sub := d.redis.Subscribe(ctx, wakeChannel)
	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

func (d *Dispatcher) runTurnWorker(ctx context.Context, workerID string, wake <-chan struct{}) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
		for d.drainTurns(ctx, workerID) {
		}
	}
}

// drainTurns processes one turn and reports whether a turn was found, so the
// caller can keep pulling without waiting for the next tick while the queue
// is non-empty.
func (d *Dispatcher) drainTurns(ctx context.Context, workerID string) bool {
	item, err := d.queue.Dequeue(ctx, WorkItemOrchestrationTurn, workerID, d.leaseFor)
	if err == ErrNoWork {
		return false
	}
	if err != nil {
		d.logger.Error("dequeuing turn", "worker", workerID, "error", err)
		return false
	}

	start := time.Now()
	runErr := d.orchestrator.RunTurn(ctx, item.InstanceID, item.ExecutionID)
	telemetry.TurnDuration.WithLabelValues(item.InstanceID).Observe(time.Since(start).Seconds())

	if runErr != nil {
		d.logger.Error("running turn", "instance_id", item.InstanceID, "execution_id", item.ExecutionID, "error", runErr)
		telemetry.TurnsProcessedTotal.WithLabelValues("error").Inc()
		if err := d.queue.Nack(ctx, item, d.pollInterval); err != nil {
			d.logger.Error("nacking turn", "instance_id", item.InstanceID, "error", err)
		}
		return true
	}

	telemetry.TurnsProcessedTotal.WithLabelValues("ok").Inc()
	if err := d.queue.Ack(ctx, item); err != nil {
		d.logger.Error("acking turn", "instance_id", item.InstanceID, "error", err)
	}
	return true
}

func (d *Dispatcher) runActivityWorker(ctx context.Context, workerID string, wake <-chan struct{}) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
		for d.drainActivities(ctx, workerID) {
		}
	}
}

func (d *Dispatcher) drainActivities(ctx context.Context, workerID string) bool {
	item, err := d.queue.Dequeue(ctx, WorkItemActivityTask, workerID, d.leaseFor)
	if err == ErrNoWork {
		return false
	}
	if err != nil {
		d.logger.Error("dequeuing activity", "worker", workerID, "error", err)
		return false
	}

	if err := d.activities.RunOne(ctx, item); err != nil {
		d.logger.Error("running activity", "name", item.Name, "instance_id", item.InstanceID, "error", err)
		telemetry.ActivityAttemptsTotal.WithLabelValues(item.Name, "error").Inc()
		return true
	}
	telemetry.ActivityAttemptsTotal.WithLabelValues(item.Name, "ok").Inc()
	return true
}
