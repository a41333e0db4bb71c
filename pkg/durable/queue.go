package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/affandar/toygres/internal/db"
)

// wakeChannel is the Redis pub/sub channel PostgresWorkQueue publishes to on
// every successful enqueue, letting idle dispatcher workers wake up faster
// than their poll interval. Postgres remains the queue of record; Redis is
// purely a best-effort latency shortcut, grounded on the escalation
// engine's ack pub/sub pattern.
const wakeChannel = "toygres:durable:wake"

// ErrNoWork is returned by Dequeue when no visible, unleased item is ready.
var ErrNoWork = errors.New("durable: no work available")

// WorkQueue is the durable queue of orchestration turns and activity tasks
// (§4.2). Leases give at-least-once delivery; per-instance turns are
// strictly serialized by the caller never issuing two leases for the same
// instance's turn queue concurrently (enforced by the dispatcher, not the
// queue itself, which only knows about individual work items).
type WorkQueue interface {
	EnqueueTurn(ctx context.Context, instanceID string, executionID int64) error
	EnqueueActivity(ctx context.Context, instanceID string, executionID, seq int64, name string, input json.RawMessage, retryAttempt int, visibleAt time.Time) error
	Dequeue(ctx context.Context, kind WorkItemKind, workerID string, leaseFor time.Duration) (*WorkItem, error)
	Ack(ctx context.Context, item *WorkItem) error
	Nack(ctx context.Context, item *WorkItem, retryAfter time.Duration) error
	Depth(ctx context.Context, kind WorkItemKind) (int, error)
}

// PostgresWorkQueue implements WorkQueue over a `durable_work_items` table
// using `FOR UPDATE SKIP LOCKED`, the natural Postgres extension of the
// teacher's raw-SQL, conn.Acquire-per-operation idiom to a lease queue.
type PostgresWorkQueue struct {
	pool     db.Pool
	notifier *redis.Client // optional; nil disables the wake-up publish
}

func NewPostgresWorkQueue(pool db.Pool) *PostgresWorkQueue {
	return &PostgresWorkQueue{pool: pool}
}

// WithNotifier attaches a Redis client used to publish a wake hint after
// every successful enqueue.
func (q *PostgresWorkQueue) WithNotifier(client *redis.Client) *PostgresWorkQueue {
	q.notifier = client
	return q
}

func (q *PostgresWorkQueue) notify(ctx context.Context) {
	if q.notifier == nil {
		return
	}
	q.notifier.Publish(ctx, wakeChannel, "1")
}

// EnqueueTurn enqueues an orchestration turn for instanceID, coalescing with
// any already-pending, not-yet-leased turn for the same instance so that
// multiple triggers collapsed into this turn collapse into one queue row
// (§4.2's coalescing requirement), via a partial unique index on
// (instance_id) WHERE kind='orchestration_turn' AND lease_owner IS NULL.
func (q *PostgresWorkQueue) EnqueueTurn(ctx context.Context, instanceID string, executionID int64) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO durable_work_items (kind, instance_id, execution_id, visible_at)
		 VALUES ('orchestration_turn', $1, $2, now())
		 ON CONFLICT (instance_id) WHERE kind = 'orchestration_turn' AND lease_owner IS NULL
		 DO NOTHING`,
		instanceID, executionID,
	)
	if err != nil {
		return fmt.Errorf("enqueueing turn: %w", err)
	}
	q.notify(ctx)
	return nil
}

func (q *PostgresWorkQueue) EnqueueActivity(ctx context.Context, instanceID string, executionID, seq int64, name string, input json.RawMessage, retryAttempt int, visibleAt time.Time) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO durable_work_items
		 (kind, instance_id, execution_id, seq, name, input, retry_attempt, visible_at)
		 VALUES ('activity_task', $1, $2, $3, $4, $5, $6, $7)`,
		instanceID, executionID, seq, name, []byte(input), retryAttempt, visibleAt,
	)
	if err != nil {
		return fmt.Errorf("enqueueing activity task: %w", err)
	}
	q.notify(ctx)
	return nil
}

func (q *PostgresWorkQueue) Dequeue(ctx context.Context, kind WorkItemKind, workerID string, leaseFor time.Duration) (*WorkItem, error) {
	row := q.pool.QueryRow(ctx,
		`UPDATE durable_work_items
		 SET lease_owner = $1, lease_expires_at = now() + make_interval(secs => $2)
		 WHERE id = (
		   SELECT id FROM durable_work_items
		   WHERE kind = $3
		     AND visible_at <= now()
		     AND (lease_owner IS NULL OR lease_expires_at < now())
		   ORDER BY visible_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, kind, instance_id, execution_id, seq, name, input, retry_attempt,
		           lease_owner, lease_expires_at, visible_at`,
		workerID, leaseFor.Seconds(), kind,
	)

	item := &WorkItem{}
	var name *string
	var input []byte
	var seq *int64
	err := row.Scan(&item.ID, &item.Kind, &item.InstanceID, &item.ExecutionID, &seq, &name,
		&input, &item.RetryAttempt, &item.LeaseOwner, &item.LeaseExpires, &item.VisibleAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing %s: %w", kind, err)
	}
	if seq != nil {
		item.Seq = *seq
	}
	if name != nil {
		item.Name = *name
	}
	item.Input = json.RawMessage(input)
	return item, nil
}

// Ack removes the work item. A leased turn is already outside the
// coalescing index (which covers only rows with lease_owner IS NULL), so a
// new turn for the same instance can be enqueued while this one is in
// flight; acking does not change that.
func (q *PostgresWorkQueue) Ack(ctx context.Context, item *WorkItem) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM durable_work_items WHERE id = $1`, item.ID)
	if err != nil {
		return fmt.Errorf("acking work item %d: %w", item.ID, err)
	}
	return nil
}

// Nack releases the lease and pushes visibility out by retryAfter,
// incrementing retry_attempt so the activity executor's backoff policy can
// read it back on the next dequeue.
func (q *PostgresWorkQueue) Nack(ctx context.Context, item *WorkItem, retryAfter time.Duration) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE durable_work_items
		 SET lease_owner = NULL, lease_expires_at = NULL,
		     visible_at = now() + make_interval(secs => $2), retry_attempt = retry_attempt + 1
		 WHERE id = $1`,
		item.ID, retryAfter.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("nacking work item %d: %w", item.ID, err)
	}
	return nil
}

func (q *PostgresWorkQueue) Depth(ctx context.Context, kind WorkItemKind) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM durable_work_items
		 WHERE kind = $1 AND visible_at <= now() AND (lease_owner IS NULL OR lease_expires_at < now())`,
		kind,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue depth: %w", err)
	}
	return n, nil
}
