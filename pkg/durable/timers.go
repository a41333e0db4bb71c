package durable

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/affandar/toygres/internal/db"
)

// TimerStore persists durable timers and fires them into the work queue.
type TimerStore interface {
	Schedule(ctx context.Context, instanceID string, executionID, seq int64, fireAt time.Time) error
	// Sweep finds timers due at or before now, marks them fired, and
	// returns the instances whose turn should be (re)enqueued. It never
	// fires a timer early, and marking "fired" happens before the turn is
	// enqueued so a crash mid-sweep just re-fires the same timer once more
	// (idempotent: the workflow replay treats a duplicate TimerFired the
	// same as the first, since only the first one advances history).
	Sweep(ctx context.Context, now time.Time) ([]Timer, error)
}

type PostgresTimerStore struct {
	pool db.Pool
}

func NewPostgresTimerStore(pool db.Pool) *PostgresTimerStore {
	return &PostgresTimerStore{pool: pool}
}

func (t *PostgresTimerStore) Schedule(ctx context.Context, instanceID string, executionID, seq int64, fireAt time.Time) error {
	_, err := t.pool.Exec(ctx,
		`INSERT INTO durable_timers (instance_id, execution_id, seq, fire_at, fired)
		 VALUES ($1, $2, $3, $4, false)
		 ON CONFLICT (instance_id, execution_id, seq) DO NOTHING`,
		instanceID, executionID, seq, fireAt,
	)
	if err != nil {
		return fmt.Errorf("scheduling timer: %w", err)
	}
	return nil
}

func (t *PostgresTimerStore) Sweep(ctx context.Context, now time.Time) ([]Timer, error) {
	rows, err := t.pool.Query(ctx,
		`UPDATE durable_timers SET fired = true
		 WHERE (instance_id, execution_id, seq) IN (
		   SELECT instance_id, execution_id, seq FROM durable_timers
		   WHERE fired = false AND fire_at <= $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING instance_id, execution_id, seq, fire_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("sweeping timers: %w", err)
	}
	defer rows.Close()

	var timers []Timer
	for rows.Next() {
		var tm Timer
		if err := rows.Scan(&tm.InstanceID, &tm.ExecutionID, &tm.Seq, &tm.FireAt); err != nil {
			return nil, fmt.Errorf("scanning timer: %w", err)
		}
		tm.Fired = true
		timers = append(timers, tm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating timers: %w", err)
	}
	return timers, nil
}

// TimerSweeper periodically fires due timers and appends the resulting
// TimerFired event to each instance's history before enqueueing its turn —
// the same ticker-loop shape as roster.RunScheduleTopUpLoop.
type TimerSweeper struct {
	timers   TimerStore
	history  HistoryStore
	queue    WorkQueue
	logger   *slog.Logger
	interval time.Duration
}

func NewTimerSweeper(timers TimerStore, history HistoryStore, queue WorkQueue, logger *slog.Logger, interval time.Duration) *TimerSweeper {
	return &TimerSweeper{timers: timers, history: history, queue: queue, logger: logger, interval: interval}
}

func (s *TimerSweeper) Run(ctx context.Context) {
	s.logger.Info("timer sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timer sweeper stopped")
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("timer sweep", "error", err)
			}
		}
	}
}

func (s *TimerSweeper) tick(ctx context.Context) error {
	due, err := s.timers.Sweep(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("sweeping due timers: %w", err)
	}
	for _, tm := range due {
		if err := s.appendFired(ctx, tm); err != nil {
			s.logger.Error("appending timer-fired event",
				"instance_id", tm.InstanceID, "seq", tm.Seq, "error", err)
			continue
		}
		if err := s.queue.EnqueueTurn(ctx, tm.InstanceID, tm.ExecutionID); err != nil {
			s.logger.Error("enqueueing turn after timer fire",
				"instance_id", tm.InstanceID, "seq", tm.Seq, "error", err)
			continue
		}
	}
	return nil
}

// appendFired appends a TimerFired event for tm, retrying on optimistic
// append conflicts with a fresh read of the current history length — the
// sweeper races with in-flight turns that may themselves be appending.
func (s *TimerSweeper) appendFired(ctx context.Context, tm Timer) error {
	for attempt := 0; attempt < 5; attempt++ {
		length, err := s.history.Len(ctx, tm.InstanceID, tm.ExecutionID)
		if err != nil {
			return fmt.Errorf("reading history length: %w", err)
		}
		event := HistoryEvent{
			InstanceID:  tm.InstanceID,
			ExecutionID: tm.ExecutionID,
			Seq:         tm.Seq,
			Type:        EventTimerFired,
		}
		err = s.history.Append(ctx, tm.InstanceID, tm.ExecutionID, length, []HistoryEvent{event})
		if err == nil {
			return nil
		}
		if err == ErrAppendConflict {
			continue
		}
		return err
	}
	return fmt.Errorf("appending timer-fired event for %s: too many conflicts", tm.InstanceID)
}
