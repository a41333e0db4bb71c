package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/affandar/toygres/internal/db"
)

// ErrAppendConflict is returned by HistoryStore.Append when the caller's
// expectedLen no longer matches the stored history length: another worker
// already appended for this (instance_id, execution_id).
var ErrAppendConflict = errors.New("durable: history append conflict")

// HistoryStore is the append-only per-execution event log (§4.1).
type HistoryStore interface {
	// Append persists events atomically, failing with ErrAppendConflict if
	// the stored length does not equal expectedLen.
	Append(ctx context.Context, instanceID string, executionID int64, expectedLen int64, events []HistoryEvent) error
	// Read returns the full, ordered history for an execution.
	Read(ctx context.Context, instanceID string, executionID int64) ([]HistoryEvent, error)
	// LatestExecution returns the highest execution_id known for instanceID.
	LatestExecution(ctx context.Context, instanceID string) (int64, error)
	// Len returns the current history length for an execution.
	Len(ctx context.Context, instanceID string, executionID int64) (int64, error)
}

// PostgresHistoryStore is the Postgres-backed HistoryStore implementation.
type PostgresHistoryStore struct {
	pool db.Pool
}

func NewPostgresHistoryStore(pool db.Pool) *PostgresHistoryStore {
	return &PostgresHistoryStore{pool: pool}
}

// Append guards against concurrent writers with a single UPDATE on
// durable_executions.history_len: only the writer whose expectedLen matches
// the stored value may proceed, mirroring incident.Store's
// RowsAffected()==0 conflict idiom.
func (s *PostgresHistoryStore) Append(ctx context.Context, instanceID string, executionID int64, expectedLen int64, events []HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE durable_executions SET history_len = history_len + $3
		 WHERE instance_id = $1 AND execution_id = $2 AND history_len = $4`,
		instanceID, executionID, int64(len(events)), expectedLen,
	)
	if err != nil {
		return fmt.Errorf("advancing history length: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppendConflict
	}

	for i, ev := range events {
		position := expectedLen + int64(i)
		if _, err := tx.Exec(ctx,
			`INSERT INTO durable_history_events
			 (instance_id, execution_id, position, seq, event_type, name, target_instance_id,
			  input, output, error, fire_at, external_event_name, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now())`,
			instanceID, executionID, position, ev.Seq, ev.Type, ev.Name, nullIfEmpty(ev.TargetInstanceID),
			nullIfEmptyJSON(ev.Input), nullIfEmptyJSON(ev.Output), nullIfEmpty(ev.Error),
			nullIfZeroTime(ev.FireAt), nullIfEmpty(ev.ExternalEventName),
		); err != nil {
			return fmt.Errorf("inserting history event position=%d: %w", position, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) Read(ctx context.Context, instanceID string, executionID int64) ([]HistoryEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position, seq, event_type, name, target_instance_id, input, output, error,
		        fire_at, external_event_name, created_at
		 FROM durable_history_events
		 WHERE instance_id = $1 AND execution_id = $2
		 ORDER BY position ASC`,
		instanceID, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	var events []HistoryEvent
	for rows.Next() {
		ev := HistoryEvent{InstanceID: instanceID, ExecutionID: executionID}
		var name, targetInstanceID, errStr, externalEventName *string
		var fireAt *time.Time
		if err := rows.Scan(&ev.Position, &ev.Seq, &ev.Type, &name, &targetInstanceID, &ev.Input, &ev.Output,
			&errStr, &fireAt, &externalEventName, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history event: %w", err)
		}
		if name != nil {
			ev.Name = *name
		}
		if targetInstanceID != nil {
			ev.TargetInstanceID = *targetInstanceID
		}
		if errStr != nil {
			ev.Error = *errStr
		}
		if fireAt != nil {
			ev.FireAt = *fireAt
		}
		if externalEventName != nil {
			ev.ExternalEventName = *externalEventName
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return events, nil
}

func (s *PostgresHistoryStore) Len(ctx context.Context, instanceID string, executionID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT history_len FROM durable_executions WHERE instance_id = $1 AND execution_id = $2`,
		instanceID, executionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("reading history length: %w", err)
	}
	return n, nil
}

func (s *PostgresHistoryStore) LatestExecution(ctx context.Context, instanceID string) (int64, error) {
	var executionID int64
	err := s.pool.QueryRow(ctx,
		`SELECT execution_id FROM durable_executions WHERE instance_id = $1 ORDER BY execution_id DESC LIMIT 1`,
		instanceID,
	).Scan(&executionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, pgx.ErrNoRows
	}
	if err != nil {
		return 0, fmt.Errorf("reading latest execution: %w", err)
	}
	return executionID, nil
}
