package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/affandar/toygres/internal/db"
)

// ErrInstanceExists is returned by InstanceStore.Create when instanceID is
// already known; the client facade uses it to decide between an idempotent
// no-op and a ConflictError.
var ErrInstanceExists = errors.New("durable: instance already exists")

// ErrInstanceNotFound is returned by InstanceStore.Get for an unknown id.
var ErrInstanceNotFound = errors.New("durable: instance not found")

// InstanceStore persists the one row per orchestration instance that tracks
// its current execution and status, separately from the append-only history
// log (§4.1, durable_instances vs durable_history_events/durable_executions).
type InstanceStore interface {
	Create(ctx context.Context, instanceID, name, version string, input json.RawMessage, parentInstanceID string, parentSeq int64) error
	Get(ctx context.Context, instanceID string) (WorkflowInstance, error)
	MarkRunning(ctx context.Context, instanceID string, executionID int64) error
	Complete(ctx context.Context, instanceID string, executionID int64, output json.RawMessage) error
	Fail(ctx context.Context, instanceID string, executionID int64, message string) error
	Cancel(ctx context.Context, instanceID string, executionID int64) error
	// ContinueAsNew bumps the instance to a fresh execution, resetting
	// status to pending with the given input, and returns the new
	// execution id.
	ContinueAsNew(ctx context.Context, instanceID string, oldExecutionID int64, input json.RawMessage) (int64, error)
}

type PostgresInstanceStore struct {
	pool db.Pool
}

func NewPostgresInstanceStore(pool db.Pool) *PostgresInstanceStore {
	return &PostgresInstanceStore{pool: pool}
}

func (s *PostgresInstanceStore) Create(ctx context.Context, instanceID, name, version string, input json.RawMessage, parentInstanceID string, parentSeq int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning instance create: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO durable_instances
		 (instance_id, execution_id, name, version, status, input, parent_instance_id, parent_seq, created_at, updated_at)
		 VALUES ($1, 1, $2, $3, 'pending', $4, $5, $6, now(), now())
		 ON CONFLICT (instance_id) DO NOTHING`,
		instanceID, name, version, []byte(input), nullIfEmpty(parentInstanceID), parentSeq,
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInstanceExists
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO durable_executions (instance_id, execution_id, history_len) VALUES ($1, 1, 0)`,
		instanceID,
	); err != nil {
		return fmt.Errorf("inserting execution row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing instance create: %w", err)
	}
	return nil
}

func (s *PostgresInstanceStore) Get(ctx context.Context, instanceID string) (WorkflowInstance, error) {
	var inst WorkflowInstance
	var output []byte
	var errMsg, parentInstanceID *string
	err := s.pool.QueryRow(ctx,
		`SELECT instance_id, execution_id, name, version, status, input, output, error,
		        parent_instance_id, parent_seq, created_at, updated_at
		 FROM durable_instances WHERE instance_id = $1`,
		instanceID,
	).Scan(&inst.InstanceID, &inst.ExecutionID, &inst.Name, &inst.Version, &inst.Status, &inst.Input, &output,
		&errMsg, &parentInstanceID, &inst.ParentSeq, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return WorkflowInstance{}, ErrInstanceNotFound
	}
	if err != nil {
		return WorkflowInstance{}, fmt.Errorf("reading instance %s: %w", instanceID, err)
	}
	inst.Output = output
	if errMsg != nil {
		inst.Error = *errMsg
	}
	if parentInstanceID != nil {
		inst.ParentInstanceID = *parentInstanceID
	}
	return inst, nil
}

func (s *PostgresInstanceStore) MarkRunning(ctx context.Context, instanceID string, executionID int64) error {
	return s.setStatus(ctx, instanceID, executionID, StatusRunning, nil, "")
}

func (s *PostgresInstanceStore) Complete(ctx context.Context, instanceID string, executionID int64, output json.RawMessage) error {
	return s.setStatus(ctx, instanceID, executionID, StatusCompleted, output, "")
}

func (s *PostgresInstanceStore) Fail(ctx context.Context, instanceID string, executionID int64, message string) error {
	return s.setStatus(ctx, instanceID, executionID, StatusFailed, nil, message)
}

func (s *PostgresInstanceStore) Cancel(ctx context.Context, instanceID string, executionID int64) error {
	return s.setStatus(ctx, instanceID, executionID, StatusCancelled, nil, "cancelled")
}

func (s *PostgresInstanceStore) setStatus(ctx context.Context, instanceID string, executionID int64, status Status, output json.RawMessage, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE durable_instances SET status = $3, output = $4, error = $5, updated_at = now()
		 WHERE instance_id = $1 AND execution_id = $2`,
		instanceID, executionID, status, nullIfEmptyJSON(output), nullIfEmpty(message),
	)
	if err != nil {
		return fmt.Errorf("updating instance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating instance status: %s execution %d not found", instanceID, executionID)
	}
	return nil
}

func (s *PostgresInstanceStore) ContinueAsNew(ctx context.Context, instanceID string, oldExecutionID int64, input json.RawMessage) (int64, error) {
	newExecutionID := oldExecutionID + 1

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning continue-as-new: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE durable_instances SET execution_id = $3, status = 'pending', input = $4, output = NULL, error = NULL, updated_at = now()
		 WHERE instance_id = $1 AND execution_id = $2`,
		instanceID, oldExecutionID, newExecutionID, []byte(input),
	)
	if err != nil {
		return 0, fmt.Errorf("bumping instance execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("continue-as-new: %s execution %d not found", instanceID, oldExecutionID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO durable_executions (instance_id, execution_id, history_len) VALUES ($1, $2, 0)`,
		instanceID, newExecutionID,
	); err != nil {
		return 0, fmt.Errorf("inserting next execution row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing continue-as-new: %w", err)
	}
	return newExecutionID, nil
}
