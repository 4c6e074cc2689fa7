package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/shipyard/internal/model"
	"github.com/edvin/shipyard/internal/platform"
)

// ExecutionLogService persists operations and their append-only execution
// logs. It satisfies both remote.LogSink and remote.OperationStore.
type ExecutionLogService struct {
	db DB
}

func NewExecutionLogService(db DB) *ExecutionLogService {
	return &ExecutionLogService{db: db}
}

// CreateOperation opens a new operation record for a remote run.
func (s *ExecutionLogService) CreateOperation(ctx context.Context, serverID, kind string) (*model.Operation, error) {
	now := time.Now()
	op := &model.Operation{
		ID:        platform.NewID(),
		ServerID:  serverID,
		Kind:      kind,
		Status:    model.OperationInProgress,
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO operations (id, server_id, kind, status, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		op.ID, op.ServerID, op.Kind, op.Status, op.StartedAt, op.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	return op, nil
}

func (s *ExecutionLogService) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	var op model.Operation
	err := s.db.QueryRow(ctx,
		`SELECT id, server_id, kind, status, current_pid, cancel_requested, started_at, finished_at, created_at, updated_at
		 FROM operations WHERE id = $1`, id,
	).Scan(&op.ID, &op.ServerID, &op.Kind, &op.Status, &op.CurrentPID, &op.CancelRequested,
		&op.StartedAt, &op.FinishedAt, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}
	return &op, nil
}

// Append writes one log entry. Entries arrive pre-numbered by the run and
// must never be reordered; the insert is immediate, not batched, so a
// concurrently polling reader can tail progress.
func (s *ExecutionLogService) Append(ctx context.Context, entry model.LogEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO execution_logs (operation_id, entry_order, command, output, kind, hidden, batch, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		entry.OperationID, entry.Order, entry.Command, entry.Output, entry.Kind, entry.Hidden, entry.Batch)
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

// ListEntries returns visible log entries after the given order, in order.
// Used by the tailing endpoints; afterOrder=0 returns everything.
func (s *ExecutionLogService) ListEntries(ctx context.Context, operationID string, afterOrder int) ([]model.LogEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, operation_id, entry_order, command, output, kind, hidden, batch, created_at
		 FROM execution_logs WHERE operation_id = $1 AND entry_order > $2 AND NOT hidden
		 ORDER BY entry_order`, operationID, afterOrder)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.ID, &e.OperationID, &e.Order, &e.Command, &e.Output, &e.Kind, &e.Hidden, &e.Batch, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}

// RecordPID stores the remote process id so an external actor can kill it.
func (s *ExecutionLogService) RecordPID(ctx context.Context, operationID string, pid int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE operations SET current_pid = $2, updated_at = now() WHERE id = $1`, operationID, pid)
	if err != nil {
		return fmt.Errorf("record pid for operation %s: %w", operationID, err)
	}
	return nil
}

// RequestCancel flags the operation; the executor observes the flag when
// the killed command fails and marks the run cancelled rather than failed.
func (s *ExecutionLogService) RequestCancel(ctx context.Context, operationID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE operations SET cancel_requested = true, updated_at = now() WHERE id = $1`, operationID)
	if err != nil {
		return fmt.Errorf("request cancel for operation %s: %w", operationID, err)
	}
	return nil
}

func (s *ExecutionLogService) CancelRequested(ctx context.Context, operationID string) (bool, error) {
	var requested bool
	err := s.db.QueryRow(ctx,
		`SELECT cancel_requested FROM operations WHERE id = $1`, operationID).Scan(&requested)
	if err != nil {
		return false, fmt.Errorf("read cancel flag for operation %s: %w", operationID, err)
	}
	return requested, nil
}

// SetStatus moves the operation to a terminal or intermediate status,
// stamping finished_at for terminal ones.
func (s *ExecutionLogService) SetStatus(ctx context.Context, operationID string, status string) error {
	var err error
	switch status {
	case model.OperationFinished, model.OperationFailed, model.OperationCancelled:
		_, err = s.db.Exec(ctx,
			`UPDATE operations SET status = $2, finished_at = now(), updated_at = now() WHERE id = $1`,
			operationID, status)
	default:
		_, err = s.db.Exec(ctx,
			`UPDATE operations SET status = $2, updated_at = now() WHERE id = $1`, operationID, status)
	}
	if err != nil {
		return fmt.Errorf("set status for operation %s: %w", operationID, err)
	}
	return nil
}
