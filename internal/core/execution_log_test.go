package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/shipyard/internal/model"
)

// ---------- CreateOperation ----------

func TestExecutionLogService_CreateOperation_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionLogService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	op, err := svc.CreateOperation(ctx, "test-server-1", "proxy_start")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, "test-server-1", op.ServerID)
	assert.Equal(t, "proxy_start", op.Kind)
	assert.Equal(t, model.OperationInProgress, op.Status)
	require.NotNil(t, op.StartedAt)
	db.AssertExpectations(t)
}

func TestExecutionLogService_CreateOperation_InsertError(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionLogService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, errors.New("db error"))

	op, err := svc.CreateOperation(ctx, "test-server-1", "proxy_start")
	require.Error(t, err)
	assert.Nil(t, op)
	assert.Contains(t, err.Error(), "create operation")
	db.AssertExpectations(t)
}

// ---------- Append / ListEntries ----------

func TestExecutionLogService_Append_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionLogService(db)
	ctx := context.Background()

	var gotArgs []any
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { gotArgs = args.Get(2).([]any) }).
		Return(pgconn.CommandTag{}, nil)

	entry := model.LogEntry{
		OperationID: "test-op-1",
		Order:       3,
		Command:     "docker compose up -d",
		Output:      "Started",
		Kind:        model.LogKindStdout,
		Batch:       1,
	}
	err := svc.Append(ctx, entry)
	require.NoError(t, err)
	require.Len(t, gotArgs, 7)
	assert.Equal(t, "test-op-1", gotArgs[0])
	assert.Equal(t, 3, gotArgs[1])
	db.AssertExpectations(t)
}

func TestExecutionLogService_ListEntries_SkipsHidden(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionLogService(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "NOT hidden") && strings.Contains(sql, "ORDER BY entry_order")
	}), mock.Anything).Return(newEmptyMockRows(), nil)

	entries, err := svc.ListEntries(ctx, "test-op-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	db.AssertExpectations(t)
}

func TestExecutionLogService_ListEntries_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionLogService(db)
	ctx := context.Background()

	now := time.Now()
	rows := newMockRows(
		func(dest ...any) error {
			*(dest[0].(*int64)) = 1
			*(dest[1].(*string)) = "test-op-1"
			*(dest[2].(*int)) = 1
			*(dest[3].(*string)) = "uname -a"
			*(dest[4].(*string)) = "Linux web-1"
			*(dest[5].(*string)) = model.LogKindStdout
			*(dest[6].(*bool)) = false
			*(dest[7].(*int)) = 1
			*(dest[8].(*time.Time)) = now
			return nil
		},
	)
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	entries, err := svc.ListEntries(ctx, "test-op-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Order)
	assert.Equal(t, "Linux web-1", entries[0].Output)
	db.AssertExpectations(t)
}

// ---------- Cancellation bookkeeping ----------

func TestExecutionLogService_RecordPID(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionLogService(db)
	ctx := context.Background()

	var gotArgs []any
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { gotArgs = args.Get(2).([]any) }).
		Return(pgconn.CommandTag{}, nil)

	err := svc.RecordPID(ctx, "test-op-1", 4242)
	require.NoError(t, err)
	require.Len(t, gotArgs, 2)
	assert.Equal(t, 4242, gotArgs[1])
	db.AssertExpectations(t)
}

func TestExecutionLogService_CancelRoundTrip(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionLogService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	row := &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*bool)) = true
		return nil
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	require.NoError(t, svc.RequestCancel(ctx, "test-op-1"))

	requested, err := svc.CancelRequested(ctx, "test-op-1")
	require.NoError(t, err)
	assert.True(t, requested)
	db.AssertExpectations(t)
}

// ---------- SetStatus ----------

func TestExecutionLogService_SetStatus_TerminalStampsFinishedAt(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionLogService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "finished_at = now()")
	}), mock.Anything).Return(pgconn.CommandTag{}, nil)

	for _, status := range []string{model.OperationFinished, model.OperationFailed, model.OperationCancelled} {
		require.NoError(t, svc.SetStatus(ctx, "test-op-1", status))
	}
	db.AssertExpectations(t)
}

func TestExecutionLogService_SetStatus_IntermediateLeavesFinishedAt(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionLogService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return !strings.Contains(sql, "finished_at")
	}), mock.Anything).Return(pgconn.CommandTag{}, nil)

	require.NoError(t, svc.SetStatus(ctx, "test-op-1", model.OperationInProgress))
	db.AssertExpectations(t)
}
