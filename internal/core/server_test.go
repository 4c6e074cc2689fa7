package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/shipyard/internal/model"
)

func scanServer(id, teamID string, now time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = teamID
		*(dest[2].(*string)) = "web-1"
		*(dest[3].(*string)) = "203.0.113.10"
		*(dest[4].(*int)) = 22
		*(dest[5].(*string)) = "root"
		*(dest[6].(*string)) = "test-key-1"
		*(dest[7].(*bool)) = false // is_build_server
		*(dest[8].(*bool)) = false // is_swarm_manager
		*(dest[9].(*bool)) = false // is_swarm_worker
		*(dest[10].(*bool)) = false // is_localhost
		*(dest[11].(*bool)) = false // non_root
		*(dest[12].(*bool)) = false // cloudflare_tunnel
		*(dest[13].(*bool)) = true  // functional
		*(dest[14].(*bool)) = true  // reachable
		*(dest[15].(*bool)) = true  // usable
		*(dest[16].(*string)) = model.ValidationReady
		*(dest[17].(**string)) = nil // validation_log
		*(dest[18].(**time.Time)) = nil
		*(dest[19].(*time.Time)) = now
		*(dest[20].(*time.Time)) = now
		return nil
	}
}

// ---------- Create ----------

func TestServerService_Create_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	now := time.Now()
	server := &model.Server{
		ID:        "test-server-1",
		TeamID:    "test-team-1",
		Name:      "web-1",
		IP:        "203.0.113.10",
		Port:      22,
		User:      "root",
		CreatedAt: now,
		UpdatedAt: now,
	}

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil).Twice()

	err := svc.Create(ctx, server)
	require.NoError(t, err)
	require.NotNil(t, server.Proxy)
	assert.Equal(t, model.ProxyTypeNone, server.Proxy.Type)
	assert.Equal(t, model.ProxyStatusCreated, server.Proxy.Status)
	db.AssertExpectations(t)
}

func TestServerService_Create_InsertError(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, errors.New("db error"))

	err := svc.Create(ctx, &model.Server{ID: "test-server-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create server")
	db.AssertExpectations(t)
}

// ---------- GetByID ----------

func TestServerService_GetByID_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	serverRow := &mockRow{scanFunc: scanServer("test-server-1", "test-team-1", now)}
	proxyRow := &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = "test-server-1"
		*(dest[1].(*string)) = model.ProxyTypeTraefik
		*(dest[2].(*string)) = model.ProxyStatusRunning
		*(dest[3].(*bool)) = false
		*(dest[4].(*bool)) = false
		*(dest[5].(**string)) = nil
		*(dest[6].(*string)) = "abc123"
		*(dest[7].(*string)) = "abc123"
		*(dest[8].(*time.Time)) = now
		*(dest[9].(*time.Time)) = now
		return nil
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(serverRow).Once()
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(proxyRow).Once()

	result, err := svc.GetByID(ctx, "test-server-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "test-server-1", result.ID)
	assert.Equal(t, "test-team-1", result.TeamID)
	require.NotNil(t, result.Proxy)
	assert.Equal(t, model.ProxyTypeTraefik, result.Proxy.Type)
	assert.Equal(t, model.ProxyStatusRunning, result.Proxy.Status)
	db.AssertExpectations(t)
}

func TestServerService_GetByID_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	row := &mockRow{scanFunc: func(dest ...any) error {
		return pgx.ErrNoRows
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	result, err := svc.GetByID(ctx, "nonexistent")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "get server")
	db.AssertExpectations(t)
}

func TestServerService_GetByID_NoProxyRow(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	now := time.Now()
	serverRow := &mockRow{scanFunc: scanServer("test-server-1", "test-team-1", now)}
	missingProxy := &mockRow{scanFunc: func(dest ...any) error {
		return pgx.ErrNoRows
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(serverRow).Once()
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(missingProxy).Once()

	result, err := svc.GetByID(ctx, "test-server-1")
	require.NoError(t, err)
	assert.Nil(t, result.Proxy)
	db.AssertExpectations(t)
}

// ---------- List ----------

func TestServerService_List_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	now := time.Now()
	rows := newMockRows(scanServer("test-server-1", "test-team-1", now))
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	result, err := svc.List(ctx, "test-team-1")
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "test-server-1", result[0].ID)
	db.AssertExpectations(t)
}

func TestServerService_List_QueryError(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(nil, errors.New("db error"))

	result, err := svc.List(ctx, "test-team-1")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "list servers")
	db.AssertExpectations(t)
}

// ---------- SoftDelete ----------

func TestServerService_SoftDelete_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := svc.SoftDelete(ctx, "test-server-1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestServerService_SoftDelete_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := svc.SoftDelete(ctx, "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	db.AssertExpectations(t)
}

// ---------- Proxy settings ----------

func TestServerService_SaveProxySettings_Upsert(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "INSERT INTO server_proxies") && strings.Contains(sql, "ON CONFLICT (server_id)")
	}), mock.Anything).Return(pgconn.CommandTag{}, nil)

	settings := &model.ProxySettings{
		ServerID: "test-server-1",
		Type:     model.ProxyTypeTraefik,
		Status:   model.ProxyStatusRunning,
	}
	err := svc.SaveProxySettings(ctx, settings)
	require.NoError(t, err)
	assert.False(t, settings.UpdatedAt.IsZero())
	db.AssertExpectations(t)
}

func TestServerService_ClearProxySettings_ResetsToNone(t *testing.T) {
	db := &mockDB{}
	svc := NewServerService(db)
	ctx := context.Background()

	var gotArgs []any
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { gotArgs = args.Get(2).([]any) }).
		Return(pgconn.CommandTag{}, nil)

	err := svc.ClearProxySettings(ctx, "test-server-1")
	require.NoError(t, err)
	require.Len(t, gotArgs, 3)
	assert.Equal(t, "test-server-1", gotArgs[0])
	assert.Equal(t, model.ProxyTypeNone, gotArgs[1])
	assert.Equal(t, model.ProxyStatusExited, gotArgs[2])
	db.AssertExpectations(t)
}
