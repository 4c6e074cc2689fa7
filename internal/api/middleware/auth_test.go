package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type authMockDB struct {
	mock.Mock
}

func (m *authMockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *authMockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *authMockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type authMockRow struct {
	scanFunc func(dest ...any) error
}

func (r *authMockRow) Scan(dest ...any) error {
	return r.scanFunc(dest...)
}

func hashOf(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func okHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), &called
}

func TestAuth_MissingKey(t *testing.T) {
	db := &authMockDB{}
	next, called := okHandler()

	rec := httptest.NewRecorder()
	Auth(db)(next).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/servers", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, *called)
}

func TestAuth_ValidHeaderKey(t *testing.T) {
	db := &authMockDB{}
	db.On("QueryRow", mock.Anything, mock.Anything, []any{hashOf("shp_valid")}).
		Return(&authMockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*string) = "key-1"
			return nil
		}})

	next, called := okHandler()
	r := httptest.NewRequest("GET", "/api/v1/servers", nil)
	r.Header.Set("X-API-Key", "shp_valid")

	rec := httptest.NewRecorder()
	Auth(db)(next).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *called)
	db.AssertExpectations(t)
}

func TestAuth_QueryTokenFallback(t *testing.T) {
	db := &authMockDB{}
	db.On("QueryRow", mock.Anything, mock.Anything, []any{hashOf("shp_ws")}).
		Return(&authMockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*string) = "key-2"
			return nil
		}})

	var gotKeyID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKeyID = KeyID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	Auth(db)(next).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/operations/op-1/logs/ws?token=shp_ws", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-2", gotKeyID)
}

func TestAuth_UnknownKey(t *testing.T) {
	db := &authMockDB{}
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&authMockRow{scanFunc: func(dest ...any) error {
			return errors.New("no rows in result set")
		}})

	next, called := okHandler()
	r := httptest.NewRequest("GET", "/api/v1/servers", nil)
	r.Header.Set("X-API-Key", "shp_revoked")

	rec := httptest.NewRecorder()
	Auth(db)(next).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, *called)
}
