package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/shipyard/internal/api/request"
	"github.com/edvin/shipyard/internal/core"
)

func TestAPIKey_Create_ReturnsRawKeyOnce(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, sqlContains("INSERT INTO api_keys"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*time.Time)) = time.Now()
			return nil
		}})

	h := NewAPIKey(core.NewAPIKeyService(db))
	rec := httptest.NewRecorder()
	h.Create(rec, newRequest("POST", "/api/v1/api-keys", request.CreateAPIKey{Name: "ci"}))

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	rawKey, _ := body["key"].(string)
	assert.Len(t, rawKey, 68)
	assert.Equal(t, "shp_", rawKey[:4])
	assert.Equal(t, rawKey[:12], body["key_prefix"])
}

func TestAPIKey_Create_MissingName(t *testing.T) {
	h := NewAPIKey(core.NewAPIKeyService(&mockDB{}))

	rec := httptest.NewRecorder()
	h.Create(rec, newRequest("POST", "/api/v1/api-keys", map[string]string{}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKey_Revoke_Success(t *testing.T) {
	db := &mockDB{}
	db.On("Exec", mock.Anything, sqlContains("revoked_at = now()"), []any{validID}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	h := NewAPIKey(core.NewAPIKeyService(db))
	rec := httptest.NewRecorder()
	h.Revoke(rec, withChiURLParam(newRequest("DELETE", "/api/v1/api-keys/"+validID, nil), "id", validID))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPIKey_Revoke_AlreadyRevoked(t *testing.T) {
	db := &mockDB{}
	db.On("Exec", mock.Anything, sqlContains("revoked_at = now()"), []any{validID}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	h := NewAPIKey(core.NewAPIKeyService(db))
	rec := httptest.NewRecorder()
	h.Revoke(rec, withChiURLParam(newRequest("DELETE", "/api/v1/api-keys/"+validID, nil), "id", validID))

	assert.Equal(t, http.StatusConflict, rec.Code)
}
