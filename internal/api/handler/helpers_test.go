package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"

	"github.com/edvin/shipyard/internal/model"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorResponse parses the JSON error response body into a map.
func decodeErrorResponse(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

// sqlContains matches a query by substring.
func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, fragment)
	})
}

// scanServerRow fills the servers SELECT column list for a healthy,
// validated server.
func scanServerRow(id, teamID string, now time.Time) func(dest ...any) error {
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

// scanProxyRow fills the server_proxies SELECT column list.
func scanProxyRow(serverID, proxyType, status string, now time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = serverID
		*(dest[1].(*string)) = proxyType
		*(dest[2].(*string)) = status
		*(dest[3].(*bool)) = false // force_stop
		*(dest[4].(*bool)) = false // redirect_enabled
		*(dest[5].(**string)) = nil
		*(dest[6].(*string)) = "" // last_saved_settings
		*(dest[7].(*string)) = "" // last_applied_settings
		*(dest[8].(*time.Time)) = now
		*(dest[9].(*time.Time)) = now
		return nil
	}
}

// scanOperationRow fills the operations SELECT column list.
func scanOperationRow(id, serverID, kind, status string, now time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = serverID
		*(dest[2].(*string)) = kind
		*(dest[3].(*string)) = status
		*(dest[4].(**int)) = nil // current_pid
		*(dest[5].(*bool)) = false
		*(dest[6].(**time.Time)) = nil
		*(dest[7].(**time.Time)) = nil
		*(dest[8].(*time.Time)) = now
		*(dest[9].(*time.Time)) = now
		return nil
	}
}

const validID = "test-id-1"
