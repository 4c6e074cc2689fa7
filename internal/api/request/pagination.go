package request

import (
	"net/http"
	"strconv"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Pagination is the cursor-style paging contract: an opaque cursor (the
// last seen id) plus a clamped page size.
type Pagination struct {
	Limit  int
	Cursor string
}

// ParsePagination reads limit and cursor query parameters, falling back to
// DefaultLimit for anything non-positive or unparseable and clamping to
// MaxLimit.
func ParsePagination(r *http.Request) Pagination {
	q := r.URL.Query()

	limit := DefaultLimit
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	return Pagination{Limit: limit, Cursor: q.Get("cursor")}
}
