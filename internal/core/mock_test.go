package core

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// mockDB stands in for the pgx pool behind the DB interface.
type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	rows, _ := args.Get(0).(pgx.Rows)
	return rows, args.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// mockRow is a pgx.Row whose Scan is a closure supplied by the test.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows is a pgx.Rows backed by one scan closure per row.
type mockRows struct {
	rows []func(dest ...any) error
	next int
	err  error
}

func newMockRows(rows ...func(dest ...any) error) *mockRows {
	return &mockRows{rows: rows}
}

func newEmptyMockRows() *mockRows { return &mockRows{} }

func (r *mockRows) Next() bool { return r.next < len(r.rows) }

func (r *mockRows) Scan(dest ...any) error {
	if r.next >= len(r.rows) {
		return pgx.ErrNoRows
	}
	fn := r.rows[r.next]
	r.next++
	return fn(dest...)
}

func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) Close()                                       {}
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
