package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	sq "github.com/Masterminds/squirrel"
)

var (
	// ErrNotFound is returned when an update targets a missing row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a concurrent writer changed the row first.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrSkipUpdate may be returned by an Update callback to leave the
	// stored session untouched. Update then returns the current state and nil.
	ErrSkipUpdate = errors.New("skip update")
)

// dbtx is the query surface shared by *sql.DB and *sql.Tx, so a store can
// run on the pool or inside a caller's transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// nullJSON stores empty documents as SQL NULL.
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
