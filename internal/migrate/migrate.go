// Package migrate applies the bookkeeping schema every synchronized database
// shares: the upload queue, the transaction counter, the change marks, the
// key-value store, and the per-stream sync state.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Up brings the bookkeeping tables to the latest version. Safe to call on
// every open; migrations already applied are skipped.
func Up(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
