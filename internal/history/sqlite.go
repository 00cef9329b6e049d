package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteWriter appends rows to a trades table in a local SQLite file.
type SQLiteWriter struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path.
func OpenSQLite(path string) (*SQLiteWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}

	w := &SQLiteWriter{db: db}
	if err := w.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return w, nil
}

func (w *SQLiteWriter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time TEXT NOT NULL,
			fills TEXT NOT NULL,
			"order" TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_time ON trades(time)`,
	}
	for _, q := range queries {
		if _, err := w.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (w *SQLiteWriter) Write(ctx context.Context, rows []Row) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO trades (time, fills, "order") VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("history: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Time.Format(time.RFC3339Nano), string(r.Fills), string(r.Order)); err != nil {
			return fmt.Errorf("history: insert: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (w *SQLiteWriter) Close() error { return w.db.Close() }
