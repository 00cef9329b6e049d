package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultTable receives exported trades unless PostgresWriter.Table is set.
var DefaultTable = pgx.Identifier{"backtest_trades"}

// pgDB is the subset of *pgxpool.Pool the writer uses.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// PostgresWriter bulk-loads rows with COPY.
type PostgresWriter struct {
	DB    pgDB
	Table pgx.Identifier
}

// NewPostgresWriter creates a writer into DefaultTable.
func NewPostgresWriter(db pgDB) *PostgresWriter {
	return &PostgresWriter{DB: db, Table: DefaultTable}
}

func (w *PostgresWriter) Write(ctx context.Context, rows []Row) error {
	table := w.Table
	if len(table) == 0 {
		table = DefaultTable
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		time TIMESTAMPTZ NOT NULL,
		fills JSONB NOT NULL,
		"order" JSONB NOT NULL
	)`, table.Sanitize())
	if _, err := w.DB.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("history: create %s: %w", table.Sanitize(), err)
	}

	src := make([][]any, 0, len(rows))
	for _, r := range rows {
		src = append(src, []any{r.Time, string(r.Fills), string(r.Order)})
	}
	n, err := w.DB.CopyFrom(ctx, table, []string{"time", "fills", "order"}, pgx.CopyFromRows(src))
	if err != nil {
		return fmt.Errorf("history: copy into %s: %w", table.Sanitize(), err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("history: copied %d of %d rows", n, len(rows))
	}
	return nil
}
