package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atmx/backtester/internal/model"
)

type tradeRow struct {
	at    time.Time
	price string
	size  int64
	pk    int64
}

// fakeRows implements the pgx.Rows methods PostgresSource calls; the
// embedded nil interface panics on anything else.
type fakeRows struct {
	pgx.Rows
	rows []tradeRow
	i    int
}

func (r *fakeRows) Next() bool { r.i++; return r.i <= len(r.rows) }
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	*dest[0].(*time.Time) = row.at
	*dest[1].(*string) = row.price
	*dest[2].(*int64) = row.size
	*dest[3].(*int64) = row.pk
	return nil
}

// fakeTable answers keyset queries over rows sorted by (time, pk).
type fakeTable struct {
	rows    []tradeRow
	queries []string
	args    [][]any
}

func (f *fakeTable) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, sql)
	f.args = append(f.args, args)

	afterTime, afterPK, limit := args[0].(time.Time), args[1].(int64), args[2].(int)
	var out []tradeRow
	for _, r := range f.rows {
		if r.at.After(afterTime) || (r.at.Equal(afterTime) && r.pk > afterPK) {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return &fakeRows{rows: out}, nil
}

func TestPostgresSource_KeysetPagination(t *testing.T) {
	db := &fakeTable{rows: []tradeRow{
		{sec(0), "40.10", 1, 1},
		{sec(1), "40.11", 2, 2},
		{sec(1), "40.12", 3, 3}, // same instant as the chunk boundary
		{sec(2), "40.13", 4, 4},
		{sec(3), "40.14", 5, 5},
	}}

	src := NewTradeSource(db, bz, sec(1), 2)
	chunks := drain[model.TradeTick](t, src)

	if len(chunks) != 2 || len(chunks[0]) != 2 || len(chunks[1]) != 2 {
		t.Fatalf("expected chunks of 2 and 2 from t=1, got %v", chunks)
	}
	if !chunks[0][0].Price.Equal(d(40.11)) || !chunks[1][1].Price.Equal(d(40.14)) {
		t.Errorf("unexpected prices: %v", chunks)
	}

	// Second page resumes after the last (time, pk) seen.
	if got := db.args[1]; !got[0].(time.Time).Equal(sec(1)) || got[1].(int64) != 3 {
		t.Errorf("expected cursor (t=1, pk=3), got %v", got)
	}
	if !strings.Contains(db.queries[0], `"ticks"."bz20201030_97481898_trades"`) {
		t.Errorf("unexpected table in query: %s", db.queries[0])
	}
	// A full last page needs one more query to observe the end.
	if len(db.queries) != 3 {
		t.Errorf("expected 3 queries, got %d", len(db.queries))
	}
}
