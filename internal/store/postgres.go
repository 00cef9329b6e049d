package store

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/model"
	"github.com/atmx/backtester/internal/tickstream"
)

const (
	// Schema holds the recorded tick tables.
	Schema = "ticks"

	// DefaultChunkSize is the number of rows fetched per chunk.
	DefaultChunkSize = 50000
)

// querier is the subset of pgxpool.Pool used by PostgresSource.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// scanFunc reads one row into a tick and returns its primary key.
type scanFunc[T any] func(rows pgxRows) (T, int64, error)

// PostgresSource pages through a recorded tick table with keyset
// pagination on (time, pk). Prices are read as NUMERIC::TEXT for exact
// decimal precision.
type PostgresSource[T tickstream.Timestamped] struct {
	db    querier
	query string
	scan  scanFunc[T]
	limit int

	afterTime time.Time
	afterPK   int64
	done      bool
}

func newPostgresSource[T tickstream.Timestamped](db querier, table, cols string, from time.Time, limit int, scan scanFunc[T]) *PostgresSource[T] {
	if limit <= 0 {
		limit = DefaultChunkSize
	}
	ident := pgx.Identifier{Schema, table}.Sanitize()
	return &PostgresSource[T]{
		db: db,
		query: fmt.Sprintf(
			`SELECT %s, pk FROM %s WHERE (time, pk) > ($1, $2) ORDER BY time, pk LIMIT $3`,
			cols, ident),
		scan:      scan,
		limit:     limit,
		afterTime: from,
		afterPK:   math.MinInt64,
	}
}

// NewTradeSource reads c's trade prints at or after from.
func NewTradeSource(db querier, c contract.Contract, from time.Time, limit int) *PostgresSource[model.TradeTick] {
	return newPostgresSource(db, c.TableName(contract.Trades),
		"time, price::TEXT, size::BIGINT", from, limit, scanTrade)
}

// NewQuoteSource reads c's top-of-book changes at or after from.
func NewQuoteSource(db querier, c contract.Contract, from time.Time, limit int) *PostgresSource[model.QuoteTick] {
	return newPostgresSource(db, c.TableName(contract.BidAsk),
		"time, bid::TEXT, ask::TEXT, bid_size::BIGINT, ask_size::BIGINT", from, limit, scanQuote)
}

func (s *PostgresSource[T]) Next(ctx context.Context) ([]T, error) {
	if s.done {
		return nil, io.EOF
	}

	rows, err := s.db.Query(ctx, s.query, s.afterTime, s.afterPK, s.limit)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	chunk := make([]T, 0, s.limit)
	for rows.Next() {
		tick, pk, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		chunk = append(chunk, tick)
		s.afterTime, s.afterPK = tick.Timestamp(), pk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ticks: %w", err)
	}

	if len(chunk) < s.limit {
		s.done = true
		if len(chunk) == 0 {
			return nil, io.EOF
		}
	}
	return chunk, nil
}

// pgxRows is the subset of pgx.Rows read by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrade(rows pgxRows) (model.TradeTick, int64, error) {
	var t model.TradeTick
	var price string
	var pk int64
	if err := rows.Scan(&t.Time, &price, &t.Size, &pk); err != nil {
		return t, 0, err
	}
	var err error
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return t, 0, fmt.Errorf("price %q: %w", price, err)
	}
	t.Time = t.Time.UTC()
	return t, pk, nil
}

func scanQuote(rows pgxRows) (model.QuoteTick, int64, error) {
	var q model.QuoteTick
	var bid, ask string
	var pk int64
	if err := rows.Scan(&q.Time, &bid, &ask, &q.BidSize, &q.AskSize, &pk); err != nil {
		return q, 0, err
	}
	var err error
	if q.Bid, err = decimal.NewFromString(bid); err != nil {
		return q, 0, fmt.Errorf("bid %q: %w", bid, err)
	}
	if q.Ask, err = decimal.NewFromString(ask); err != nil {
		return q, 0, fmt.Errorf("ask %q: %w", ask, err)
	}
	q.Time = q.Time.UTC()
	return q, pk, nil
}

// PostgresProvider implements Provider over the recorded tick tables.
type PostgresProvider struct {
	pool      *pgxpool.Pool
	from      time.Time
	chunkSize int
}

// NewPostgresProvider creates a provider reading ticks at or after from.
func NewPostgresProvider(pool *pgxpool.Pool, from time.Time, chunkSize int) *PostgresProvider {
	return &PostgresProvider{pool: pool, from: from, chunkSize: chunkSize}
}

func (p *PostgresProvider) Trades(_ context.Context, c contract.Contract) (tickstream.Source[model.TradeTick], error) {
	return NewTradeSource(p.pool, c, p.from, p.chunkSize), nil
}

func (p *PostgresProvider) Quotes(_ context.Context, c contract.Contract) (tickstream.Source[model.QuoteTick], error) {
	return NewQuoteSource(p.pool, c, p.from, p.chunkSize), nil
}
