package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/model"
	"github.com/atmx/backtester/internal/tickstream"
)

// Delimiter separates columns in recorded tick exports.
const Delimiter = ';'

// ErrMissingColumn is returned when a CSV header lacks a required column.
var ErrMissingColumn = errors.New("store: csv header missing column")

// RowDecoder turns one CSV record into a tick. cols maps header names to
// record indexes.
type RowDecoder[T any] func(rec []string, cols map[string]int) (T, error)

// CSVSource reads a headered, ';'-delimited tick export in chunks.
type CSVSource[T tickstream.Timestamped] struct {
	r      *csv.Reader
	closer io.Closer
	decode RowDecoder[T]
	size   int
	cols   map[string]int
	line   int
}

// NewCSVSource reads ticks from r in chunks of size rows.
func NewCSVSource[T tickstream.Timestamped](r io.Reader, size int, decode RowDecoder[T]) *CSVSource[T] {
	cr := csv.NewReader(r)
	cr.Comma = Delimiter
	cr.ReuseRecord = true
	if size <= 0 {
		size = DefaultChunkSize
	}
	src := &CSVSource[T]{r: cr, decode: decode, size: size}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src
}

func (s *CSVSource[T]) Next(_ context.Context) ([]T, error) {
	if s.cols == nil {
		header, err := s.r.Read()
		if err != nil {
			return nil, s.finish(err)
		}
		s.cols = make(map[string]int, len(header))
		for i, name := range header {
			s.cols[strings.ToLower(strings.TrimSpace(name))] = i
		}
		s.line = 1
	}

	chunk := make([]T, 0, s.size)
	for len(chunk) < s.size {
		rec, err := s.r.Read()
		if err != nil {
			if len(chunk) > 0 && errors.Is(err, io.EOF) {
				return chunk, nil
			}
			return nil, s.finish(err)
		}
		s.line++
		tick, err := s.decode(rec, s.cols)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", s.line, err)
		}
		chunk = append(chunk, tick)
	}
	return chunk, nil
}

// Close releases the underlying file, if any.
func (s *CSVSource[T]) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

func (s *CSVSource[T]) finish(err error) error {
	s.Close()
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("read csv: %w", err)
}

// DecodeTrade decodes a TRADES export row: time, price, size.
func DecodeTrade(rec []string, cols map[string]int) (model.TradeTick, error) {
	var t model.TradeTick
	var err error
	if t.Time, err = timeCol(rec, cols, "time"); err != nil {
		return t, err
	}
	if t.Price, err = decimalCol(rec, cols, "price"); err != nil {
		return t, err
	}
	if t.Size, err = sizeCol(rec, cols, "size"); err != nil {
		return t, err
	}
	return t, nil
}

// DecodeQuote decodes a BID_ASK export row: time, bid, ask, bid_size, ask_size.
func DecodeQuote(rec []string, cols map[string]int) (model.QuoteTick, error) {
	var q model.QuoteTick
	var err error
	if q.Time, err = timeCol(rec, cols, "time"); err != nil {
		return q, err
	}
	if q.Bid, err = decimalCol(rec, cols, "bid"); err != nil {
		return q, err
	}
	if q.Ask, err = decimalCol(rec, cols, "ask"); err != nil {
		return q, err
	}
	if q.BidSize, err = sizeCol(rec, cols, "bid_size"); err != nil {
		return q, err
	}
	if q.AskSize, err = sizeCol(rec, cols, "ask_size"); err != nil {
		return q, err
	}
	return q, nil
}

func column(rec []string, cols map[string]int, name string) (string, error) {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return "", fmt.Errorf("%w: %s", ErrMissingColumn, name)
	}
	return strings.TrimSpace(rec[i]), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses recorded timestamps and converts them to UTC. Values
// without an offset are taken as UTC.
func ParseTime(v string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", v)
}

func timeCol(rec []string, cols map[string]int, name string) (time.Time, error) {
	v, err := column(rec, cols, name)
	if err != nil {
		return time.Time{}, err
	}
	return ParseTime(v)
}

func decimalCol(rec []string, cols map[string]int, name string) (decimal.Decimal, error) {
	v, err := column(rec, cols, name)
	if err != nil {
		return decimal.Zero, err
	}
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("column %s: %w", name, err)
	}
	return d, nil
}

// sizeCol accepts integral sizes written as floats ("40.0").
func sizeCol(rec []string, cols map[string]int, name string) (int64, error) {
	v, err := column(rec, cols, name)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsInteger() {
		return 0, fmt.Errorf("column %s: invalid size %q", name, v)
	}
	return d.IntPart(), nil
}

// CSVProvider implements Provider over a directory of tick exports named
// {table}.csv. When Pool is set, missing exports are first materialised
// from the recorded Postgres tables.
type CSVProvider struct {
	Dir       string
	ChunkSize int
	Pool      *pgxpool.Pool
	Logger    *slog.Logger
}

func (p *CSVProvider) Trades(ctx context.Context, c contract.Contract) (tickstream.Source[model.TradeTick], error) {
	f, err := p.open(ctx, c, contract.Trades)
	if err != nil {
		return nil, err
	}
	return NewCSVSource(f, p.ChunkSize, DecodeTrade), nil
}

func (p *CSVProvider) Quotes(ctx context.Context, c contract.Contract) (tickstream.Source[model.QuoteTick], error) {
	f, err := p.open(ctx, c, contract.BidAsk)
	if err != nil {
		return nil, err
	}
	return NewCSVSource(f, p.ChunkSize, DecodeQuote), nil
}

func (p *CSVProvider) open(ctx context.Context, c contract.Contract, kind contract.TickKind) (*os.File, error) {
	path := filepath.Join(p.Dir, c.TableName(kind)+".csv")
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) || p.Pool == nil {
		return nil, fmt.Errorf("open ticks %s: %w", path, err)
	}

	if err := ExportCSV(ctx, p.Pool, c, kind, path); err != nil {
		return nil, err
	}
	if p.Logger != nil {
		p.Logger.Info("exported ticks to csv", "contract", c.Key(), "kind", kind, "path", path)
	}
	return os.Open(path)
}

// ExportCSV copies a recorded tick table into a headered CSV file at path
// using COPY ... TO STDOUT.
func ExportCSV(ctx context.Context, pool *pgxpool.Pool, c contract.Contract, kind contract.TickKind, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		f.Close()
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	table := pgx.Identifier{Schema, c.TableName(kind)}.Sanitize()
	query := fmt.Sprintf(
		`COPY (SELECT * FROM %s ORDER BY time, pk) TO STDOUT WITH (FORMAT CSV, HEADER, DELIMITER '%c')`,
		table, Delimiter)
	if _, err := conn.Conn().PgConn().CopyTo(ctx, f, query); err != nil {
		f.Close()
		return fmt.Errorf("copy %s: %w", table, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
