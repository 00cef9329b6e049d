package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/metrics"
	"github.com/atmx/backtester/internal/model"
	"github.com/atmx/backtester/internal/tickstream"
)

// eofMarker is cached in place of the chunk after the last one.
const eofMarker = "EOF"

// CachedSource wraps a primary Source with a Redis read-through cache of
// its chunks. Chunks are keyed by position, so the cache is only valid for
// primaries that chunk deterministically.
type CachedSource[T tickstream.Timestamped] struct {
	primary tickstream.Source[T]
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration

	next       int // chunk index served next
	primaryPos int // chunk index the primary serves next
}

// NewCachedSource creates a cached wrapper around a primary source. The
// prefix must identify the data and chunk size, e.g. "ticks:{table}:{size}".
func NewCachedSource[T tickstream.Timestamped](primary tickstream.Source[T], rdb *redis.Client, prefix string, ttl time.Duration) *CachedSource[T] {
	return &CachedSource[T]{
		primary: primary,
		rdb:     rdb,
		prefix:  prefix,
		ttl:     ttl,
	}
}

func (s *CachedSource[T]) Next(ctx context.Context) ([]T, error) {
	key := chunkKey(s.prefix, s.next)

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		if string(data) == eofMarker {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			return nil, io.EOF
		}
		var chunk []T
		if json.Unmarshal(data, &chunk) == nil {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			s.next++
			return chunk, nil
		}
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	// Cache miss: bring the primary up to the same chunk, then read through.
	for s.primaryPos < s.next {
		if _, err := s.primary.Next(ctx); err != nil {
			return nil, fmt.Errorf("skip to chunk %d: %w", s.next, err)
		}
		s.primaryPos++
	}

	chunk, err := s.primary.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.rdb.Set(ctx, key, eofMarker, s.ttl)
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	s.primaryPos++

	if data, err := json.Marshal(chunk); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	s.next++
	return chunk, nil
}

func chunkKey(prefix string, idx int) string { return fmt.Sprintf("%s:%d", prefix, idx) }

// CachedProvider wraps a primary Provider so every source it opens reads
// through Redis.
type CachedProvider struct {
	primary Provider
	rdb     *redis.Client
	ttl     time.Duration
	scope   string
}

// NewCachedProvider creates a cached wrapper around a primary provider.
// scope must change whenever the primary's chunking or range does.
func NewCachedProvider(primary Provider, rdb *redis.Client, ttl time.Duration, scope string) *CachedProvider {
	return &CachedProvider{primary: primary, rdb: rdb, ttl: ttl, scope: scope}
}

func (p *CachedProvider) Trades(ctx context.Context, c contract.Contract) (tickstream.Source[model.TradeTick], error) {
	src, err := p.primary.Trades(ctx, c)
	if err != nil {
		return nil, err
	}
	return NewCachedSource(src, p.rdb, p.prefix(c, contract.Trades), p.ttl), nil
}

func (p *CachedProvider) Quotes(ctx context.Context, c contract.Contract) (tickstream.Source[model.QuoteTick], error) {
	src, err := p.primary.Quotes(ctx, c)
	if err != nil {
		return nil, err
	}
	return NewCachedSource(src, p.rdb, p.prefix(c, contract.BidAsk), p.ttl), nil
}

func (p *CachedProvider) prefix(c contract.Contract, kind contract.TickKind) string {
	return fmt.Sprintf("ticks:%s:%s", c.TableName(kind), p.scope)
}
