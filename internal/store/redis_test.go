package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtester/internal/model"
)

// countingSource counts calls to its wrapped source.
type countingSource struct {
	inner *SliceSource[model.QuoteTick]
	calls int
}

func (c *countingSource) Next(ctx context.Context) ([]model.QuoteTick, error) {
	c.calls++
	return c.inner.Next(ctx)
}

type failingSource struct{}

func (failingSource) Next(context.Context) ([]model.QuoteTick, error) {
	return nil, errors.New("primary should not be read")
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func sameQuotes(t *testing.T, got, want [][]model.QuoteTick) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(got))
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("chunk %d: expected %d ticks, got %d", i, len(want[i]), len(got[i]))
		}
		for j := range want[i] {
			g, w := got[i][j], want[i][j]
			if !g.Time.Equal(w.Time) || !g.Bid.Equal(w.Bid) || !g.Ask.Equal(w.Ask) ||
				g.BidSize != w.BidSize || g.AskSize != w.AskSize {
				t.Errorf("chunk %d tick %d: got %+v, want %+v", i, j, g, w)
			}
		}
	}
}

func TestCachedSource_ReplaysFromCache(t *testing.T) {
	_, rdb := newTestRedis(t)
	data := quotes(5)

	first := drain[model.QuoteTick](t, NewCachedSource[model.QuoteTick](NewSliceSource(data, 2), rdb, "ticks:test:2", time.Minute))
	want := drain[model.QuoteTick](t, NewSliceSource(data, 2))
	sameQuotes(t, first, want)

	// Every chunk and the end marker are cached now.
	second := drain[model.QuoteTick](t, NewCachedSource[model.QuoteTick](failingSource{}, rdb, "ticks:test:2", time.Minute))
	sameQuotes(t, second, want)
}

func TestCachedSource_MissRepositionsPrimary(t *testing.T) {
	mr, rdb := newTestRedis(t)
	data := quotes(6)

	drain[model.QuoteTick](t, NewCachedSource[model.QuoteTick](NewSliceSource(data, 2), rdb, "ticks:test:2", time.Minute))
	mr.Del(chunkKey("ticks:test:2", 1))

	primary := &countingSource{inner: NewSliceSource(data, 2)}
	got := drain[model.QuoteTick](t, NewCachedSource[model.QuoteTick](primary, rdb, "ticks:test:2", time.Minute))
	sameQuotes(t, got, drain[model.QuoteTick](t, NewSliceSource(data, 2)))

	// Chunk 0 skipped, chunk 1 read through; the rest came from cache.
	if primary.calls != 2 {
		t.Errorf("expected 2 primary reads, got %d", primary.calls)
	}
}

func TestCachedSource_TTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	drain[model.QuoteTick](t, NewCachedSource[model.QuoteTick](NewSliceSource(quotes(2), 2), rdb, "ticks:ttl:2", time.Minute))

	if ttl := mr.TTL(chunkKey("ticks:ttl:2", 0)); ttl != time.Minute {
		t.Errorf("expected 1m TTL, got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if mr.Exists(chunkKey("ticks:ttl:2", 0)) {
		t.Error("expected cached chunk to expire")
	}
}
