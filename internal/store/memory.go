package store

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/model"
	"github.com/atmx/backtester/internal/tickstream"
)

// SliceSource serves an in-memory slice in fixed-size chunks.
type SliceSource[T tickstream.Timestamped] struct {
	ticks []T
	size  int
	pos   int
}

// NewSliceSource creates a source over ticks. A size <= 0 serves
// everything as one chunk.
func NewSliceSource[T tickstream.Timestamped](ticks []T, size int) *SliceSource[T] {
	if size <= 0 {
		size = max(len(ticks), 1)
	}
	return &SliceSource[T]{ticks: ticks, size: size}
}

func (s *SliceSource[T]) Next(_ context.Context) ([]T, error) {
	if s.pos >= len(s.ticks) {
		return nil, io.EOF
	}
	end := min(s.pos+s.size, len(s.ticks))
	chunk := s.ticks[s.pos:end:end]
	s.pos = end
	return chunk, nil
}

// MemoryProvider implements Provider with in-memory tick slices. Used for
// testing and development.
type MemoryProvider struct {
	mu        sync.RWMutex
	chunkSize int
	trades    map[string][]model.TradeTick
	quotes    map[string][]model.QuoteTick
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider(chunkSize int) *MemoryProvider {
	return &MemoryProvider{
		chunkSize: chunkSize,
		trades:    make(map[string][]model.TradeTick),
		quotes:    make(map[string][]model.QuoteTick),
	}
}

// AddTrades appends trade prints for c.
func (p *MemoryProvider) AddTrades(c contract.Contract, ticks ...model.TradeTick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades[c.Key()] = append(p.trades[c.Key()], ticks...)
}

// AddQuotes appends quotes for c.
func (p *MemoryProvider) AddQuotes(c contract.Contract, ticks ...model.QuoteTick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[c.Key()] = append(p.quotes[c.Key()], ticks...)
}

func (p *MemoryProvider) Trades(_ context.Context, c contract.Contract) (tickstream.Source[model.TradeTick], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ticks, ok := p.trades[c.Key()]
	if !ok {
		if _, known := p.quotes[c.Key()]; !known {
			return nil, fmt.Errorf("no ticks for contract %s", c.Key())
		}
	}
	// Copy to avoid sharing with later Add calls.
	copied := append([]model.TradeTick(nil), ticks...)
	return NewSliceSource(copied, p.chunkSize), nil
}

func (p *MemoryProvider) Quotes(_ context.Context, c contract.Contract) (tickstream.Source[model.QuoteTick], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ticks, ok := p.quotes[c.Key()]
	if !ok {
		if _, known := p.trades[c.Key()]; !known {
			return nil, fmt.Errorf("no ticks for contract %s", c.Key())
		}
	}
	copied := append([]model.QuoteTick(nil), ticks...)
	return NewSliceSource(copied, p.chunkSize), nil
}
