// Package feed delivers new-block notifications and resolves block numbers to
// block records.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

// ErrBlockNotFound is returned by a Resolver when the node has no block at a number.
var ErrBlockNotFound = errors.New("block not found")

// Signal tells the feed whether to keep delivering headers.
type Signal int

const (
	Continue Signal = iota
	Done
)

func (s Signal) String() string {
	if s == Done {
		return "done"
	}
	return "continue"
}

// Handler is invoked once per header, in arrival order. seq counts deliveries
// from zero within one subscription.
type Handler func(ctx context.Context, header types.Header, seq int) (Signal, error)

// Feed delivers block headers to a handler.
type Feed interface {
	// Subscribe blocks until the handler returns Done (nil), the handler
	// fails (its error), or ctx is cancelled (ctx.Err()).
	Subscribe(ctx context.Context, h Handler) error
}

// Resolver fetches the block record for a header number.
type Resolver interface {
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
}

// StaticFeed replays a fixed list of headers.
type StaticFeed struct {
	Headers []types.Header
}

// NewStaticFeed returns a feed that delivers headers with the given numbers in order.
func NewStaticFeed(numbers ...uint64) *StaticFeed {
	f := &StaticFeed{Headers: make([]types.Header, len(numbers))}
	for i, n := range numbers {
		f.Headers[i] = types.Header{Number: n}
	}
	return f
}

// Subscribe implements Feed. It returns nil once the headers are exhausted.
func (f *StaticFeed) Subscribe(ctx context.Context, h Handler) error {
	for i, header := range f.Headers {
		if err := ctx.Err(); err != nil {
			return err
		}
		sig, err := h(ctx, header, i)
		if err != nil {
			return err
		}
		if sig == Done {
			return nil
		}
	}
	return nil
}

// MapResolver serves blocks from memory.
type MapResolver struct {
	mu     sync.RWMutex
	blocks map[uint64]*types.Block
}

// NewMapResolver returns a resolver over the given blocks keyed by number.
func NewMapResolver(blocks ...*types.Block) *MapResolver {
	r := &MapResolver{blocks: make(map[uint64]*types.Block, len(blocks))}
	for _, b := range blocks {
		r.blocks[b.Number] = b
	}
	return r
}

// Put adds or replaces a block.
func (r *MapResolver) Put(b *types.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[b.Number] = b
}

// BlockByNumber implements Resolver.
func (r *MapResolver) BlockByNumber(_ context.Context, number uint64) (*types.Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[number]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return b, nil
}
