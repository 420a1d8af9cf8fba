package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gateway-fm/stresscapture/internal/feed"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// sampler turns resolved blocks into samples. Latency is measured against the
// previous block it saw, so the first sample has no latency.
type sampler struct {
	overhead int64
	lastTs   int64
	haveTs   bool
}

func (s *sampler) next(number uint64, ts int64, block *types.Block) types.BlockSample {
	var size int64
	for _, ext := range block.Extrinsics {
		size += int64(ext.Len())
	}

	sample := types.BlockSample{
		Number:      number,
		TimestampMs: ts,
		Size:        size + s.overhead,
		Extrinsics:  len(block.Extrinsics),
	}
	if s.haveTs {
		sample.Latency = float64(ts-s.lastTs) / 1000
		sample.LatencyKnown = true
	}
	s.lastTs = ts
	s.haveTs = true
	return sample
}

// Recorder records every resolvable block without scoring, until Limit samples
// are collected. It is used to build baseline files.
type Recorder struct {
	resolver feed.Resolver
	limit    int
	logger   *slog.Logger

	mu      sync.Mutex
	sampler sampler
	seen    map[uint64]struct{}
	samples []types.BlockSample
}

// NewRecorder creates a recorder that stops after limit samples.
func NewRecorder(resolver feed.Resolver, overhead int64, limit int, logger *slog.Logger) (*Recorder, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if limit < 1 {
		return nil, fmt.Errorf("limit must be at least 1, got %d", limit)
	}
	if overhead < 0 {
		return nil, fmt.Errorf("block overhead must be non-negative, got %d", overhead)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		resolver: resolver,
		limit:    limit,
		logger:   logger,
		sampler:  sampler{overhead: overhead},
		seen:     make(map[uint64]struct{}),
	}, nil
}

// HandleHeader records the block. It satisfies feed.Handler.
func (r *Recorder) HandleHeader(ctx context.Context, header types.Header, seq int) (feed.Signal, error) {
	r.mu.Lock()
	_, dup := r.seen[header.Number]
	full := len(r.samples) >= r.limit
	r.mu.Unlock()
	if full {
		return feed.Done, nil
	}
	if dup {
		return feed.Continue, nil
	}

	block, err := r.resolver.BlockByNumber(ctx, header.Number)
	if err != nil {
		if ctx.Err() != nil {
			return feed.Continue, ctx.Err()
		}
		r.logger.Info("block skipped", slog.Uint64("block", header.Number), slog.String("error", err.Error()))
		return feed.Continue, nil
	}
	ts, ok := block.Timestamp()
	if !ok {
		r.logger.Warn("block skipped: no timestamp", slog.Uint64("block", header.Number))
		return feed.Continue, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sampler.next(header.Number, ts, block)
	r.seen[s.Number] = struct{}{}
	r.samples = append(r.samples, s)
	r.logger.Info("recorded block",
		slog.Uint64("block", s.Number),
		slog.Int("n", len(r.samples)),
		slog.Int64("size", s.Size),
		slog.Int("extrinsics", s.Extrinsics),
		slog.Float64("latency", s.Latency),
	)
	if len(r.samples) >= r.limit {
		return feed.Done, nil
	}
	return feed.Continue, nil
}

// Samples returns a copy of the recorded samples.
func (r *Recorder) Samples() []types.BlockSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.BlockSample, len(r.samples))
	copy(out, r.samples)
	return out
}
