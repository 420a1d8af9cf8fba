package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

// ErrNotFound is returned when a run or baseline does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines the persistence interface for capture data.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *CaptureRun) error
	CompleteRun(ctx context.Context, id string, run *CaptureRun) error
	GetRun(ctx context.Context, id string) (*CaptureRun, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	// Sample and anomaly bulk operations (called after a run completes)
	BulkInsertSamples(ctx context.Context, runID string, samples []types.BlockSample) error
	GetSamples(ctx context.Context, runID string) ([]types.BlockSample, error)
	BulkInsertAnomalies(ctx context.Context, runID string, anomalies []types.Anomaly) error
	GetAnomalies(ctx context.Context, runID string) ([]types.Anomaly, error)

	// Lifecycle
	Close() error
}

// BaselineCache keeps named baselines so later runs can score against them.
type BaselineCache interface {
	SaveBaseline(ctx context.Context, b CachedBaseline) error
	LoadBaseline(ctx context.Context, name string) (*CachedBaseline, error)
	DeleteBaseline(ctx context.Context, name string) error
}

// LoadDetail fetches a run with its samples and anomalies.
func LoadDetail(ctx context.Context, s Storage, id string) (*RunDetail, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	samples, err := s.GetSamples(ctx, id)
	if err != nil {
		return nil, err
	}
	anomalies, err := s.GetAnomalies(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Samples: samples, Anomalies: anomalies}, nil
}
