package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/stresscapture/internal/config"
	"github.com/gateway-fm/stresscapture/internal/storage"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

func TestInterrupted(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"nil", nil, 0},
		{"canceled", context.Canceled, exitInterrupted},
		{"wrapped deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), exitInterrupted},
		{"other", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := interrupted(tt.err)
			if tt.err == nil {
				if err != nil {
					t.Fatalf("interrupted(nil) = %v", err)
				}
				return
			}
			if got := exitCode(err); got != tt.wantCode {
				t.Errorf("exitCode = %d, want %d", got, tt.wantCode)
			}
		})
	}
}

func TestExitCodePassesThrough(t *testing.T) {
	if got := exitCode(cli.Exit("integration failed", 3)); got != 3 {
		t.Errorf("exitCode = %d, want 3", got)
	}
}

func TestServeWorkUnknown(t *testing.T) {
	if err := serveWork(context.Background(), nil, "none", config.DefaultCycleConfig()); err != nil {
		t.Errorf("none: %v", err)
	}
	err := serveWork(context.Background(), nil, "bogus", config.DefaultCycleConfig())
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Errorf("unknown work error = %v", err)
	}
}

func TestReport(t *testing.T) {
	samples := []types.BlockSample{
		{Number: 1, TimestampMs: 3000, Size: 240, Extrinsics: 1},
		{Number: 2, TimestampMs: 6000, Size: 260, Extrinsics: 2, Latency: 3, LatencyKnown: true},
		{Number: 3, TimestampMs: 9100, Size: 250, Extrinsics: 1, Latency: 3.1, LatencyKnown: true},
	}
	st := types.BaselineStats{SizeMean: 250, SizeStdev: 10, LatencyMean: 3.05, LatencyStdev: 0.07, ExtrinsicMean: 1.3, ExtrinsicStdev: 0.5}

	var out bytes.Buffer
	if err := report(&out, samples, st, 3*time.Second); err != nil {
		t.Fatalf("report() error = %v", err)
	}
	if !strings.Contains(out.String(), "### Block size") {
		t.Errorf("report output:\n%s", out.String())
	}

	out.Reset()
	if err := report(&out, nil, st, 3*time.Second); err != nil {
		t.Fatalf("report(nil) error = %v", err)
	}
	if !strings.Contains(out.String(), "### No data") {
		t.Errorf("empty report output:\n%s", out.String())
	}
}

func TestCacheBaseline(t *testing.T) {
	st := types.BaselineStats{SizeMean: 300, SizeStdev: 20}
	if err := cacheBaseline(context.Background(), nil, "quiet", st, 10); err == nil {
		t.Error("cacheBaseline without store: error = nil")
	}

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	defer store.Close()

	if err := cacheBaseline(context.Background(), store, "quiet", st, 10); err != nil {
		t.Fatalf("cacheBaseline() error = %v", err)
	}
	models, err := cachedModel(context.Background(), store, "quiet", config.DefaultCaptureConfig())
	if err != nil {
		t.Fatalf("cachedModel() error = %v", err)
	}
	m, err := models()
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if got := m.Stats(); got != st {
		t.Errorf("Stats() = %+v, want %+v", got, st)
	}

	withFile := config.DefaultCaptureConfig()
	withFile.BaselinePath = "baseline.csv"
	if _, err := cachedModel(context.Background(), store, "quiet", withFile); err == nil {
		t.Error("cachedModel with --baseline: error = nil")
	}
	if _, err := cachedModel(context.Background(), store, "missing", config.DefaultCaptureConfig()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing baseline error = %v, want ErrNotFound", err)
	}
}
