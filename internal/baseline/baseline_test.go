package baseline

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

func TestLiteralScore(t *testing.T) {
	model := NewLiteral(types.BaselineStats{
		SizeMean: 250, SizeStdev: 100,
		LatencyMean: 3, LatencyStdev: 0.001,
		ExtrinsicMean: 1, ExtrinsicStdev: 0,
	})

	tests := []struct {
		name    string
		col     types.Column
		value   float64
		want    float64
		wantErr error
	}{
		{"size at mean", types.ColumnSize, 250, 0, nil},
		{"size high", types.ColumnSize, 900, 6.5, nil},
		{"latency on time", types.ColumnLatency, 3, 0, nil},
		{"latency late", types.ColumnLatency, 3.004, 4, nil},
		{"zero stdev is inconclusive", types.ColumnExtrinsics, 5, 0, ErrInsufficientData},
		{"unknown column", types.Column("weight"), 1, 0, ErrUnknownColumn},
		{"non-finite input", types.ColumnSize, math.Inf(1), 0, ErrInsufficientData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := model.Score(tt.col, tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Score() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}

	if !model.Ready() {
		t.Error("Literal.Ready() = false, want true")
	}
}

func TestZeroBaselineNeverScores(t *testing.T) {
	model := NewLiteral(types.BaselineStats{})
	for _, col := range types.Columns {
		if _, err := model.Score(col, 1); !errors.Is(err, ErrInsufficientData) {
			t.Errorf("Score(%s) error = %v, want ErrInsufficientData", col, err)
		}
	}
}

func TestEmpiricalWarmUp(t *testing.T) {
	e, err := NewEmpirical(3)
	if err != nil {
		t.Fatalf("NewEmpirical() error = %v", err)
	}

	rows := []types.BlockSample{
		{Number: 1, Size: 200, Extrinsics: 1},
		{Number: 2, Size: 300, Extrinsics: 2, Latency: 3, LatencyKnown: true},
		{Number: 3, Size: 400, Extrinsics: 3, Latency: 3.002, LatencyKnown: true},
	}

	for i, r := range rows {
		if _, err := e.Score(types.ColumnSize, 250); !errors.Is(err, ErrWarmingUp) {
			t.Fatalf("Score() before block %d error = %v, want ErrWarmingUp", i, err)
		}
		frozen, err := e.Observe(r)
		if err != nil {
			t.Fatalf("Observe() error = %v", err)
		}
		if want := i == len(rows)-1; frozen != want {
			t.Errorf("Observe(%d) frozen = %v, want %v", i, frozen, want)
		}
	}

	if !e.Ready() {
		t.Fatal("Ready() = false after window filled")
	}
	st := e.Stats()
	if st.SizeMean != 300 || st.SizeStdev != 100 {
		t.Errorf("size mean/stdev = %v/%v, want 300/100", st.SizeMean, st.SizeStdev)
	}
	if math.Abs(st.LatencyMean-3.001) > 1e-9 {
		t.Errorf("LatencyMean = %v, want 3.001", st.LatencyMean)
	}

	z, err := e.Score(types.ColumnSize, 500)
	if err != nil || z != 2 {
		t.Errorf("Score(500) = %v, %v, want 2", z, err)
	}

	// Frozen statistics do not move.
	if _, err := e.Observe(types.BlockSample{Number: 4, Size: 10000}); err != nil {
		t.Fatalf("Observe() after freeze error = %v", err)
	}
	if e.Stats() != st {
		t.Errorf("Stats() changed after freeze: %+v", e.Stats())
	}
}

func TestNewEmpiricalRejectsSmallWindow(t *testing.T) {
	if _, err := NewEmpirical(1); err == nil {
		t.Error("NewEmpirical(1) error = nil, want error")
	}
}

func TestCSVRoundTripWithScores(t *testing.T) {
	samples := []types.BlockSample{
		{Number: 10, TimestampMs: 30000, Size: 200, Extrinsics: 1},
		{Number: 11, TimestampMs: 33000, Size: 300, Extrinsics: 2, Latency: 3, LatencyKnown: true},
		{Number: 12, TimestampMs: 36002, Size: 400, Extrinsics: 3, Latency: 3.002, LatencyKnown: true},
	}

	rows, st, err := Recompute(samples)
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if st.SizeMean != 300 {
		t.Errorf("SizeMean = %v, want 300", st.SizeMean)
	}
	if !rows[2].SizeScored || rows[2].ZSize != 1 {
		t.Errorf("row 2 z-size = %v (scored %v), want 1", rows[2].ZSize, rows[2].SizeScored)
	}
	// z-size must come from size, not latency.
	if rows[0].ZSize != -1 {
		t.Errorf("row 0 z-size = %v, want -1", rows[0].ZSize)
	}
	if rows[0].LatencyScored {
		t.Error("row 0 latency scored without a known latency")
	}

	path := filepath.Join(t.TempDir(), "baseline.csv")
	if err := SaveCSV(path, rows); err != nil {
		t.Fatalf("SaveCSV() error = %v", err)
	}
	loaded, err := LoadCSV(path)
	if err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}
	if len(loaded) != len(samples) {
		t.Fatalf("LoadCSV() rows = %d, want %d", len(loaded), len(samples))
	}
	for i := range samples {
		if loaded[i] != samples[i] {
			t.Errorf("row %d = %+v, want %+v", i, loaded[i], samples[i])
		}
	}
}

func TestRecomputeScoresColumnsIndependently(t *testing.T) {
	// every block carries one extrinsic: z-extrs is undefined, z-size is not
	samples := []types.BlockSample{
		{Number: 1, TimestampMs: 3000, Size: 200, Extrinsics: 1},
		{Number: 2, TimestampMs: 6000, Size: 300, Extrinsics: 1, Latency: 3, LatencyKnown: true},
		{Number: 3, TimestampMs: 9000, Size: 400, Extrinsics: 1, Latency: 3, LatencyKnown: true},
	}

	rows, _, err := Recompute(samples)
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	for i, r := range rows {
		if !r.SizeScored {
			t.Errorf("row %d z-size not scored", i)
		}
		if r.ExtrinsicsScored || r.LatencyScored {
			t.Errorf("row %d scored a zero-stdev column: %+v", i, r)
		}
	}
	if rows[0].ZSize != -1 || rows[2].ZSize != 1 {
		t.Errorf("z-size = %v, %v, want -1, 1", rows[0].ZSize, rows[2].ZSize)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if want := "1;3000;200;1;;-1;;"; lines[1] != want {
		t.Errorf("row 1 = %q, want %q", lines[1], want)
	}
}

func TestReadCSV(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name:  "minimal columns with index",
			input: ";timestamp;size;extrs;latency\n0;1000;250;1;\n1;4000;260;1;3.0\n",
			want:  2,
		},
		{
			name:  "nan latency",
			input: "size;extrs;latency\n250;1;NaN\n",
			want:  1,
		},
		{
			name:    "missing size column",
			input:   "timestamp;extrs\n1;1\n",
			wantErr: true,
		},
		{
			name:    "bad number",
			input:   "size;extrs\nabc;1\n",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadCSV(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadCSV() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(got) != tt.want {
				t.Errorf("ReadCSV() rows = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestWriteCSVUnscoredHeader(t *testing.T) {
	var buf bytes.Buffer
	rows := RowsFromSamples([]types.BlockSample{{Number: 1, Size: 250, Extrinsics: 1}})
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	first := strings.SplitN(buf.String(), "\n", 2)[0]
	if first != "block;timestamp;size;extrs;latency" {
		t.Errorf("header = %q", first)
	}
}
