package baseline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

// CSV column names. Files are ';' delimited with a header row.
const (
	colBlock     = "block"
	colTimestamp = "timestamp"
	colSize      = "size"
	colExtrs     = "extrs"
	colLatency   = "latency"
	colZSize     = "z-size"
	colZExtrs    = "z-extrs"
	colZLatency  = "z-lat"
)

// Row is a baseline table row with optional derived scores.
type Row struct {
	types.BlockSample
	ZSize            float64
	ZExtrinsics      float64
	ZLatency         float64
	SizeScored       bool // ZSize is set
	ExtrinsicsScored bool // ZExtrinsics is set
	LatencyScored    bool // ZLatency is set
}

// Recompute derives baseline statistics from the rows and scores every row
// against them.
func Recompute(samples []types.BlockSample) ([]Row, types.BaselineStats, error) {
	st, err := FromSamples(samples)
	if err != nil {
		return nil, types.BaselineStats{}, err
	}
	model := NewLiteral(st)

	rows := make([]Row, len(samples))
	for i, s := range samples {
		r := Row{BlockSample: s}
		if zs, err := model.Score(types.ColumnSize, float64(s.Size)); err == nil {
			r.ZSize, r.SizeScored = zs, true
		}
		if ze, err := model.Score(types.ColumnExtrinsics, float64(s.Extrinsics)); err == nil {
			r.ZExtrinsics, r.ExtrinsicsScored = ze, true
		}
		if s.LatencyKnown {
			if zl, err := model.Score(types.ColumnLatency, s.Latency); err == nil {
				r.ZLatency, r.LatencyScored = zl, true
			}
		}
		rows[i] = r
	}
	return rows, st, nil
}

// LoadCSV reads samples from a baseline file.
func LoadCSV(path string) ([]types.BlockSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses a ';' delimited table. size and extrs columns are required;
// an empty latency cell marks the latency unknown. Unrecognized columns are ignored.
func ReadCSV(r io.Reader) ([]types.BlockSample, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInsufficientData)
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{colSize, colExtrs} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var samples []types.BlockSample
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		s, err := parseRecord(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if _, ok := idx[colBlock]; !ok {
			s.Number = uint64(len(samples))
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func parseRecord(rec []string, idx map[string]int) (types.BlockSample, error) {
	var s types.BlockSample
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	if v := field(colBlock); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return s, fmt.Errorf("invalid block %q: %w", v, err)
		}
		s.Number = n
	}
	if v := field(colTimestamp); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return s, fmt.Errorf("invalid timestamp %q: %w", v, err)
		}
		s.TimestampMs = ts
	}
	size, err := strconv.ParseFloat(field(colSize), 64)
	if err != nil {
		return s, fmt.Errorf("invalid size: %w", err)
	}
	s.Size = int64(size)
	extrs, err := strconv.ParseFloat(field(colExtrs), 64)
	if err != nil {
		return s, fmt.Errorf("invalid extrs: %w", err)
	}
	s.Extrinsics = int(extrs)
	if v := field(colLatency); v != "" && !strings.EqualFold(v, "nan") {
		lat, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return s, fmt.Errorf("invalid latency %q: %w", v, err)
		}
		s.Latency = lat
		s.LatencyKnown = true
	}
	return s, nil
}

// SaveCSV writes rows to path, replacing the file.
func SaveCSV(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create baseline: %w", err)
	}
	if err := WriteCSV(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteCSV writes rows as a ';' delimited table. Score columns are written
// when any row is scored.
func WriteCSV(w io.Writer, rows []Row) error {
	scored := false
	for _, r := range rows {
		if r.SizeScored || r.ExtrinsicsScored || r.LatencyScored {
			scored = true
			break
		}
	}

	cw := csv.NewWriter(w)
	cw.Comma = ';'
	header := []string{colBlock, colTimestamp, colSize, colExtrs, colLatency}
	if scored {
		header = append(header, colZSize, colZExtrs, colZLatency)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		rec := []string{
			strconv.FormatUint(r.Number, 10),
			strconv.FormatInt(r.TimestampMs, 10),
			strconv.FormatInt(r.Size, 10),
			strconv.Itoa(r.Extrinsics),
			"",
		}
		if r.LatencyKnown {
			rec[4] = formatFloat(r.Latency)
		}
		if scored {
			zs, ze, zl := "", "", ""
			if r.SizeScored {
				zs = formatFloat(r.ZSize)
			}
			if r.ExtrinsicsScored {
				ze = formatFloat(r.ZExtrinsics)
			}
			if r.LatencyScored {
				zl = formatFloat(r.ZLatency)
			}
			rec = append(rec, zs, ze, zl)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// RowsFromSamples wraps samples as unscored rows.
func RowsFromSamples(samples []types.BlockSample) []Row {
	rows := make([]Row, len(samples))
	for i, s := range samples {
		rows[i] = Row{BlockSample: s}
	}
	return rows
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
