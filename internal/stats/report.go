package stats

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

// WriteTable renders the sample table with per-row scores.
func WriteTable(w io.Writer, res *Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"block", "timestamp", "size", "extrs", "latency", "z-size", "z-extrs", "z-lat"})

	latIdx := 0
	for i, s := range res.Samples {
		lat, zLat := "-", "-"
		if s.LatencyKnown {
			lat = strconv.FormatFloat(s.Latency, 'f', 3, 64)
			zLat = scoreAt(res.Stats.Latency.Scores, latIdx)
			latIdx++
		}
		t.AppendRow(table.Row{
			s.Number,
			time.UnixMilli(s.TimestampMs).UTC().Format(time.RFC3339),
			s.Size,
			s.Extrinsics,
			lat,
			scoreAt(res.Stats.Size.Scores, i),
			scoreAt(res.Stats.Extrinsics.Scores, i),
			zLat,
		})
	}
	t.Render()
}

func scoreAt(scores []float64, i int) string {
	if i >= len(scores) {
		return "-"
	}
	return strconv.FormatFloat(scores[i], 'f', 3, 64)
}

// Report writes the sample table followed by the block time, block size and
// extrinsics sections.
func Report(w io.Writer, res *Result) error {
	if res == nil {
		return ReportNoData(w, 0)
	}
	WriteTable(w, res)
	st := res.Stats

	p := &printer{w: w}
	p.line("")
	p.line("### Block time")
	if st.RegimeChanged {
		p.line("  - stdev: %s", stdevString(st.Latency))
		p.line("  - mean: %.3f s", st.Latency.Mean)
		p.line("  - change in baseline: %+.3f s", st.LatencyDelta)
	} else {
		p.line("  - change in baseline: none")
	}

	p.line("### Block size")
	p.line("  - total stored: %.0f bytes (%s)", st.Size.Total, datasize.ByteSize(uint64(st.Size.Total)).HumanReadable())
	p.line("  - stdev: %s", stdevString(st.Size))
	p.line("  - mean: %.3f bytes", st.Size.Mean)
	p.line("  - change in baseline: %+.3f bytes", st.SizeDelta)

	p.line("### Extrinsics")
	p.line("  - total executed: %.0f", st.Extrinsics.Total)
	p.line("  - extrinsics per second: %.3f", st.ExtrinsicsPerSecond)
	p.line("  - stdev: %s", stdevString(st.Extrinsics))
	p.line("  - mean: %.3f", st.Extrinsics.Mean)
	p.line("  - change in baseline: %+.3f", st.ExtrinsicDelta)
	p.line("")
	p.line("Test lasted %d blocks (%d trimmed, %s scoring)", st.Blocks, st.Trimmed, st.Scoring)
	return p.err
}

// ReportNoData writes the report for a run that produced no usable rows.
func ReportNoData(w io.Writer, captured int) error {
	_, err := fmt.Fprintf(w, "### No data\n  - captured blocks: %d\n  - statistics: undefined\n", captured)
	return err
}

func stdevString(cs types.ColumnStats) string {
	if !cs.StdevDefined {
		return "undefined"
	}
	return strconv.FormatFloat(cs.Stdev, 'f', 3, 64)
}

// printer keeps the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}
