package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/stresscapture/internal/storage"
	"github.com/gateway-fm/stresscapture/internal/transport"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// maxListedAnomalies caps the anomaly list of a run detail.
const maxListedAnomalies = 20

// RegisterTools registers all capture tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerStop(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("capture_status",
		gomcp.WithDescription("Get the live capture state: engine status, samples, failures, last z-scores, block time summary and the last iteration result."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("stresscapture unreachable: %v\n\nIs `stresscapture serve` running?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("capture_health",
		gomcp.WithDescription("Readiness check of the capture service, including node RPC connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("stresscapture unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("capture_stop",
		gomcp.WithDescription("Raise the stop signal of the running capture so it drains and finishes. This is a MUTATING operation."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if _, err := client.Post("/v1/stop"); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Capture Draining"),
			"The stop signal was raised. The result will be available in history once the countdown ends.",
		)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("capture_history",
		gomcp.WithDescription("List persisted capture runs with their failure counts (paginated, newest first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset)

		raw, err := client.Get(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("capture_run_detail",
		gomcp.WithDescription("Get the statistics and anomalies of a capture run by ID."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Capture run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get("/v1/history/" + url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("capture_delete_run",
		gomcp.WithDescription("Delete a capture run with its samples and anomalies. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Capture run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete("/v1/history/" + url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Capture Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var resp transport.StatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	c := resp.Capture
	lines := joinLines(
		section("Capture Status"),
		kv("Status", c.Status),
		kv("Run", orDash(c.RunID)),
		kv("Last Block", formatNumber(c.LastBlock)),
		kv("Samples", formatNumber(c.Samples)),
		kv("Failures", formatNumber(c.Failures)),
		kv("Anomalies", formatNumber(c.Anomalies)),
		kv("Size z", formatZ(c.LastSizeZ)),
		kv("Latency z", formatZ(c.LastLatencyZ)),
	)
	if c.Status == types.StatusDraining {
		lines += "\n" + kv("Countdown", c.Countdown)
	}

	if bt := resp.BlockTimes; bt != nil && bt.Count > 0 {
		lines += "\n\n" + joinLines(
			section("Block Times"),
			kv("Count", formatNumber(bt.Count)),
			kv("Min", formatSec(bt.Min)),
			kv("P50", formatSec(bt.P50)),
			kv("P95", formatSec(bt.P95)),
			kv("Max", formatSec(bt.Max)),
		)
	}

	if last := resp.Last; last != nil {
		lines += "\n\n" + joinLines(
			section("Last Iteration"),
			kv("Run", last.RunID),
			kv("Load", fmt.Sprintf("%d tx at %d tps", last.TxCount, last.TPS)),
			kv("Failures", formatNumber(last.Failures)),
			kv("Code", orDash(string(last.Code))),
			kv("No Data", last.NoData),
		)
	}

	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("stresscapture Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				name := getStr(check, "name")
				status := getStr(check, "status")
				latencyMs := getNum(check, "latency_ms")
				errMsg := getStr(check, "error")
				line := fmt.Sprintf("  %-15s %s (%dms)", name, status, int64(latencyMs))
				if errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatHistory(raw json.RawMessage) string {
	var page storage.PaginatedRuns
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Capture History"),
		kv("Total Runs", formatNumber(page.Total)),
		"",
	)
	if len(page.Runs) == 0 {
		return lines + "\nNo capture runs found."
	}

	var b strings.Builder
	for _, run := range page.Runs {
		fmt.Fprintf(&b, "\n\n### %s\n", run.ID)
		b.WriteString(joinLines(
			kv("Mode", run.Mode),
			kv("Load", fmt.Sprintf("%d tx at %d tps", run.TxCount, run.TPS)),
			kv("Status", run.Status),
			kv("Failures", formatNumber(run.Failures)),
			kv("Samples", formatNumber(run.SampleCount)),
			kv("Started", run.StartedAt.Format("2006-01-02 15:04:05")),
		))
	}
	return lines + b.String()
}

func formatRunDetail(raw json.RawMessage) string {
	var detail storage.RunDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	run := detail.Run
	if run == nil {
		return "Capture run not found"
	}

	lines := joinLines(
		section("Capture Run: "+run.ID),
		kv("Mode", run.Mode),
		kv("Iteration", run.Iteration),
		kv("Load", fmt.Sprintf("%d tx at %d tps", run.TxCount, run.TPS)),
		kv("Status", run.Status),
		kv("Failure Code", orDash(string(run.FailureCode))),
		kv("Failures", formatNumber(run.Failures)),
		kv("Samples", formatNumber(run.SampleCount)),
	)
	if run.ErrorMessage != "" {
		lines += "\n" + kv("Error", run.ErrorMessage)
	}

	if st := run.Statistics; st != nil {
		lines += "\n\n" + joinLines(
			section("Statistics"),
			kv("Blocks", st.Blocks),
			kv("Trimmed", st.Trimmed),
			kv("Scoring", st.Scoring),
			kv("Total Size", formatNumber(st.Size.Total)+" bytes"),
			kv("Mean Size", fmt.Sprintf("%.1f bytes", st.Size.Mean)),
			kv("Extrinsics", formatNumber(st.Extrinsics.Total)),
			kv("Mean Block Time", formatSec(st.Latency.Mean)),
			kv("Extrinsics/s", fmt.Sprintf("%.2f", st.ExtrinsicsPerSecond)),
			kv("Regime Changed", st.RegimeChanged),
		)
		if st.RegimeChanged {
			lines += "\n" + kv("Latency Delta", fmt.Sprintf("%+.3fs", st.LatencyDelta))
		}
	}

	if len(detail.Anomalies) > 0 {
		lines += "\n\n" + section("Anomalies")
		for i, a := range detail.Anomalies {
			if i >= maxListedAnomalies {
				lines += fmt.Sprintf("\n... and %d more", len(detail.Anomalies)-maxListedAnomalies)
				break
			}
			lines += fmt.Sprintf("\n  block %d  %-10s  z=%.2f", a.Block, a.Kind, a.Value)
		}
	}

	return lines
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
