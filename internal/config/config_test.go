package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RPC_URL", "https://node.example:9944")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STRESS_BINARY", "/opt/gn-cli")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RPCURL != "https://node.example:9944" {
		t.Errorf("RPCURL = %q", cfg.RPCURL)
	}
	if cfg.DatabasePath != "" {
		t.Errorf("DatabasePath = %q, want empty (persistence disabled)", cfg.DatabasePath)
	}
	if cfg.StressBinary != "/opt/gn-cli" {
		t.Errorf("StressBinary = %q, want /opt/gn-cli", cfg.StressBinary)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	ws, err := cfg.SubscriptionURL()
	if err != nil || ws != "wss://node.example:9944" {
		t.Errorf("SubscriptionURL() = %q, %v, want wss://node.example:9944", ws, err)
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Error("Load() error = nil, want invalid log level")
	}
}

func TestSubscriptionURL(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		want    string
		wantErr bool
	}{
		{"explicit ws url wins", Config{RPCURL: "http://a:1", WSURL: "ws://b:2"}, "ws://b:2", false},
		{"http becomes ws", Config{RPCURL: "http://localhost:9944"}, "ws://localhost:9944", false},
		{"https becomes wss", Config{RPCURL: "https://rpc.example"}, "wss://rpc.example", false},
		{"ws passes through", Config{RPCURL: "ws://localhost:9944"}, "ws://localhost:9944", false},
		{"unknown scheme", Config{RPCURL: "tcp://localhost"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.config.SubscriptionURL()
			if (err != nil) != tt.wantErr {
				t.Fatalf("SubscriptionURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SubscriptionURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCaptureConfigTrim(t *testing.T) {
	tests := []struct {
		name      string
		countdown int
		trim      int
		want      int
	}{
		{"default follows countdown", 1, DefaultTrimCount, 0},
		{"countdown five", 5, DefaultTrimCount, 4},
		{"explicit zero", 5, 0, 0},
		{"explicit value", 1, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultCaptureConfig()
			c.DrainCountdown = tt.countdown
			c.TrimCount = tt.trim
			if got := c.Trim(); got != tt.want {
				t.Errorf("Trim() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCaptureConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*CaptureConfig)
		wantErr bool
	}{
		{"defaults", func(*CaptureConfig) {}, false},
		{"robust scoring", func(c *CaptureConfig) { c.Scoring = types.ScoringRobust }, false},
		{"unknown scoring", func(c *CaptureConfig) { c.Scoring = "zscore" }, true},
		{"zero countdown", func(c *CaptureConfig) { c.DrainCountdown = 0 }, true},
		{"window of one", func(c *CaptureConfig) { c.BaselineWindow = 1 }, true},
		{"file and window", func(c *CaptureConfig) { c.BaselineWindow = 25; c.BaselinePath = "b.csv" }, true},
		{"zero block time", func(c *CaptureConfig) { c.BlockTime = 0 }, true},
		{"zero failure threshold", func(c *CaptureConfig) { c.FailureZ = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultCaptureConfig()
			tt.modify(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCaptureConfig(t *testing.T) {
	t.Setenv("DRAIN_COUNTDOWN", "5")
	t.Setenv("FAILURE_Z", "10")
	t.Setenv("BASELINE_WINDOW", "bogus")
	t.Setenv("SCORING", "robust")

	c := LoadCaptureConfig()
	if c.DrainCountdown != 5 {
		t.Errorf("DrainCountdown = %d, want 5", c.DrainCountdown)
	}
	if c.FailureZ != 10 {
		t.Errorf("FailureZ = %v, want 10", c.FailureZ)
	}
	if c.BaselineWindow != 0 {
		t.Errorf("BaselineWindow = %d, want 0 for invalid input", c.BaselineWindow)
	}
	if c.Scoring != types.ScoringRobust {
		t.Errorf("Scoring = %s, want robust", c.Scoring)
	}

	opts, err := c.ReduceOptions(types.BaselineStats{LatencyStdev: 1})
	if err != nil {
		t.Fatalf("ReduceOptions() error = %v", err)
	}
	if opts.Trim != 4 || opts.Scorer.Mode() != types.ScoringRobust || opts.BlockTime != 3*time.Second {
		t.Errorf("ReduceOptions() = %+v", opts)
	}
}

func TestCycleConfig(t *testing.T) {
	c := DefaultCycleConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	thresholds := []struct {
		iterations int
		level      float64
		want       int
	}{
		{25, 0.05, 1},
		{10, 0.05, 1},
		{1, 0.05, 1},
		{100, 0.05, 5},
		{4, 0.25, 1},
		{20, 0.5, 10},
	}
	for _, tt := range thresholds {
		c := DefaultCycleConfig()
		c.Iterations, c.SignificanceLevel = tt.iterations, tt.level
		if got := c.SignificantFailures(); got != tt.want {
			t.Errorf("SignificantFailures(%d, %v) = %d, want %d", tt.iterations, tt.level, got, tt.want)
		}
	}

	tests := []struct {
		name   string
		modify func(*CycleConfig)
	}{
		{"zero iterations", func(c *CycleConfig) { c.Iterations = 0 }},
		{"significance of one", func(c *CycleConfig) { c.SignificanceLevel = 1 }},
		{"zero sweep step", func(c *CycleConfig) { c.SweepStep = 0 }},
		{"halt rate above one", func(c *CycleConfig) { c.SweepHaltRate = 1.5 }},
		{"negative ddof", func(c *CycleConfig) { c.DDOF = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultCycleConfig()
			tt.modify(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestDriverAndSupervisorConfig(t *testing.T) {
	d := DefaultDriverConfig("gn-cli")
	if err := d.Validate(); err != nil {
		t.Errorf("driver Validate() error = %v", err)
	}
	if d.Mode != "register-other" || d.Endpoint != "localhost" {
		t.Errorf("driver defaults = %+v", d)
	}
	d.Binary = ""
	if err := d.Validate(); err == nil {
		t.Error("driver Validate() with empty binary error = nil")
	}

	s := DefaultSupervisorConfig("gn-node", "gn-oracle")
	if err := s.Validate(); err != nil {
		t.Errorf("supervisor Validate() error = %v", err)
	}
	if len(s.Scenarios) != 2 {
		t.Errorf("Scenarios = %d, want 2", len(s.Scenarios))
	}
	s.Scenarios = [][]string{{}}
	if err := s.Validate(); err == nil {
		t.Error("supervisor Validate() with empty scenario error = nil")
	}
}
