// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/stresscapture/internal/capture"
	"github.com/gateway-fm/stresscapture/internal/stats"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// Config holds process-wide settings.
type Config struct {
	RPCURL       string // HTTP JSON-RPC endpoint for block fetches
	WSURL        string // WebSocket endpoint for new-head subscriptions (derived from RPCURL when empty)
	DatabasePath string // Path to SQLite database file ("" disables persistence)
	ListenAddr   string
	LogLevel     string // debug, info, warn, error
	StressBinary string
	NodeBinary   string
	OracleBinary string
}

// CaptureConfig configures the capture engine and the reduction of its samples.
type CaptureConfig struct {
	// BaselinePath loads the baseline from a CSV file; empty uses the literal default.
	BaselinePath string
	// BaselineWindow > 0 learns the baseline from the first N blocks instead.
	BaselineWindow int
	TriggerZ       float64
	DrainZ         float64
	AnomalyZ       float64
	FailureZ       float64
	DrainCountdown int
	BlockOverhead  int64
	// TrimCount rows are dropped from the end before reducing; negative means DrainCountdown-1.
	TrimCount    int
	BlockTime    time.Duration
	RegimeFactor float64
	Scoring      types.ScoringMode
}

// CycleConfig configures batches of capture runs.
type CycleConfig struct {
	TPS               int
	TxCount           int
	Iterations        int
	SignificanceLevel float64
	SweepStart        int
	SweepStep         int
	SweepHaltRate     float64
	ReliabilityCycles int
	ReliabilityLevel  int
	DDOF              float64
	IterationTimeout  time.Duration
}

// DriverConfig configures the external stress process.
type DriverConfig struct {
	Binary    string
	Endpoint  string
	Mode      string
	ExtraArgs []string
	Timeout   time.Duration
}

// SupervisorConfig configures the node and oracle processes for integration runs.
type SupervisorConfig struct {
	NodeBinary     string
	NodeArgs       []string
	OracleBinary   string
	OracleArgs     []string
	ReadyMarker    string // substring a readiness line must contain ("" accepts any non-empty line)
	StartupTimeout time.Duration
	Scenarios      [][]string
}

// Defaults
const (
	DefaultRPCURL       = "http://localhost:9944"
	DefaultListenAddr   = ":3002"
	DefaultDatabasePath = "./data/stresscapture.db"
	DefaultLogLevel     = "info"
	DefaultStressBinary = "gn-cli"
	DefaultNodeBinary   = "gn-node"
	DefaultOracleBinary = "gn-oracle"

	DefaultTrimCount    = -1 // DrainCountdown - 1
	DefaultBlockTime    = stats.DefaultBlockTime
	DefaultRegimeFactor = stats.DefaultRegimeFactor

	DefaultIterations        = 25
	DefaultSignificanceLevel = 0.05
	DefaultLoadLevel         = 1875
	DefaultSweepStart        = 2100
	DefaultSweepStep         = 100
	DefaultSweepHaltRate     = 0.5
	DefaultReliabilityCycles = 20
	DefaultDDOF              = 1.5
	DefaultIterationTimeout  = 15 * time.Minute

	DefaultDriverEndpoint = "localhost"
	DefaultDriverMode     = "register-other"

	DefaultStartupTimeout = 10 * time.Second
)

// DefaultNodeArgs starts a development chain.
var DefaultNodeArgs = []string{"--dev"}

// DefaultOracleArgs registers the oracle with the node.
var DefaultOracleArgs = []string{"--log", "info", "--register"}

// DefaultScenarios are the integration commands run once node and oracle are up.
var DefaultScenarios = [][]string{
	{"cargo", "run", "--release", "--example", "guild", "--features", "external-oracle", "--", "--example", "join"},
	{"cargo", "run", "--release", "--example", "guild", "--features", "external-oracle", "--", "--example", "token"},
}

// Load builds the process config from defaults and environment variables.
// Command-line flags are applied by the caller on top of the result.
func Load() (*Config, error) {
	cfg := &Config{
		RPCURL:       DefaultRPCURL,
		ListenAddr:   DefaultListenAddr,
		DatabasePath: DefaultDatabasePath,
		LogLevel:     DefaultLogLevel,
		StressBinary: DefaultStressBinary,
		NodeBinary:   DefaultNodeBinary,
		OracleBinary: DefaultOracleBinary,
	}

	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v, ok := os.LookupEnv("DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STRESS_BINARY"); v != "" {
		cfg.StressBinary = v
	}
	if v := os.Getenv("NODE_BINARY"); v != "" {
		cfg.NodeBinary = v
	}
	if v := os.Getenv("ORACLE_BINARY"); v != "" {
		cfg.OracleBinary = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if _, err := c.SubscriptionURL(); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SubscriptionURL returns WSURL, or RPCURL with http(s) replaced by ws(s).
func (c *Config) SubscriptionURL() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}
	switch {
	case strings.HasPrefix(c.RPCURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.RPCURL, "https://"), nil
	case strings.HasPrefix(c.RPCURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.RPCURL, "http://"), nil
	case strings.HasPrefix(c.RPCURL, "ws://"), strings.HasPrefix(c.RPCURL, "wss://"):
		return c.RPCURL, nil
	}
	return "", fmt.Errorf("cannot derive websocket URL from %q: set WS_URL", c.RPCURL)
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level: %s (supported: debug, info, warn, error)", s)
}

// DefaultCaptureConfig returns the default capture settings.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		TriggerZ:       capture.DefaultTriggerZ,
		DrainZ:         capture.DefaultDrainZ,
		AnomalyZ:       capture.DefaultAnomalyZ,
		FailureZ:       capture.DefaultFailureZ,
		DrainCountdown: capture.DefaultCountdown,
		BlockOverhead:  capture.DefaultBlockOverhead,
		TrimCount:      DefaultTrimCount,
		BlockTime:      DefaultBlockTime,
		RegimeFactor:   DefaultRegimeFactor,
		Scoring:        types.ScoringClassic,
	}
}

// LoadCaptureConfig returns the default capture settings with environment overrides.
func LoadCaptureConfig() CaptureConfig {
	c := DefaultCaptureConfig()
	if v := os.Getenv("BASELINE_PATH"); v != "" {
		c.BaselinePath = v
	}
	if v := os.Getenv("BASELINE_WINDOW"); v != "" {
		if n, err := parseIntEnv(v); err == nil && n >= 0 {
			c.BaselineWindow = n
		}
	}
	if v := os.Getenv("DRAIN_COUNTDOWN"); v != "" {
		if n, err := parseIntEnv(v); err == nil && n > 0 {
			c.DrainCountdown = n
		}
	}
	if v := os.Getenv("FAILURE_Z"); v != "" {
		if z, err := parseFloatEnv(v); err == nil && z > 0 {
			c.FailureZ = z
		}
	}
	if v := os.Getenv("SCORING"); v != "" {
		c.Scoring = types.ScoringMode(v)
	}
	return c
}

// Validate validates the capture settings.
func (c *CaptureConfig) Validate() error {
	if err := c.Engine().Validate(); err != nil {
		return err
	}
	if c.BaselinePath != "" && c.BaselineWindow > 0 {
		return fmt.Errorf("baseline file and baseline window are mutually exclusive")
	}
	if c.BaselineWindow == 1 || c.BaselineWindow < 0 {
		return fmt.Errorf("baseline window must be 0 (disabled) or at least 2, got %d", c.BaselineWindow)
	}
	if c.BlockTime <= 0 {
		return fmt.Errorf("block time must be positive")
	}
	if c.RegimeFactor <= 0 {
		return fmt.Errorf("regime factor must be positive")
	}
	if _, err := stats.ScorerFor(c.Scoring); err != nil {
		return err
	}
	return nil
}

// Engine returns the capture engine thresholds.
func (c *CaptureConfig) Engine() capture.Config {
	return capture.Config{
		TriggerZ:      c.TriggerZ,
		DrainZ:        c.DrainZ,
		AnomalyZ:      c.AnomalyZ,
		FailureZ:      c.FailureZ,
		Countdown:     c.DrainCountdown,
		BlockOverhead: c.BlockOverhead,
	}
}

// Trim returns the number of rows dropped from the end of a capture.
func (c *CaptureConfig) Trim() int {
	if c.TrimCount < 0 {
		return max(c.DrainCountdown-1, 0)
	}
	return c.TrimCount
}

// ReduceOptions returns reducer options for the given baseline.
func (c *CaptureConfig) ReduceOptions(base types.BaselineStats) (stats.Options, error) {
	scorer, err := stats.ScorerFor(c.Scoring)
	if err != nil {
		return stats.Options{}, err
	}
	return stats.Options{
		Trim:         c.Trim(),
		Baseline:     base,
		BlockTime:    c.BlockTime,
		RegimeFactor: c.RegimeFactor,
		Scorer:       scorer,
	}, nil
}

// DefaultCycleConfig returns the default batch settings.
func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		TPS:               DefaultLoadLevel,
		TxCount:           DefaultLoadLevel,
		Iterations:        DefaultIterations,
		SignificanceLevel: DefaultSignificanceLevel,
		SweepStart:        DefaultSweepStart,
		SweepStep:         DefaultSweepStep,
		SweepHaltRate:     DefaultSweepHaltRate,
		ReliabilityCycles: DefaultReliabilityCycles,
		ReliabilityLevel:  DefaultLoadLevel,
		DDOF:              DefaultDDOF,
		IterationTimeout:  DefaultIterationTimeout,
	}
}

// Validate validates the batch settings.
func (c *CycleConfig) Validate() error {
	if c.TPS <= 0 || c.TxCount <= 0 {
		return fmt.Errorf("TPS and tx count must be positive")
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive")
	}
	if c.SignificanceLevel <= 0 || c.SignificanceLevel >= 1 {
		return fmt.Errorf("significance level must be in (0, 1), got %v", c.SignificanceLevel)
	}
	if c.SweepStart <= 0 || c.SweepStep <= 0 {
		return fmt.Errorf("sweep start and step must be positive")
	}
	if c.SweepHaltRate <= 0 || c.SweepHaltRate > 1 {
		return fmt.Errorf("sweep halt rate must be in (0, 1], got %v", c.SweepHaltRate)
	}
	if c.ReliabilityCycles <= 0 || c.ReliabilityLevel <= 0 {
		return fmt.Errorf("reliability cycles and level must be positive")
	}
	if c.DDOF < 0 {
		return fmt.Errorf("ddof cannot be negative")
	}
	if c.IterationTimeout < 0 {
		return fmt.Errorf("iteration timeout cannot be negative")
	}
	return nil
}

// SignificantFailures is the failure count at which a cycle is significant.
// A cycle without failures is never significant.
func (c *CycleConfig) SignificantFailures() int {
	return max(1, int(float64(c.Iterations)*c.SignificanceLevel))
}

// DefaultDriverConfig returns the default stress driver settings for a binary.
func DefaultDriverConfig(binary string) DriverConfig {
	return DriverConfig{
		Binary:   binary,
		Endpoint: DefaultDriverEndpoint,
		Mode:     DefaultDriverMode,
		Timeout:  DefaultIterationTimeout,
	}
}

// Validate validates the driver settings.
func (c *DriverConfig) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("stress binary is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("stress endpoint is required")
	}
	if c.Mode == "" {
		return fmt.Errorf("stress mode is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("driver timeout cannot be negative")
	}
	return nil
}

// DefaultSupervisorConfig returns integration settings for the given binaries.
func DefaultSupervisorConfig(node, oracle string) SupervisorConfig {
	return SupervisorConfig{
		NodeBinary:     node,
		NodeArgs:       DefaultNodeArgs,
		OracleBinary:   oracle,
		OracleArgs:     DefaultOracleArgs,
		StartupTimeout: DefaultStartupTimeout,
		Scenarios:      DefaultScenarios,
	}
}

// Validate validates the supervisor settings.
func (c *SupervisorConfig) Validate() error {
	if c.NodeBinary == "" || c.OracleBinary == "" {
		return fmt.Errorf("node and oracle binaries are required")
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startup timeout must be positive")
	}
	for i, s := range c.Scenarios {
		if len(s) == 0 {
			return fmt.Errorf("scenario %d is empty", i)
		}
	}
	return nil
}

// parseIntEnv parses a string environment variable as an integer.
func parseIntEnv(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

// parseFloatEnv parses a string environment variable as a float.
func parseFloatEnv(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
