// Package config defines the run configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nathanyu/qtrader/internal/domain"
)

// Run modes.
const (
	ModeTrainLearner  = "train_learner"
	ModeTestLearner   = "test_learner"
	ModeTestRandom    = "test_random"
	ModeOptimizeK     = "optimize_k"
	ModeOptimizeGamma = "optimize_gamma"
)

// Modes lists every accepted run mode.
var Modes = []string{ModeTrainLearner, ModeTestLearner, ModeTestRandom, ModeOptimizeK, ModeOptimizeGamma}

var validPolicies = map[string]bool{
	"uniform":       true,
	"greedy_q":      true,
	"softmax_q":     true,
	"decaying_td_q": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by QTRADER_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	Data       DataConfig       `toml:"data"`
	Session    SessionConfig    `toml:"session"`
	Agent      AgentConfig      `toml:"agent"`
	Scaler     ScalerConfig     `toml:"scaler"`
	QTable     QTableConfig     `toml:"qtable"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Results    ResultsConfig    `toml:"results"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

// DataConfig points at the replayed market data.
type DataConfig struct {
	InSample    string `toml:"in_sample"`
	OutOfSample string `toml:"out_of_sample"`
	Instrument  string `toml:"instrument"`
	// ReturnWindow is how many mid samples the log return spans.
	ReturnWindow int `toml:"return_window"`
}

// SessionConfig controls episodes and agent pacing.
type SessionConfig struct {
	Trials      int      `toml:"trials"`
	TestTrials  int      `toml:"test_trials"`
	WarmupRows  int      `toml:"warmup_rows"`
	MinInterval duration `toml:"min_interval"`
	Seed        uint64   `toml:"seed"`
}

// AgentConfig holds the trading agent's limits and learning parameters.
type AgentConfig struct {
	ID          string  `toml:"id"`
	MaxPosition int64   `toml:"max_position"`
	LotSize     int64   `toml:"lot_size"`
	TickOffset  string  `toml:"tick_offset"`
	StopLoss    float64 `toml:"stop_loss"`
	Policy      string  `toml:"policy"`
	Gamma       float64 `toml:"gamma"`
	K           float64 `toml:"k"`
}

// TickOffsetPrice returns the parsed tick offset.
func (a AgentConfig) TickOffsetPrice() domain.Price {
	p, _ := domain.ParsePrice(a.TickOffset)
	return p
}

// ScalerConfig holds the fitted state clustering parameters. Means and Stds
// standardize OFI, bid quantity, book ratio and log return in that order.
type ScalerConfig struct {
	Means     []float64   `toml:"means"`
	Stds      []float64   `toml:"stds"`
	Centroids [][]float64 `toml:"centroids"`
}

// QTableConfig locates the persisted value table.
type QTableConfig struct {
	Path string `toml:"path"`
}

// CheckpointConfig holds the pebble checkpoint store location.
type CheckpointConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// ResultsConfig holds the sqlite results store location.
type ResultsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// S3Config holds S3-compatible object storage parameters for archiving
// trained value tables.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds the monitor API parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// TelemetryConfig holds the tracing exporter parameters.
type TelemetryConfig struct {
	ServiceName  string `toml:"service_name"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Environment  string `toml:"environment"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "2s", "1m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when a field is not set.
func Defaults() Config {
	return Config{
		Mode:     ModeTrainLearner,
		LogLevel: "info",
		Data: DataConfig{
			InSample:     "data/in_sample.csv",
			OutOfSample:  "data/out_of_sample.csv",
			ReturnWindow: 100,
		},
		Session: SessionConfig{
			Trials:      10,
			TestTrials:  20,
			WarmupRows:  5,
			MinInterval: duration{2 * time.Second},
			Seed:        1,
		},
		Agent: AgentConfig{
			ID:          "agent",
			MaxPosition: 100,
			LotSize:     100,
			TickOffset:  "0.01",
			StopLoss:    4.0,
			Policy:      "softmax_q",
			Gamma:       0.5,
			K:           0.5,
		},
		Scaler: ScalerConfig{
			Centroids: [][]float64{
				{0, 0, 0, 0},
				{1, 0, 0, 0},
				{-1, 0, 0, 0},
				{0, 0, 1, 0},
				{0, 0, -1, 0},
				{0, 0, 0, 1},
				{0, 0, 0, -1},
			},
		},
		QTable: QTableConfig{Path: "log/qtable/qtable.tsv"},
		Checkpoint: CheckpointConfig{
			Dir: "log/checkpoint",
		},
		Results: ResultsConfig{
			Path: "log/results.db",
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "qtables",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "qtrader",
			Environment: "development",
		},
	}
}

// Validate checks Config for invalid or missing values and returns one error
// describing every problem found, wrapping domain.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	var errs []string

	if !isMode(c.Mode) {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: %s)", c.Mode, strings.Join(Modes, ", ")))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Mode {
	case ModeTrainLearner, ModeOptimizeK, ModeOptimizeGamma:
		if c.Data.InSample == "" {
			errs = append(errs, "data: in_sample must not be empty")
		}
	case ModeTestLearner, ModeTestRandom:
		if c.Data.OutOfSample == "" {
			errs = append(errs, "data: out_of_sample must not be empty")
		}
	}
	if c.Data.ReturnWindow < 2 {
		errs = append(errs, "data: return_window must be >= 2")
	}

	if c.Session.Trials < 1 {
		errs = append(errs, "session: trials must be >= 1")
	}
	if c.Session.TestTrials < 1 {
		errs = append(errs, "session: test_trials must be >= 1")
	}
	if c.Session.WarmupRows < 0 {
		errs = append(errs, "session: warmup_rows must be >= 0")
	}
	if c.Session.MinInterval.Duration < 0 {
		errs = append(errs, "session: min_interval must not be negative")
	}

	if c.Agent.ID == "" {
		errs = append(errs, "agent: id must not be empty")
	}
	if c.Agent.LotSize <= 0 {
		errs = append(errs, "agent: lot_size must be > 0")
	}
	if c.Agent.MaxPosition < c.Agent.LotSize {
		errs = append(errs, "agent: max_position must be >= lot_size")
	}
	if p, err := domain.ParsePrice(c.Agent.TickOffset); err != nil || p < 0 {
		errs = append(errs, fmt.Sprintf("agent: tick_offset %q must be a non-negative price", c.Agent.TickOffset))
	}
	if c.Agent.StopLoss <= 0 {
		errs = append(errs, "agent: stop_loss must be > 0")
	}
	if !validPolicies[c.Agent.Policy] {
		errs = append(errs, fmt.Sprintf("agent: unknown policy %q", c.Agent.Policy))
	}
	if c.Agent.Gamma < 0 || c.Agent.Gamma > 1 {
		errs = append(errs, "agent: gamma must be within [0, 1]")
	}
	if c.Agent.K <= 0 {
		errs = append(errs, "agent: k must be > 0")
	}

	if len(c.Scaler.Centroids) == 0 {
		errs = append(errs, "scaler: at least one centroid is required")
	}

	if c.QTable.Path == "" {
		errs = append(errs, "qtable: path must not be empty")
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, "checkpoint: dir must not be empty when enabled")
	}
	if c.Results.Enabled && c.Results.Path == "" {
		errs = append(errs, "results: path must not be empty when enabled")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s: %w", strings.Join(errs, "\n  - "), domain.ErrInvalidConfiguration)
	}
	return nil
}

// ValidateMode reports whether mode names a run mode.
func ValidateMode(mode string) error {
	if !isMode(mode) {
		return fmt.Errorf("unknown mode %q (valid: %s): %w", mode, strings.Join(Modes, ", "), domain.ErrInvalidConfiguration)
	}
	return nil
}

func isMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}
