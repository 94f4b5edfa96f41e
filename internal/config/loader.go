package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/nathanyu/qtrader/internal/domain"
)

// errMissingFile is returned by Load when the TOML file does not exist.
var errMissingFile = errors.New("config file not found")

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults and applies QTRADER_* environment variable overrides.
// An empty path uses the defaults alone. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%s: %w: %w", path, errMissingFile, domain.ErrInvalidConfiguration)
			}
			return nil, fmt.Errorf("decode %s: %v: %w", path, err, domain.ErrInvalidConfiguration)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known QTRADER_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "QTRADER_MODE")
	setStr(&cfg.LogLevel, "QTRADER_LOG_LEVEL")

	// ── Data ──
	setStr(&cfg.Data.InSample, "QTRADER_DATA_IN_SAMPLE")
	setStr(&cfg.Data.OutOfSample, "QTRADER_DATA_OUT_OF_SAMPLE")
	setStr(&cfg.Data.Instrument, "QTRADER_DATA_INSTRUMENT")

	// ── Session ──
	setInt(&cfg.Session.Trials, "QTRADER_SESSION_TRIALS")
	setInt(&cfg.Session.TestTrials, "QTRADER_SESSION_TEST_TRIALS")
	setDuration(&cfg.Session.MinInterval, "QTRADER_SESSION_MIN_INTERVAL")
	setUint64(&cfg.Session.Seed, "QTRADER_SESSION_SEED")

	// ── Agent ──
	setStr(&cfg.Agent.Policy, "QTRADER_AGENT_POLICY")
	setFloat64(&cfg.Agent.Gamma, "QTRADER_AGENT_GAMMA")
	setFloat64(&cfg.Agent.K, "QTRADER_AGENT_K")

	// ── Stores ──
	setStr(&cfg.QTable.Path, "QTRADER_QTABLE_PATH")
	setStr(&cfg.Checkpoint.Dir, "QTRADER_CHECKPOINT_DIR")
	setStr(&cfg.Results.Path, "QTRADER_RESULTS_PATH")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "QTRADER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "QTRADER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "QTRADER_S3_REGION")
	setStr(&cfg.S3.Bucket, "QTRADER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "QTRADER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "QTRADER_S3_SECRET_KEY")

	// ── Server / telemetry ──
	setBool(&cfg.Server.Enabled, "QTRADER_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "QTRADER_SERVER_ADDR")
	setStr(&cfg.Telemetry.OTLPEndpoint, "QTRADER_OTLP_ENDPOINT")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
