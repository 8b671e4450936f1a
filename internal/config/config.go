package config

import "context"

// Package config provides configuration management for reims-ai.
//
// Responsibilities:
//   - Load configuration from YAML files, environment variables, and CLI flags
//   - Validate configuration before any detector or store is built
//   - Provide runtime access to all configuration
//   - Support configuration reloading on file change
//   - Establish the documented defaults
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (REIMS_* prefix, dots become underscores)
//   3. YAML config file (default: ./reims.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Detection
//      - zscore_threshold: |z| at or above which a point is flagged (default 3.0)
//      - percentage_change_threshold: period-over-period % change (default 50)
//      - cusum_threshold / cusum_drift: CUSUM decision interval and slack (3.0 / 0.5)
//      - volatility_window / volatility_lookback: rolling window and history bound (3 / 0)
//      - seasonal_deviation_threshold: residual z for the seasonal detector (3.0)
//      - enabled_detectors: subset of detector kinds to run (default all)
//      - density_k: neighbours for the density model (5)
//      - concurrency: detectors run at once (0 = number of CPUs)
//
//   2. Ensemble
//      - min_agreement_count: methods that must agree (default 2)
//      - confidence_threshold: weighted confidence required (0.6)
//      - min_agreement_threshold: agreement ratio below which an anomaly is noise (0.3)
//      - confidence_suppression_floor: ensemble confidence floor (0.5)
//      - materiality_floor: dollar variance below which an anomaly is noise (100)
//      - detector_weights: per-detector overrides of the default weights
//      - strict_weights: reject unknown detectors instead of using the fallback weight
//      - unknown_detector_weight: fallback weight (0.1)
//
//   3. Impact
//      - dscr_covenant_threshold: DSCR covenant (default 1.25)
//
//   4. Model Cache
//      - backend: "memory" | "sqlite" | "postgres" | "redis"
//      - ttl_days: model lifetime (default 30)
//      - sqlite_path / postgres_url / redis_addr: backend location
//      - seed: isolation forest seed
//
//   5. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "console"
//      - file: optional path, rotated with max_size_mb / max_backups / max_age_days
//      - audit_file: append-only detection audit trail (empty disables)
//
//   6. Metrics
//      - addr: listen address for /metrics (empty disables)
//
//   7. Server
//      - addr: API listen address for `reims-ai serve` (default :8090)
//      - detect_rate_per_min: detect requests per client per minute (0 disables)

// Config struct contains all configuration fields
type Config struct {
	// Detection configuration
	Detection struct {
		ZScoreThreshold            float64
		PercentageChangeThreshold  float64
		CUSUMThreshold             float64
		CUSUMDrift                 float64
		VolatilityWindow           int
		VolatilityLookback         int
		SeasonalDeviationThreshold float64
		EnabledDetectors           []string
		DensityK                   int
		Concurrency                int
	}

	// Ensemble configuration
	Ensemble struct {
		MinAgreementCount          int
		ConfidenceThreshold        float64
		MinAgreementThreshold      float64
		ConfidenceSuppressionFloor float64
		MaterialityFloor           float64
		DetectorWeights            map[string]float64
		StrictWeights              bool
		UnknownDetectorWeight      float64
	}

	// Impact configuration
	Impact struct {
		DSCRCovenantThreshold float64
	}

	// Model cache configuration
	ModelCache struct {
		Backend     string
		TTLDays     int
		SQLitePath  string
		PostgresURL string
		RedisAddr   string
		Seed        int64
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		AuditFile  string
	}

	// Metrics configuration
	Metrics struct {
		Addr string
	}

	// Server configuration
	Server struct {
		Addr             string
		DetectRatePerMin int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}
