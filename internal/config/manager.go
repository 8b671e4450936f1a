package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("REIMS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// A missing file is fine: defaults + env vars.
	if err := m.readConfigFile(); err != nil {
		return err
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Detection defaults
	m.viper.SetDefault("detection.zscore_threshold", defaults.Detection.ZScoreThreshold)
	m.viper.SetDefault("detection.percentage_change_threshold", defaults.Detection.PercentageChangeThreshold)
	m.viper.SetDefault("detection.cusum_threshold", defaults.Detection.CUSUMThreshold)
	m.viper.SetDefault("detection.cusum_drift", defaults.Detection.CUSUMDrift)
	m.viper.SetDefault("detection.volatility_window", defaults.Detection.VolatilityWindow)
	m.viper.SetDefault("detection.volatility_lookback", defaults.Detection.VolatilityLookback)
	m.viper.SetDefault("detection.seasonal_deviation_threshold", defaults.Detection.SeasonalDeviationThreshold)
	m.viper.SetDefault("detection.enabled_detectors", defaults.Detection.EnabledDetectors)
	m.viper.SetDefault("detection.density_k", defaults.Detection.DensityK)
	m.viper.SetDefault("detection.concurrency", defaults.Detection.Concurrency)

	// Ensemble defaults
	m.viper.SetDefault("ensemble.min_agreement_count", defaults.Ensemble.MinAgreementCount)
	m.viper.SetDefault("ensemble.confidence_threshold", defaults.Ensemble.ConfidenceThreshold)
	m.viper.SetDefault("ensemble.min_agreement_threshold", defaults.Ensemble.MinAgreementThreshold)
	m.viper.SetDefault("ensemble.confidence_suppression_floor", defaults.Ensemble.ConfidenceSuppressionFloor)
	m.viper.SetDefault("ensemble.materiality_floor", defaults.Ensemble.MaterialityFloor)
	m.viper.SetDefault("ensemble.strict_weights", defaults.Ensemble.StrictWeights)
	m.viper.SetDefault("ensemble.unknown_detector_weight", defaults.Ensemble.UnknownDetectorWeight)

	// Impact defaults
	m.viper.SetDefault("impact.dscr_covenant_threshold", defaults.Impact.DSCRCovenantThreshold)

	// Model cache defaults
	m.viper.SetDefault("model_cache.backend", defaults.ModelCache.Backend)
	m.viper.SetDefault("model_cache.ttl_days", defaults.ModelCache.TTLDays)
	m.viper.SetDefault("model_cache.sqlite_path", defaults.ModelCache.SQLitePath)
	m.viper.SetDefault("model_cache.postgres_url", defaults.ModelCache.PostgresURL)
	m.viper.SetDefault("model_cache.redis_addr", defaults.ModelCache.RedisAddr)
	m.viper.SetDefault("model_cache.seed", defaults.ModelCache.Seed)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.audit_file", defaults.Logging.AuditFile)

	// Metrics defaults
	m.viper.SetDefault("metrics.addr", defaults.Metrics.Addr)

	// Server defaults
	m.viper.SetDefault("server.addr", defaults.Server.Addr)
	m.viper.SetDefault("server.detect_rate_per_min", defaults.Server.DetectRatePerMin)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Detection
	cfg.Detection.ZScoreThreshold = m.viper.GetFloat64("detection.zscore_threshold")
	cfg.Detection.PercentageChangeThreshold = m.viper.GetFloat64("detection.percentage_change_threshold")
	cfg.Detection.CUSUMThreshold = m.viper.GetFloat64("detection.cusum_threshold")
	cfg.Detection.CUSUMDrift = m.viper.GetFloat64("detection.cusum_drift")
	cfg.Detection.VolatilityWindow = m.viper.GetInt("detection.volatility_window")
	cfg.Detection.VolatilityLookback = m.viper.GetInt("detection.volatility_lookback")
	cfg.Detection.SeasonalDeviationThreshold = m.viper.GetFloat64("detection.seasonal_deviation_threshold")
	cfg.Detection.EnabledDetectors = splitList(m.viper.GetStringSlice("detection.enabled_detectors"))
	cfg.Detection.DensityK = m.viper.GetInt("detection.density_k")
	cfg.Detection.Concurrency = m.viper.GetInt("detection.concurrency")

	// Ensemble
	cfg.Ensemble.MinAgreementCount = m.viper.GetInt("ensemble.min_agreement_count")
	cfg.Ensemble.ConfidenceThreshold = m.viper.GetFloat64("ensemble.confidence_threshold")
	cfg.Ensemble.MinAgreementThreshold = m.viper.GetFloat64("ensemble.min_agreement_threshold")
	cfg.Ensemble.ConfidenceSuppressionFloor = m.viper.GetFloat64("ensemble.confidence_suppression_floor")
	cfg.Ensemble.MaterialityFloor = m.viper.GetFloat64("ensemble.materiality_floor")
	cfg.Ensemble.StrictWeights = m.viper.GetBool("ensemble.strict_weights")
	cfg.Ensemble.UnknownDetectorWeight = m.viper.GetFloat64("ensemble.unknown_detector_weight")
	weights, err := weightMap(m.viper.GetStringMap("ensemble.detector_weights"))
	if err != nil {
		return err
	}
	cfg.Ensemble.DetectorWeights = weights

	// Impact
	cfg.Impact.DSCRCovenantThreshold = m.viper.GetFloat64("impact.dscr_covenant_threshold")

	// Model cache
	cfg.ModelCache.Backend = m.viper.GetString("model_cache.backend")
	cfg.ModelCache.TTLDays = m.viper.GetInt("model_cache.ttl_days")
	cfg.ModelCache.SQLitePath = m.viper.GetString("model_cache.sqlite_path")
	cfg.ModelCache.PostgresURL = m.viper.GetString("model_cache.postgres_url")
	cfg.ModelCache.RedisAddr = m.viper.GetString("model_cache.redis_addr")
	cfg.ModelCache.Seed = m.viper.GetInt64("model_cache.seed")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.AuditFile = m.viper.GetString("logging.audit_file")

	// Metrics
	cfg.Metrics.Addr = m.viper.GetString("metrics.addr")

	// Server
	cfg.Server.Addr = m.viper.GetString("server.addr")
	cfg.Server.DetectRatePerMin = m.viper.GetInt("server.detect_rate_per_min")

	m.config = cfg
	return nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func weightMap(raw map[string]interface{}) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	for name, v := range raw {
		w, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, &ValidationError{
				Field:   "ensemble.detector_weights." + name,
				Message: fmt.Sprintf("weight must be a number, got %v", v),
			}
		}
		out[name] = w
	}
	return out, nil
}
