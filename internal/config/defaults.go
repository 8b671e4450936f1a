package config

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "reims.yaml"

// Model cache backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Detection defaults
	cfg.Detection.ZScoreThreshold = 3.0
	cfg.Detection.PercentageChangeThreshold = 50.0
	cfg.Detection.CUSUMThreshold = 3.0
	cfg.Detection.CUSUMDrift = 0.5
	cfg.Detection.VolatilityWindow = 3
	cfg.Detection.VolatilityLookback = 0 // 0 means full history
	cfg.Detection.SeasonalDeviationThreshold = 3.0
	cfg.Detection.EnabledDetectors = nil // nil means every detector
	cfg.Detection.DensityK = 5
	cfg.Detection.Concurrency = 0

	// Ensemble defaults
	cfg.Ensemble.MinAgreementCount = 2
	cfg.Ensemble.ConfidenceThreshold = 0.6
	cfg.Ensemble.MinAgreementThreshold = 0.3
	cfg.Ensemble.ConfidenceSuppressionFloor = 0.5
	cfg.Ensemble.MaterialityFloor = 100.0
	cfg.Ensemble.DetectorWeights = map[string]float64{}
	cfg.Ensemble.StrictWeights = false
	cfg.Ensemble.UnknownDetectorWeight = 0.1

	// Impact defaults
	cfg.Impact.DSCRCovenantThreshold = 1.25

	// Model cache defaults
	cfg.ModelCache.Backend = BackendMemory
	cfg.ModelCache.TTLDays = 30
	cfg.ModelCache.SQLitePath = "reims-models.db"
	cfg.ModelCache.PostgresURL = ""
	cfg.ModelCache.RedisAddr = "localhost:6379"
	cfg.ModelCache.Seed = 42

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28
	cfg.Logging.AuditFile = ""

	// Metrics defaults
	cfg.Metrics.Addr = "" // disabled

	// Server defaults
	cfg.Server.Addr = ":8090"
	cfg.Server.DetectRatePerMin = 60

	return cfg
}
