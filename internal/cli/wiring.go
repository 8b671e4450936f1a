package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/analytics"
	"github.com/reims/reims-ai/internal/analytics/anomaly"
	"github.com/reims/reims-ai/internal/analytics/ensemble"
	"github.com/reims/reims-ai/internal/analytics/impact"
	"github.com/reims/reims-ai/internal/analytics/ml"
	"github.com/reims/reims-ai/internal/analytics/seasonal"
	"github.com/reims/reims-ai/internal/config"
	"github.com/reims/reims-ai/internal/db"
	"github.com/reims/reims-ai/internal/modelcache"
	"github.com/reims/reims-ai/internal/models"
)

// openStore opens the configured model cache backend. Network backends sit
// behind a circuit breaker. The returned closer releases the connection.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (modelcache.Store, io.Closer, error) {
	mc := cfg.ModelCache
	switch mc.Backend {
	case "", config.BackendMemory:
		return modelcache.NewMemoryStore(), nopCloser{}, nil
	case config.BackendSQLite:
		s, err := db.NewSQLiteStore(mc.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendPostgres:
		s, err := db.NewPostgresStore(mc.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return modelcache.NewBreakerStore(config.BackendPostgres, s, logger), s, nil
	case config.BackendRedis:
		s := modelcache.NewRedisStore(mc.RedisAddr)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", mc.RedisAddr, err)
		}
		return modelcache.NewBreakerStore(config.BackendRedis, s, logger), s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported model cache backend %q", mc.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// engine is everything a command needs to run detections.
type engine struct {
	cache    *modelcache.Cache
	pipeline *analytics.Pipeline
	closers  []io.Closer
}

func (e *engine) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openCache opens the store and wraps it in a model cache. The returned
// engine has no pipeline.
func (a *app) openCache(ctx context.Context) (*engine, error) {
	store, storeCloser, err := openStore(ctx, a.cfg, a.logger.Named("modelcache"))
	if err != nil {
		return nil, err
	}
	cache, err := modelcache.New(store,
		modelcache.WithTTL(time.Duration(a.cfg.ModelCache.TTLDays)*24*time.Hour),
		modelcache.WithLogger(a.logger.Named("modelcache")),
	)
	if err != nil {
		_ = storeCloser.Close()
		return nil, err
	}
	return &engine{cache: cache, closers: []io.Closer{storeCloser, cache}}, nil
}

// openEngine opens the cache and builds a pipeline over it.
func (a *app) openEngine(ctx context.Context) (*engine, error) {
	eng, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}
	p, err := buildPipeline(a.cfg, eng.cache, a.logger)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	eng.pipeline = p
	return eng, nil
}

// buildPipeline wires the enabled detectors, registry, combiner and impact
// calculator from cfg.
func buildPipeline(cfg *config.Config, cache *modelcache.Cache, logger *zap.Logger) (*analytics.Pipeline, error) {
	kinds, err := cfg.EnabledKinds()
	if err != nil {
		return nil, err
	}
	enabled := make(map[models.DetectorKind]bool, len(kinds))
	for _, k := range kinds {
		enabled[k] = true
	}

	det := cfg.Detection
	scorer := ml.NewParallelScorer()
	all := append(anomaly.NewStatisticalDetectors(anomaly.Config{
		ZScoreThreshold:           det.ZScoreThreshold,
		PercentageChangeThreshold: det.PercentageChangeThreshold,
		CUSUMThreshold:            det.CUSUMThreshold,
		CUSUMDrift:                det.CUSUMDrift,
		VolatilityWindow:          det.VolatilityWindow,
		VolatilityLookback:        det.VolatilityLookback,
	}),
		seasonal.NewDetector(det.SeasonalDeviationThreshold),
		analytics.NewModelDetector(ml.NewIsolationForestTrainer(cfg.ModelCache.Seed), cache, scorer),
		analytics.NewModelDetector(ml.NewDensityTrainer(det.DensityK), cache, scorer),
	)
	detectors := make([]anomaly.Detector, 0, len(all))
	for _, d := range all {
		if enabled[d.Kind()] {
			detectors = append(detectors, d)
		}
	}

	ens := cfg.Ensemble
	registry, err := ensemble.NewRegistry(ens.DetectorWeights,
		ensemble.WithStrict(ens.StrictWeights),
		ensemble.WithUnknownWeight(ens.UnknownDetectorWeight),
		ensemble.WithRegistryLogger(logger.Named("ensemble")),
	)
	if err != nil {
		return nil, err
	}
	combiner, err := ensemble.NewCombiner(registry, ensemble.Options{
		MinAgreement:        ens.MinAgreementCount,
		ConfidenceThreshold: ens.ConfidenceThreshold,
		MinAgreementPercent: ens.MinAgreementThreshold,
		ConfidenceFloor:     ens.ConfidenceSuppressionFloor,
		MaterialityFloor:    decimal.NewFromFloat(ens.MaterialityFloor),
	})
	if err != nil {
		return nil, err
	}
	calc, err := impact.NewCalculator(cfg.Impact.DSCRCovenantThreshold)
	if err != nil {
		return nil, err
	}

	return analytics.NewPipeline(detectors, combiner, calc,
		analytics.WithPipelineLogger(logger.Named("pipeline")),
		analytics.WithConcurrency(det.Concurrency),
	)
}

func kindNames(p *analytics.Pipeline) []string {
	kinds := p.Detectors()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
