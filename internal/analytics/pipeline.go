package analytics

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reims/reims-ai/internal/analytics/anomaly"
	"github.com/reims/reims-ai/internal/analytics/ensemble"
	"github.com/reims/reims-ai/internal/analytics/impact"
	"github.com/reims/reims-ai/internal/analytics/seasonal"
	"github.com/reims/reims-ai/internal/analytics/timeseries"
	"github.com/reims/reims-ai/internal/metrics"
	"github.com/reims/reims-ai/internal/models"
)

// Package analytics runs the detection ensemble for one (entity, field).
//
// Responsibilities:
//   - Run every enabled detector over the series, concurrently and bounded
//   - Isolate detector failures (a failed detector is excluded, the rest proceed)
//   - Replace point expectations with seasonally adjusted ones where history allows
//   - Combine runs into consensus anomalies, then attach agreement and impact
//   - Apply noise suppression so each anomaly ends ACTIVE or SUPPRESSED
//
// The pipeline does not fetch history or act on findings; callers supply the
// series and consume the Report.
//
// Integration Points:
//   - Statistical Detectors: anomaly.NewStatisticalDetectors
//   - Seasonal Analyzer: seasonal.NewDetector, seasonal.ExpectedValue
//   - Model Detectors: ModelDetector over the model cache
//   - Ensemble Combiner / Impact Calculator
//   - CLI: detect command

// recentLimit bounds the in-memory report history.
const recentLimit = 1000

// minSeasonalHistory is the history a point needs before its expectation is
// replaced by the seasonal one.
const minSeasonalHistory = 12

// Request is one detection job. The series fields are inlined so a request
// reads as {entity, field, points, impact}.
type Request struct {
	models.Series
	Impact impact.Context `json:"impact"`
}

// DetectorFailure records a detector excluded from the run.
type DetectorFailure struct {
	Method models.DetectorKind `json:"method"`
	Error  string              `json:"error"`
}

// Report is the outcome of one pipeline run. No anomalies is a valid result.
type Report struct {
	ID          string                    `json:"id"`
	Entity      string                    `json:"entity"`
	Field       string                    `json:"field"`
	Runs        []models.DetectionRun     `json:"runs"`
	Anomalies   []models.ConsensusAnomaly `json:"anomalies"`
	Failures    []DetectorFailure         `json:"failures,omitempty"`
	Active      int                       `json:"active"`
	Suppressed  int                       `json:"suppressed"`
	GeneratedAt time.Time                 `json:"generated_at"`
	DurationMS  int64                     `json:"duration_ms"`
}

// Pipeline orchestrates detectors, combiner and impact calculator. Safe for
// concurrent Run calls.
type Pipeline struct {
	mu sync.RWMutex

	detectors   []anomaly.Detector
	combiner    *ensemble.Combiner
	calculator  *impact.Calculator
	logger      *zap.Logger
	concurrency int
	now         func() time.Time

	history *reportLog
}

// reportLog keeps the last recentLimit reports. A pipeline rebuilt on config
// reload takes over its predecessor's log through InheritHistory.
type reportLog struct {
	mu      sync.RWMutex
	reports []*Report
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger. The default discards.
func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithConcurrency bounds how many detectors run at once. Values below 1 are
// ignored.
func WithConcurrency(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPipelineClock replaces time.Now for report timestamps.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline builds a pipeline over the given detectors.
func NewPipeline(detectors []anomaly.Detector, combiner *ensemble.Combiner, calculator *impact.Calculator, opts ...PipelineOption) (*Pipeline, error) {
	if combiner == nil || calculator == nil {
		return nil, &models.ConfigurationError{Field: "pipeline", Message: "combiner and impact calculator are required"}
	}
	if len(detectors) == 0 {
		return nil, &models.ConfigurationError{Field: "detection.enabled_detectors", Message: "at least one detector is required"}
	}
	seen := make(map[models.DetectorKind]struct{}, len(detectors))
	for _, d := range detectors {
		if _, dup := seen[d.Kind()]; dup {
			return nil, &models.ConfigurationError{
				Field:   "detection.enabled_detectors",
				Message: fmt.Sprintf("detector %q configured twice", d.Kind()),
			}
		}
		seen[d.Kind()] = struct{}{}
	}

	p := &Pipeline{
		detectors:   detectors,
		combiner:    combiner,
		calculator:  calculator,
		logger:      zap.NewNop(),
		concurrency: runtime.NumCPU(),
		now:         time.Now,
		history:     &reportLog{reports: make([]*Report, 0, 16)},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Detectors returns the configured detector kinds in run order.
func (p *Pipeline) Detectors() []models.DetectorKind {
	out := make([]models.DetectorKind, len(p.detectors))
	for i, d := range p.detectors {
		out[i] = d.Kind()
	}
	return out
}

// Run executes the ensemble over req. It returns an error only for an
// invalid series, a strict-mode weight error, or cancellation; per-detector
// failures are reported in Report.Failures.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	s := req.Series
	log := p.logger.With(zap.String("entity", s.Entity), zap.String("field", s.Field))

	if err := timeseries.Validate(s); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidSeries, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runs, failures := p.runDetectors(ctx, s, log)
	if err := ctx.Err(); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("cancelled").Inc()
		return nil, err
	}
	adjustExpectations(runs, s)

	anomalies, err := p.combiner.CombineDefault(runs)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	ran := make([]models.DetectorKind, 0, len(runs))
	for _, r := range runs {
		if r.Status != models.RunStatusFailed {
			ran = append(ran, r.Method)
		}
	}

	report := &Report{
		ID:          uuid.NewString(),
		Entity:      s.Entity,
		Field:       s.Field,
		Runs:        runs,
		Failures:    failures,
		GeneratedAt: p.now(),
	}
	for i := range anomalies {
		a := &anomalies[i]
		ag := p.combiner.Agreement(*a, anomalies, ran)
		a.Agreement = &ag
		p.calculator.AssessAnomaly(a, req.Impact)
		metrics.ImpactScore.Observe(a.Impact.ImpactScore)
		if p.combiner.SuppressNoise(a) {
			report.Suppressed++
		} else {
			report.Active++
		}
		metrics.ConsensusAnomaliesTotal.WithLabelValues(string(a.State)).Inc()
	}
	report.Anomalies = anomalies

	elapsed := time.Since(start)
	report.DurationMS = elapsed.Milliseconds()
	metrics.PipelineDuration.Observe(elapsed.Seconds())
	metrics.PipelineRunsTotal.WithLabelValues("ok").Inc()
	log.Info("ensemble run complete",
		zap.Int("detectors", len(runs)),
		zap.Int("failed", len(failures)),
		zap.Int("active", report.Active),
		zap.Int("suppressed", report.Suppressed),
		zap.Duration("duration", elapsed),
	)

	p.record(report)
	return report, nil
}

// Recent returns recently produced reports, newest last, optionally filtered
// by entity.
func (p *Pipeline) Recent(entity string) []*Report {
	h := p.log()
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Report, 0, len(h.reports))
	for _, r := range h.reports {
		if entity == "" || r.Entity == entity {
			out = append(out, r)
		}
	}
	return out
}

// ─── Internal ─────────────────────────────────────────────────────────────────

// runDetectors runs every detector and returns runs in detector order.
// Failures become failed runs; cancellation is checked before each detector.
func (p *Pipeline) runDetectors(ctx context.Context, s models.Series, log *zap.Logger) ([]models.DetectionRun, []DetectorFailure) {
	runs := make([]models.DetectionRun, len(p.detectors))
	errs := make([]error, len(p.detectors))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, d := range p.detectors {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			run, err := d.Detect(ctx, s)
			if err != nil {
				errs[i] = err
				return nil
			}
			run.Method = d.Kind()
			runs[i] = run
			return nil
		})
	}
	_ = g.Wait()

	var failures []DetectorFailure
	for i, d := range p.detectors {
		kind := d.Kind()
		if err := errs[i]; err != nil {
			runs[i] = failedRun(s, kind, err)
			failures = append(failures, DetectorFailure{Method: kind, Error: err.Error()})
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				log.Warn("detector failed, excluded from ensemble", zap.String("method", string(kind)), zap.Error(err))
			}
		}
		metrics.DetectorRunsTotal.WithLabelValues(string(kind), string(runs[i].Status)).Inc()
		metrics.CandidatesTotal.WithLabelValues(string(kind)).Add(float64(len(runs[i].Candidates)))
	}
	return runs, failures
}

func failedRun(s models.Series, kind models.DetectorKind, err error) models.DetectionRun {
	return models.DetectionRun{
		ID:         uuid.NewString(),
		Entity:     s.Entity,
		Field:      s.Field,
		Method:     kind,
		Candidates: []models.Candidate{},
		Status:     models.RunStatusFailed,
		Reason:     err.Error(),
	}
}

// adjustExpectations replaces the expected value of point candidates
// (z-score, percentage change) with the seasonally adjusted expectation
// built from the history before the point, once that history supports a
// full decomposition.
func adjustExpectations(runs []models.DetectionRun, s models.Series) {
	dates := timeseries.Dates(s)
	if dates == nil {
		return
	}
	values := timeseries.Values(s)
	cache := make(map[int]seasonal.Expectation)

	for r := range runs {
		switch runs[r].Method {
		case models.DetectorZScore, models.DetectorPercentageChange:
		default:
			continue
		}
		for c := range runs[r].Candidates {
			cand := &runs[r].Candidates[c]
			i := cand.Index
			if i < minSeasonalHistory || i >= len(values) {
				continue
			}
			exp, ok := cache[i]
			if !ok {
				exp = seasonal.ExpectedValue(values[:i], dates[:i], dates[i], true)
				cache[i] = exp
			}
			if exp.Method == seasonal.MethodLoess {
				cand.ExpectedValue = exp.Value
			}
		}
	}
}

// InheritHistory makes p share prev's report log, so reports produced before
// a pipeline swap stay visible through Recent. Reports already recorded by p
// are appended after prev's.
func (p *Pipeline) InheritHistory(prev *Pipeline) {
	if prev == nil || prev == p {
		return
	}
	shared := prev.log()
	own := p.log()
	if shared == own {
		return
	}
	own.mu.RLock()
	carried := append([]*Report(nil), own.reports...)
	own.mu.RUnlock()
	for _, r := range carried {
		shared.add(r)
	}
	p.mu.Lock()
	p.history = shared
	p.mu.Unlock()
}

func (p *Pipeline) log() *reportLog {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.history
}

func (p *Pipeline) record(r *Report) {
	p.log().add(r)
}

func (l *reportLog) add(r *Report) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, r)
	if len(l.reports) > recentLimit {
		l.reports = l.reports[len(l.reports)-recentLimit:]
	}
}
