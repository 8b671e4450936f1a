package ensemble

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/reims/reims-ai/internal/models"
)

// Options are the ensemble thresholds.
type Options struct {
	// MinAgreement is the minimum number of distinct methods per group.
	MinAgreement int
	// ConfidenceThreshold is the minimum weighted confidence (0-1).
	ConfidenceThreshold float64
	// MinAgreementPercent suppresses anomalies with weaker corroboration.
	MinAgreementPercent float64
	// ConfidenceFloor suppresses anomalies below this weighted confidence.
	ConfidenceFloor float64
	// MaterialityFloor is the smallest actionable dollar variance.
	MaterialityFloor decimal.Decimal
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MinAgreement:        2,
		ConfidenceThreshold: 0.6,
		MinAgreementPercent: 0.3,
		ConfidenceFloor:     0.5,
		MaterialityFloor:    decimal.NewFromInt(100),
	}
}

// Validate rejects negative or out-of-range thresholds.
func (o Options) Validate() error {
	switch {
	case o.MinAgreement < 1:
		return &models.ConfigurationError{Field: "ensemble.min_agreement_count", Message: "must be at least 1"}
	case !in01(o.ConfidenceThreshold):
		return &models.ConfigurationError{Field: "ensemble.confidence_threshold", Message: "must be within [0,1]"}
	case !in01(o.MinAgreementPercent):
		return &models.ConfigurationError{Field: "ensemble.min_agreement_threshold", Message: "must be within [0,1]"}
	case !in01(o.ConfidenceFloor):
		return &models.ConfigurationError{Field: "ensemble.confidence_suppression_floor", Message: "must be within [0,1]"}
	case o.MaterialityFloor.IsNegative():
		return &models.ConfigurationError{Field: "ensemble.materiality_floor", Message: "must not be negative"}
	}
	return nil
}

func in01(v float64) bool { return !math.IsNaN(v) && v >= 0 && v <= 1 }

// Combiner merges detector runs into consensus anomalies.
type Combiner struct {
	registry *Registry
	opts     Options
}

// NewCombiner validates opts and returns a Combiner over registry.
func NewCombiner(registry *Registry, opts Options) (*Combiner, error) {
	if registry == nil {
		return nil, &models.ConfigurationError{Field: "ensemble", Message: "registry is required"}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Combiner{registry: registry, opts: opts}, nil
}

// Options returns the combiner thresholds.
func (c *Combiner) Options() Options { return c.opts }

// ─── Grouping ────────────────────────────────────────────────────────────────

type groupKey struct {
	field string
	typ   models.AnomalyType
}

type vote struct {
	method           models.DetectorKind
	methodConfidence float64
	weight           float64
	candidate        models.Candidate
}

type group struct {
	key     groupKey
	entity  string
	votes   []vote
	methods map[models.DetectorKind]struct{}
}

// weighted is Σ(mc·cc·w)/Σw over the group's votes.
func (g *group) weighted() float64 {
	var num, den float64
	for _, v := range g.votes {
		num += v.methodConfidence * models.Clamp01(v.candidate.Confidence) * v.weight
		den += v.weight
	}
	if den == 0 {
		return 0
	}
	return models.Clamp01(num / den)
}

func (g *group) weightSum() float64 {
	var sum float64
	for m := range g.methods {
		for _, v := range g.votes {
			if v.method == m {
				sum += v.weight
				break
			}
		}
	}
	return sum
}

func (g *group) methodList() []models.DetectorKind {
	out := make([]models.DetectorKind, 0, len(g.methods))
	for m := range g.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// groupRuns collects the candidates of every usable run into groups in order
// of first appearance. Failed runs are skipped.
func (c *Combiner) groupRuns(runs []models.DetectionRun) ([]*group, error) {
	var order []*group
	index := make(map[groupKey]*group)
	for _, run := range runs {
		if run.Status == models.RunStatusFailed || len(run.Candidates) == 0 {
			continue
		}
		w, err := c.registry.Weight(run.Method)
		if err != nil {
			return nil, err
		}
		mc := models.Clamp01(run.MethodConfidence)
		for _, cand := range run.Candidates {
			field := cand.Field
			if field == "" {
				field = run.Field
			}
			k := groupKey{field: field, typ: cand.Type}
			g, ok := index[k]
			if !ok {
				g = &group{key: k, entity: run.Entity, methods: make(map[models.DetectorKind]struct{})}
				index[k] = g
				order = append(order, g)
			}
			g.votes = append(g.votes, vote{method: run.Method, methodConfidence: mc, weight: w, candidate: cand})
			g.methods[run.Method] = struct{}{}
		}
	}
	return order, nil
}

// anomaly builds the consensus record for g. IsConsensus follows the
// combiner thresholds regardless of which strategy kept the group.
func (c *Combiner) anomaly(g *group) models.ConsensusAnomaly {
	rep := g.votes[0].candidate
	votes := make([]models.Candidate, 0, len(g.votes))
	for _, v := range g.votes {
		votes = append(votes, v.candidate)
		if v.candidate.Confidence > rep.Confidence {
			rep = v.candidate
		}
	}
	weighted := g.weighted()
	a := models.ConsensusAnomaly{
		ID:                 uuid.NewString(),
		Entity:             g.entity,
		Field:              g.key.field,
		Type:               g.key.typ,
		Representative:     rep,
		WeightedConfidence: weighted,
		EnsembleConfidence: models.Clamp100(weighted * 100),
		MethodsAgreed:      len(g.methods),
		DetectionMethods:   g.methodList(),
		Votes:              votes,
		State:              models.StateCandidate,
	}
	if a.MethodsAgreed >= c.opts.MinAgreement && weighted >= c.opts.ConfidenceThreshold {
		a.IsConsensus = true
		a.State = models.StateConsensus
	}
	return a
}

func sortByConfidence(out []models.ConsensusAnomaly) {
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnsembleConfidence > out[j].EnsembleConfidence
	})
}

// ─── Strategies ──────────────────────────────────────────────────────────────

// Combine groups candidates by (field, anomaly type) and keeps groups with at
// least minAgreement distinct methods and a weighted confidence of at least
// threshold, sorted by descending ensemble confidence. An empty result is
// not an error.
func (c *Combiner) Combine(runs []models.DetectionRun, minAgreement int, threshold float64) ([]models.ConsensusAnomaly, error) {
	groups, err := c.groupRuns(runs)
	if err != nil {
		return nil, err
	}
	out := []models.ConsensusAnomaly{}
	for _, g := range groups {
		if len(g.methods) < minAgreement || g.weighted() < threshold {
			continue
		}
		a := c.anomaly(g)
		a.IsConsensus = true
		a.State = models.StateConsensus
		out = append(out, a)
	}
	sortByConfidence(out)
	return out, nil
}

// CombineDefault runs Combine with the configured thresholds.
func (c *Combiner) CombineDefault(runs []models.DetectionRun) ([]models.ConsensusAnomaly, error) {
	return c.Combine(runs, c.opts.MinAgreement, c.opts.ConfidenceThreshold)
}

// WeightedVoting keeps groups whose distinct methods' weights sum to at least
// weightThreshold.
func (c *Combiner) WeightedVoting(runs []models.DetectionRun, weightThreshold float64) ([]models.ConsensusAnomaly, error) {
	groups, err := c.groupRuns(runs)
	if err != nil {
		return nil, err
	}
	out := []models.ConsensusAnomaly{}
	for _, g := range groups {
		if g.weightSum() < weightThreshold {
			continue
		}
		out = append(out, c.anomaly(g))
	}
	sortByConfidence(out)
	return out, nil
}

// MajorityVoting keeps groups flagged by strictly more than half of the
// distinct methods that ran successfully.
func (c *Combiner) MajorityVoting(runs []models.DetectionRun) ([]models.ConsensusAnomaly, error) {
	present := make(map[models.DetectorKind]struct{})
	for _, run := range runs {
		if run.Status != models.RunStatusFailed {
			present[run.Method] = struct{}{}
		}
	}
	groups, err := c.groupRuns(runs)
	if err != nil {
		return nil, err
	}
	out := []models.ConsensusAnomaly{}
	for _, g := range groups {
		if 2*len(g.methods) <= len(present) {
			continue
		}
		out = append(out, c.anomaly(g))
	}
	sortByConfidence(out)
	return out, nil
}

// ─── Agreement & suppression ─────────────────────────────────────────────────

// Agreement unions the detection methods of a and every peer for the same
// (entity, field), measured against the detectors that ran.
func (c *Combiner) Agreement(a models.ConsensusAnomaly, peers []models.ConsensusAnomaly, ran []models.DetectorKind) models.Agreement {
	union := make(map[models.DetectorKind]struct{})
	for _, m := range a.DetectionMethods {
		union[m] = struct{}{}
	}
	for _, p := range peers {
		if p.Entity != a.Entity || p.Field != a.Field {
			continue
		}
		for _, m := range p.DetectionMethods {
			union[m] = struct{}{}
		}
	}

	total := make([]models.DetectorKind, 0, len(ran))
	seen := make(map[models.DetectorKind]struct{}, len(ran))
	for _, m := range ran {
		if _, dup := seen[m]; !dup {
			seen[m] = struct{}{}
			total = append(total, m)
		}
	}

	details := make([]models.DetectorDetail, 0, len(total))
	for _, m := range total {
		w, ok := c.registry.weights[m]
		if !ok {
			w = c.registry.unknownWeight
		}
		_, flagged := union[m]
		details = append(details, models.DetectorDetail{Method: m, Weight: w, Flagged: flagged})
	}

	ag := models.Agreement{
		AgreementCount:  len(union),
		TotalDetectors:  len(total),
		DetectorDetails: details,
	}
	if len(total) > 0 {
		ag.AgreementPercent = models.Clamp01(float64(len(union)) / float64(len(total)))
	}
	return ag
}

// SuppressNoise flags a when any single signal is weak: too few agreeing
// methods, low agreement share, immaterial variance, or low confidence. The
// decision and reason depend only on a's data, so repeated calls agree.
// Returns whether a is suppressed.
func (c *Combiner) SuppressNoise(a *models.ConsensusAnomaly) bool {
	var reasons []string

	count := a.MethodsAgreed
	if a.Agreement != nil {
		count = a.Agreement.AgreementCount
	}
	if count < c.opts.MinAgreement {
		reasons = append(reasons, fmt.Sprintf("agreement count %d below minimum %d", count, c.opts.MinAgreement))
	}
	if a.Agreement != nil && a.Agreement.AgreementPercent < c.opts.MinAgreementPercent {
		reasons = append(reasons, fmt.Sprintf("agreement %.1f%% below minimum %.1f%%",
			a.Agreement.AgreementPercent*100, c.opts.MinAgreementPercent*100))
	}
	if amount := impactAmount(a); amount.LessThan(c.opts.MaterialityFloor) {
		reasons = append(reasons, fmt.Sprintf("impact $%s below materiality floor $%s",
			amount.StringFixed(2), c.opts.MaterialityFloor.StringFixed(2)))
	}
	if a.WeightedConfidence < c.opts.ConfidenceFloor {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below floor %.2f", a.WeightedConfidence, c.opts.ConfidenceFloor))
	}

	a.Suppressed = len(reasons) > 0
	a.SuppressionReason = strings.Join(reasons, "; ")
	if a.Suppressed {
		a.State = models.StateSuppressed
	} else {
		a.State = models.StateActive
	}
	return a.Suppressed
}

// impactAmount is the absolute dollar variance, taken from the impact
// assessment when present and from the representative candidate otherwise.
func impactAmount(a *models.ConsensusAnomaly) decimal.Decimal {
	if a.Impact != nil {
		return a.Impact.AbsoluteVariance.Abs()
	}
	diff := a.Representative.Value - a.Representative.ExpectedValue
	if math.IsNaN(diff) || math.IsInf(diff, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(diff).Abs()
}
