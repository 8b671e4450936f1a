package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/reims/reims-ai/internal/models"
)

var (
	errEmptyFeatures  = errors.New("feature vectors are empty")
	errRaggedFeatures = errors.New("feature vectors differ in length")
	errNonFinite      = errors.New("feature vectors contain NaN or Inf")
)

// treeNode is one node of a flattened isolation tree. Children are indexes
// into the owning tree's node slice; -1 marks a leaf.
type treeNode struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

func (n treeNode) leaf() bool { return n.Left < 0 }

// isolationTree is stored flat so a trained forest serializes without
// pointers. Node 0 is the root.
type isolationTree struct {
	Nodes []treeNode `json:"nodes"`
}

// IsolationForest is a trained forest.
type IsolationForest struct {
	Trees      []isolationTree `json:"trees"`
	SampleSize int             `json:"sample_size"`
	Dims       int             `json:"dims"`
}

// IsolationForestTrainer builds forests. The zero value is not usable; use
// NewIsolationForestTrainer.
type IsolationForestTrainer struct {
	NumTrees      int
	SubSampleSize int
	MaxDepth      int // 0 = ceil(log2(sample size))
	Seed          int64
}

// NewIsolationForestTrainer returns a trainer with the usual defaults of 100
// trees and 256-point sub-samples.
func NewIsolationForestTrainer(seed int64) *IsolationForestTrainer {
	return &IsolationForestTrainer{NumTrees: 100, SubSampleSize: 256, Seed: seed}
}

func (t *IsolationForestTrainer) Kind() models.DetectorKind { return models.DetectorIsolationForest }

func (t *IsolationForestTrainer) Params() map[string]any {
	return map[string]any{
		"num_trees":       t.NumTrees,
		"sub_sample_size": t.SubSampleSize,
		"max_depth":       t.MaxDepth,
		"seed":            t.Seed,
	}
}

// Train fits the forest. The RNG is seeded from Seed, so equal inputs give an
// identical forest.
func (t *IsolationForestTrainer) Train(ctx context.Context, rows [][]float64) (Model, error) {
	dims, err := validateRows(rows)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientData) {
			return nil, fmt.Errorf("isolation forest needs %d points, got %d: %w", MinTrainPoints, len(rows), err)
		}
		return nil, fmt.Errorf("%w: isolation forest: %v", models.ErrModelTraining, err)
	}
	if t.NumTrees <= 0 || t.SubSampleSize <= 1 {
		return nil, fmt.Errorf("%w: isolation forest needs positive num_trees and sub_sample_size > 1", models.ErrModelTraining)
	}

	sampleSize := t.SubSampleSize
	if sampleSize > len(rows) {
		sampleSize = len(rows)
	}
	maxDepth := t.MaxDepth
	if maxDepth <= 0 {
		maxDepth = int(math.Ceil(math.Log2(float64(sampleSize))))
	}

	b := &forestBuilder{
		rng:      rand.New(rand.NewSource(t.Seed)),
		maxDepth: maxDepth,
		dims:     dims,
	}
	forest := &IsolationForest{
		Trees:      make([]isolationTree, 0, t.NumTrees),
		SampleSize: sampleSize,
		Dims:       dims,
	}
	for i := 0; i < t.NumTrees; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sample := b.sample(rows, sampleSize)
		tree := isolationTree{}
		b.build(&tree, sample, 0)
		forest.Trees = append(forest.Trees, tree)
	}
	return forest, nil
}

func (f *IsolationForest) Kind() models.DetectorKind { return models.DetectorIsolationForest }

func (f *IsolationForest) Dimensions() int { return f.Dims }

// Score returns 2^(-avgPath/c(sampleSize)). An untrained forest or a vector of
// the wrong length scores a neutral 0.5.
func (f *IsolationForest) Score(x []float64) float64 {
	if len(f.Trees) == 0 || len(x) != f.Dims {
		return 0.5
	}
	total := 0.0
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	avg := total / float64(len(f.Trees))
	c := averagePathLength(f.SampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

func (t *isolationTree) pathLength(x []float64) float64 {
	depth := 0
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.leaf() {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			idx = n.Left
		} else {
			idx = n.Right
		}
		depth++
	}
}

// ─── Training ────────────────────────────────────────────────────────────────

type forestBuilder struct {
	rng      *rand.Rand
	maxDepth int
	dims     int
}

// sample draws size rows without replacement (partial Fisher-Yates).
func (b *forestBuilder) sample(rows [][]float64, size int) [][]float64 {
	shuffled := make([][]float64, len(rows))
	copy(shuffled, rows)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := b.rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:size]
}

// build appends the subtree for data to t and returns its node index.
func (b *forestBuilder) build(t *isolationTree, data [][]float64, depth int) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, treeNode{Left: -1, Right: -1, Size: len(data)})
	if len(data) <= 1 || depth >= b.maxDepth || allIdentical(data) {
		return idx
	}

	feature := b.rng.Intn(b.dims)
	lo, hi := featureRange(data, feature)
	if hi-lo < 1e-12 {
		return idx
	}
	split := lo + b.rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return idx
	}

	l := b.build(t, left, depth+1)
	r := b.build(t, right, depth+1)
	t.Nodes[idx].Feature = feature
	t.Nodes[idx].Split = split
	t.Nodes[idx].Left = l
	t.Nodes[idx].Right = r
	return idx
}

// averagePathLength is c(n), the mean unsuccessful-search path length of a
// binary search tree with n nodes.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*harmonicNumber(n-1) - 2*float64(n-1)/float64(n)
}

// harmonicNumber approximates H(n) with ln(n) + Euler-Mascheroni.
func harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649
}

func allIdentical(data [][]float64) bool {
	first := data[0]
	for _, row := range data[1:] {
		for j := range first {
			if math.Abs(row[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(data [][]float64, feature int) (float64, float64) {
	lo, hi := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		v := row[feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
