package ml

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelScorer scores batches of feature vectors. Batches below MinBatch,
// or a scorer with Workers <= 1, score serially on the caller's goroutine.
// Both paths return identical scores since models are read-only.
type ParallelScorer struct {
	Workers  int
	MinBatch int
}

// NewParallelScorer returns a scorer with one worker per CPU.
func NewParallelScorer() *ParallelScorer {
	return &ParallelScorer{Workers: runtime.NumCPU(), MinBatch: 64}
}

// ScoreAll returns m.Score for every row, in row order.
func (s *ParallelScorer) ScoreAll(ctx context.Context, m Model, rows [][]float64) ([]float64, error) {
	out := make([]float64, len(rows))
	if s == nil || s.Workers <= 1 || len(rows) < s.MinBatch {
		for i, r := range rows {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			out[i] = m.Score(r)
		}
		return out, nil
	}

	chunk := (len(rows) + s.Workers - 1) / s.Workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)
	for lo := 0; lo < len(rows); lo += chunk {
		lo, hi := lo, lo+chunk
		if hi > len(rows) {
			hi = len(rows)
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				out[i] = m.Score(rows[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
