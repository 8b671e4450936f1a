package modelcache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/metrics"
	"github.com/reims/reims-ai/internal/models"
)

// Breaker defaults for remote stores.
const (
	breakerConsecutiveFailures = 3
	breakerOpenTimeout         = 30 * time.Second
)

// BreakerStore wraps a remote Store in a circuit breaker. While the breaker
// is open every call fails fast with gobreaker.ErrOpenState, which the Cache
// treats like any store error: the lookup becomes a miss and the model is
// retrained in process.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

var _ Store = (*BreakerStore)(nil)

// NewBreakerStore trips after three consecutive failures and probes again
// after thirty seconds.
func NewBreakerStore(name string, next Store, logger *zap.Logger) *BreakerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		// A missing record or a caller giving up says nothing about the store.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, models.ErrNotFound) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.ModelCacheBreakerTransitionsTotal.WithLabelValues(name, to.String()).Inc()
			logger.Warn("model store circuit breaker state changed",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

// State reports the breaker state.
func (s *BreakerStore) State() gobreaker.State { return s.cb.State() }

func (s *BreakerStore) Get(ctx context.Context, key string) (*Record, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (s *BreakerStore) Put(ctx context.Context, rec *Record) error {
	return s.exec(func() error { return s.next.Put(ctx, rec) })
}

func (s *BreakerStore) Touch(ctx context.Context, key string, at time.Time) error {
	return s.exec(func() error { return s.next.Touch(ctx, key, at) })
}

func (s *BreakerStore) Deactivate(ctx context.Context, key, reason string) error {
	return s.exec(func() error { return s.next.Deactivate(ctx, key, reason) })
}

func (s *BreakerStore) Invalidate(ctx context.Context, scope, modelType, reason string) (int, error) {
	return s.count(func() (int, error) { return s.next.Invalidate(ctx, scope, modelType, reason) })
}

func (s *BreakerStore) List(ctx context.Context) ([]Record, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Record), nil
}

func (s *BreakerStore) Prune(ctx context.Context, now time.Time) (int, error) {
	return s.count(func() (int, error) { return s.next.Prune(ctx, now) })
}

// Close closes the wrapped store when it holds a connection.
func (s *BreakerStore) Close() error {
	if c, ok := s.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *BreakerStore) exec(fn func() error) error {
	_, err := s.cb.Execute(func() (interface{}, error) { return nil, fn() })
	return err
}

func (s *BreakerStore) count(fn func() (int, error)) (int, error) {
	v, err := s.cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
