package backend

import (
	"context"
	"errors"

	carterrors "github.com/abgdnv/kidscart/internal/errors"
	"github.com/abgdnv/kidscart/pkg/config"
	"github.com/sony/gobreaker/v2"
)

// Breaker guards the reads and writes of a remote Backend with a circuit breaker.
// Change subscriptions bypass the breaker.
type Breaker struct {
	Backend
	cb *gobreaker.CircuitBreaker[any]
}

type getResult struct {
	blob []byte
	ok   bool
}

// WithBreaker wraps b when the breaker is enabled and returns b unchanged otherwise.
func WithBreaker(b Backend, name string, cfg config.CircuitBreakerConfig) Backend {
	if !cfg.Enabled {
		return b
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			total := counts.TotalSuccesses + counts.TotalFailures
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(cfg.ErrorRatePercent > 0 && total > cfg.ConsecutiveFailures &&
					float64(counts.TotalFailures)/float64(total)*100 > float64(cfg.ErrorRatePercent))
		},
		IsSuccessful: func(err error) bool {
			// Cancelled requests and a closed backend say nothing about the remote's health.
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, carterrors.ErrBackendClosed)
		},
	}
	return &Breaker{Backend: b, cb: gobreaker.NewCircuitBreaker[any](st)}
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := b.cb.Execute(func() (any, error) {
		blob, ok, err := b.Backend.Get(ctx, key)
		return getResult{blob: blob, ok: ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	r := res.(getResult)
	return r.blob, r.ok, nil
}

func (b *Breaker) Set(ctx context.Context, key string, blob []byte) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.Backend.Set(ctx, key, blob)
	})
	return err
}

// State reports the breaker state, for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
