package vuln

import (
	"context"
	"fmt"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// BreakerService wraps a Service with a circuit breaker so a dead
// advisory backend fails fast instead of stalling every evaluation.
// Trips after 5 consecutive failures and recovers on an exponential
// schedule.
type BreakerService struct {
	inner   Service
	breaker *circuit.Breaker
}

// NewBreakerService wraps the given service.
func NewBreakerService(inner Service) *BreakerService {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	opts := &circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	}

	return &BreakerService{
		inner:   inner,
		breaker: circuit.NewBreakerWithOptions(opts),
	}
}

// Query delegates to the wrapped service unless the circuit is open.
func (b *BreakerService) Query(ctx context.Context, name, version string) (*Result, error) {
	if !b.breaker.Ready() {
		return nil, fmt.Errorf("circuit breaker open: %w", ErrUnavailable)
	}

	var result *Result
	err := b.breaker.Call(func() error {
		var qerr error
		result, qerr = b.inner.Query(ctx, name, version)
		return qerr
	}, 0)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Tripped reports whether the circuit is currently open (for health
// reporting).
func (b *BreakerService) Tripped() bool {
	return b.breaker.Tripped()
}
