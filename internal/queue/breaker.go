package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rzbill/orchq/pkg/log"
)

// BreakerSettings configures the circuit breaker around store calls. A zero
// FailureThreshold disables the breaker.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func newBreaker(s BreakerSettings, logger log.Logger) *gobreaker.CircuitBreaker {
	if s.FailureThreshold == 0 {
		return nil
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "queue-store",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.FailureThreshold
		},
		// Only transport failures count against the store.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrStoreUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				log.Str("breaker", name), log.Str("from", from.String()), log.Str("to", to.String()))
		},
	})
}

// guard runs fn through the breaker, translating a rejected call into
// ErrStoreUnavailable.
func (d *Driver) guard(scope, op string, fn func() error) error {
	if d.closed.Load() {
		return ErrClosed
	}
	var err error
	if d.cb == nil {
		err = fn()
	} else {
		_, err = d.cb.Execute(func() (interface{}, error) { return nil, fn() })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s", ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, ErrStoreUnavailable) {
		d.rec.StoreError(scope, op)
	}
	return err
}
