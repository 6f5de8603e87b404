package generation

import (
	"context"
	"log/slog"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/metrics"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig holds configuration for the generator circuit breaker.
type BreakerConfig struct {
	MaxRequests uint32        // max requests allowed in half-open state
	Interval    time.Duration // cyclic period of the closed state to clear counts
	Timeout     time.Duration // period of the open state before transitioning to half-open
}

var DefaultBreakerConfig = BreakerConfig{
	MaxRequests: 3,
	Interval:    time.Minute,
	Timeout:     30 * time.Second,
}

// BreakerGenerator stops calling a failing upstream generator until it recovers.
type BreakerGenerator struct {
	next Generator
	cb   *gobreaker.CircuitBreaker[*Card]
}

func NewBreakerGenerator(name string, next Generator, cfg BreakerConfig, logger *slog.Logger, m *metrics.Metrics) *BreakerGenerator {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			m.SetCircuitBreakerState(name, stateToInt(to))
		},
	}
	m.SetCircuitBreakerState(name, stateToInt(gobreaker.StateClosed))

	return &BreakerGenerator{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[*Card](settings),
	}
}

func (b *BreakerGenerator) Generate(ctx context.Context, text string) (*Card, error) {
	return b.cb.Execute(func() (*Card, error) {
		return b.next.Generate(ctx, text)
	})
}

func (b *BreakerGenerator) State() gobreaker.State {
	return b.cb.State()
}

func stateToInt(s gobreaker.State) int {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
