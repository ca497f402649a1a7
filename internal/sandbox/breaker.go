package sandbox

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Breaker wraps a Provider with a circuit breaker so a flapping provider
// fails provisioning fast instead of stalling every saga on timeouts.
// Terminate deliberately bypasses the breaker: compensation and teardown must
// always be attempted.
type Breaker struct {
	inner  Provider
	create *gobreaker.CircuitBreaker[string]
	exec   *gobreaker.CircuitBreaker[*ExecResult]
}

func NewBreaker(inner Provider) *Breaker {
	settings := gobreaker.Settings{
		Name:    "sandbox-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Breaker{
		inner:  inner,
		create: gobreaker.NewCircuitBreaker[string](settings),
		exec:   gobreaker.NewCircuitBreaker[*ExecResult](settings),
	}
}

func (b *Breaker) Create(ctx context.Context, req CreateRequest) (string, error) {
	return b.create.Execute(func() (string, error) {
		return b.inner.Create(ctx, req)
	})
}

func (b *Breaker) Execute(ctx context.Context, sandboxID, code, language string, timeout time.Duration) (*ExecResult, error) {
	return b.exec.Execute(func() (*ExecResult, error) {
		return b.inner.Execute(ctx, sandboxID, code, language, timeout)
	})
}

func (b *Breaker) Terminate(ctx context.Context, sandboxID string) error {
	return b.inner.Terminate(ctx, sandboxID)
}
