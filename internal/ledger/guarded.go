package ledger

import (
	"context"
	"time"

	"github.com/torc/backend/internal/circuitbreaker"
	"github.com/torc/backend/internal/metrics"
)

// GuardedClient wraps a Client with a circuit breaker on Submit and
// Prometheus instrumentation. Reads bypass the breaker: they are cheap and
// their failure modes differ from submission failures.
type GuardedClient struct {
	inner   Client
	breaker *circuitbreaker.CircuitBreaker
	obs     *metrics.Metrics
}

// Guard wraps a ledger client. obs may be nil in tests.
func Guard(inner Client, breaker *circuitbreaker.CircuitBreaker, obs *metrics.Metrics) *GuardedClient {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.LedgerConfig())
	}
	return &GuardedClient{inner: inner, breaker: breaker, obs: obs}
}

// Breaker exposes the breaker for health reporting.
func (g *GuardedClient) Breaker() *circuitbreaker.CircuitBreaker { return g.breaker }

// ReadEscrow implements Client.
func (g *GuardedClient) ReadEscrow(ctx context.Context, key Key) (*EscrowState, error) {
	return g.inner.ReadEscrow(ctx, key)
}

// ReadMultiSigApprovals implements Client.
func (g *GuardedClient) ReadMultiSigApprovals(ctx context.Context, key Key) (*MultiSigApprovals, error) {
	return g.inner.ReadMultiSigApprovals(ctx, key)
}

// Events implements Client.
func (g *GuardedClient) Events(ctx context.Context) (<-chan Event, error) {
	return g.inner.Events(ctx)
}

// Submit implements Client. An open circuit surfaces as a transport error
// string the saga error classifier treats as transient, so the operation
// lands in the retry queue instead of failing permanently.
func (g *GuardedClient) Submit(ctx context.Context, operation string, payload map[string]interface{}) (string, error) {
	started := time.Now()
	res, err := g.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return g.inner.Submit(ctx, operation, payload)
	})
	if g.obs != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		g.obs.LedgerSubmits.WithLabelValues(operation, outcome).Inc()
		g.obs.LedgerSubmitDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}
