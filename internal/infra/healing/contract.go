package healing

import (
	"context"
	"errors"
	"log"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// GuardedContract wraps a contract client with a circuit breaker. While the
// breaker is open, updates fail fast with an upstream error so the delivery
// job backs off and retries instead of waiting on a dead relayer.
type GuardedContract struct {
	next    domain.ContractClient
	breaker *CircuitBreaker
}

// GuardContract wraps next with breaker.
func GuardContract(next domain.ContractClient, breaker *CircuitBreaker) *GuardedContract {
	return &GuardedContract{next: next, breaker: breaker}
}

// Breaker exposes the underlying breaker for status reporting.
func (g *GuardedContract) Breaker() *CircuitBreaker { return g.breaker }

// UpdateInvestigationMetadata implements domain.ContractClient.
func (g *GuardedContract) UpdateInvestigationMetadata(ctx context.Context, m domain.MetadataUpdate) (string, error) {
	const op = "contract.update"
	if err := g.breaker.Allow(); err != nil {
		return "", domain.Upstream(op, err)
	}

	tx, err := g.next.UpdateInvestigationMetadata(ctx, m)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case countsAsFailure(err):
		g.breaker.RecordFailure()
		if g.breaker.State() == CBOpen {
			log.Printf("[healing] %s breaker open after: %v", g.breaker.name, err)
		}
	}
	return tx, err
}

// countsAsFailure reports whether err says the upstream is unhealthy. Rejected
// payloads and caller cancellation do not trip the breaker.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindNotFound:
		return false
	}
	return true
}
