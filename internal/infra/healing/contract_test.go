package healing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

type stubContract struct {
	calls int
	err   error
}

func (s *stubContract) UpdateInvestigationMetadata(ctx context.Context, m domain.MetadataUpdate) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "tx-1", nil
}

func newGuard(t *testing.T, next domain.ContractClient) *GuardedContract {
	t.Helper()
	return GuardContract(next, NewCircuitBreaker(t.Name(), Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		HalfOpenMax:      1,
	}))
}

func TestGuardedContract_PassesThrough(t *testing.T) {
	stub := &stubContract{}
	g := newGuard(t, stub)

	tx, err := g.UpdateInvestigationMetadata(context.Background(), domain.MetadataUpdate{TokenID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx)
	assert.Equal(t, 1, stub.calls)
}

func TestGuardedContract_OpensOnUpstreamFailures(t *testing.T) {
	stub := &stubContract{err: domain.Upstream("relayer", errors.New("502"))}
	g := newGuard(t, stub)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.UpdateInvestigationMetadata(ctx, domain.MetadataUpdate{})
		require.Error(t, err)
	}
	assert.Equal(t, CBOpen, g.Breaker().State())

	_, err := g.UpdateInvestigationMetadata(ctx, domain.MetadataUpdate{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, domain.KindUpstream, domain.KindOf(err))
	assert.Equal(t, 2, stub.calls, "open breaker must not reach the relayer")
}

func TestGuardedContract_IgnoresRejectedPayloads(t *testing.T) {
	stub := &stubContract{err: domain.Validation("relayer", errors.New("bad args"))}
	g := newGuard(t, stub)

	for i := 0; i < 3; i++ {
		_, _ = g.UpdateInvestigationMetadata(context.Background(), domain.MetadataUpdate{})
	}
	assert.Equal(t, CBClosed, g.Breaker().State())
	assert.Equal(t, 3, stub.calls)
}
