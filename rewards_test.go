package inferpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ip "github.com/ineyio/inferpool"
)

func TestRewardRates_RequestServed(t *testing.T) {
	rates := ip.DefaultRewardRates()
	tests := []struct {
		tokens int64
		want   int64
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{1000, 11},
		{-5, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rates.RequestServed(tt.tokens), "tokens=%d", tt.tokens)
	}
}

func TestRewardRates_Validate(t *testing.T) {
	assert.NoError(t, ip.DefaultRewardRates().Validate())

	bad := ip.DefaultRewardRates()
	bad.BasePerRequest = -1
	assert.Error(t, bad.Validate())

	bad = ip.DefaultRewardRates()
	bad.APIUsage = map[ip.IdentityClass]int64{"robot": 1}
	assert.Error(t, bad.Validate())
}

func TestRewardHoldings_OncePerDay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.register(t, "owner-a", credentialFor("a"), 40)
	b := h.register(t, "owner-b", credentialFor("b"), 25)
	down := h.register(t, "owner-c", credentialFor("c"), 99)
	h.fail(t, down, 2)

	now := h.clock.Now()
	n, err := h.rewarder.RewardHoldings(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.rewarder.RewardHoldings(ctx, now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	balA, err := h.ledger.Balance(ctx, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balA)
	balB, err := h.ledger.ProviderBalance(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balB)
	balC, err := h.ledger.Balance(ctx, "owner-c")
	require.NoError(t, err)
	assert.Zero(t, balC)

	n, err = h.rewarder.RewardHoldings(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	txs, err := h.ledger.Transactions(ctx, "owner-a")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ip.TxDailyHolding, txs[0].Type)
	assert.Equal(t, ip.HoldingKey(a, now), txs[0].IdempotencyKey)
}

func TestHoldingKey_UTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	local := time.Date(2026, 3, 2, 8, 0, 0, 0, loc)
	assert.Equal(t, "holding:p1:2026-03-01", ip.HoldingKey("p1", local))
}

func TestAdjust_RequiresOperatorAndAudits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	_, err := h.rewarder.Adjust(ctx, "mallory", "owner-a", id, 10, "gift")
	assert.ErrorIs(t, err, ip.ErrNotOperator)
	_, err = h.rewarder.Adjust(ctx, operator, "owner-a", id, 10, "")
	assert.ErrorIs(t, err, ip.ErrInvalidRequest)
	_, err = h.rewarder.Adjust(ctx, operator, "owner-a", id, 0, "nothing")
	assert.ErrorIs(t, err, ip.ErrInvalidRequest)

	txID, err := h.rewarder.Adjust(ctx, operator, "owner-a", id, -5, "duplicate reward correction")
	require.NoError(t, err)
	assert.NotEmpty(t, txID)

	bal, err := h.ledger.Balance(ctx, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), bal)

	recs, err := h.audit.List(ctx, "owner-a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ip.AuditAdjustment, recs[0].Action)
	assert.Equal(t, txID, recs[0].Details["transaction"])
	assert.Equal(t, "-5", recs[0].Details["delta"])
}

func TestOnOutcome_IgnoresProbesAndFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	require.NoError(t, h.registry.RecordOutcome(ctx, ip.Outcome{ProviderID: id, Source: ip.SourceProbe, Success: true, TotalTokens: 500}))
	require.NoError(t, h.registry.RecordOutcome(ctx, ip.Outcome{ProviderID: id, Source: ip.SourceRequest, TotalTokens: 500}))

	h.settle(t)
	txs, err := h.ledger.Transactions(ctx, "owner-a")
	require.NoError(t, err)
	assert.Empty(t, txs)

	drift, err := h.ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

// blockingLedger holds every Append until release is closed or the append
// context ends.
type blockingLedger struct {
	ip.LedgerStore
	release chan struct{}
	started chan struct{}
}

func newBlockingLedger(inner ip.LedgerStore) *blockingLedger {
	return &blockingLedger{LedgerStore: inner, release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (l *blockingLedger) Append(ctx context.Context, tx ip.Transaction) (string, error) {
	l.started <- struct{}{}
	select {
	case <-l.release:
		return l.LedgerStore.Append(ctx, tx)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestOnOutcome_SlowLedgerDoesNotBlockServe(t *testing.T) {
	h := newHarness(t)
	h.register(t, "owner-a", credentialFor("a"), 10)

	slow := newBlockingLedger(h.ledger)
	rw := ip.NewRewarder(slow, h.registry, ip.WithRewardAppendTimeout(time.Minute))
	t.Cleanup(rw.Close)
	h.registry.OnOutcome(rw.OnOutcome)

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	_, err := h.router.RouteAndServe(ctx, chatRequest("dk_1", ip.ClassDeveloper, "s"), h.backend.Infer)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The request context ending must not abort the queued appends.
	cancel()
	<-slow.started
	close(slow.release)

	flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.NoError(t, rw.Flush(flushCtx))
	h.settle(t)

	// Two rewarders listen, so each reward lands twice.
	bal, err := h.ledger.Balance(context.Background(), "dk_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)
}

func TestOnOutcome_AppendTimeoutDropsReward(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	slow := newBlockingLedger(h.ledger)
	rw := ip.NewRewarder(slow, h.registry, ip.WithRewardAppendTimeout(20*time.Millisecond))
	t.Cleanup(rw.Close)

	p, err := h.registry.Get(context.Background(), id)
	require.NoError(t, err)
	rw.OnOutcome(context.Background(), ip.OutcomeEvent{
		Outcome:  ip.Outcome{ProviderID: id, Source: ip.SourceRequest, Success: true, TotalTokens: 10},
		Provider: p,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rw.Flush(ctx))

	txs, err := h.ledger.Transactions(context.Background(), "owner-a")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestRewarder_CloseDrainsQueue(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "owner-a", credentialFor("a"), 10)
	p, err := h.registry.Get(context.Background(), id)
	require.NoError(t, err)

	rw := ip.NewRewarder(h.ledger, h.registry)
	for i := 0; i < 5; i++ {
		rw.OnOutcome(context.Background(), ip.OutcomeEvent{
			Outcome:  ip.Outcome{ProviderID: id, Source: ip.SourceRequest, Success: true},
			Provider: p,
		})
	}
	rw.Close()
	rw.Close()

	bal, err := h.ledger.Balance(context.Background(), "owner-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)

	// After Close rewards are dropped, not panicking on the closed queue.
	rw.OnOutcome(context.Background(), ip.OutcomeEvent{
		Outcome:  ip.Outcome{ProviderID: id, Source: ip.SourceRequest, Success: true},
		Provider: p,
	})
}
