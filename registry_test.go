package inferpool_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	ip "github.com/ineyio/inferpool"
	"github.com/ineyio/inferpool/inference/mock"
	"github.com/ineyio/inferpool/vault"
)

func TestRegister_SealsCredentialAndRecordsProbe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cred := credentialFor("alpha")

	id := h.register(t, "owner-a", cred, 80)

	p, err := h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "owner-a", p.Owner)
	assert.Equal(t, int64(80), p.CapacityUnits)
	assert.Equal(t, []string{"mock-model"}, p.Models)
	assert.True(t, p.Active())
	assert.Equal(t, 1, h.backend.Probes(cred))

	doc, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(doc), cred)

	plain, err := h.registry.Credential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, cred, plain)
}

func TestRegister_FormatErrorsMutateNothing(t *testing.T) {
	h := newHarness(t, withRegistryOptions(ip.WithCredentialRules(ip.CredentialRules{Prefixes: []string{"sk-"}})))
	ctx := context.Background()

	tests := []struct {
		name string
		req  ip.RegisterRequest
	}{
		{"missing owner", ip.RegisterRequest{Name: "n", Credential: credentialFor("x")}},
		{"missing name", ip.RegisterRequest{Owner: "o", Credential: credentialFor("x")}},
		{"missing credential", ip.RegisterRequest{Owner: "o", Name: "n"}},
		{"too short", ip.RegisterRequest{Owner: "o", Name: "n", Credential: "sk-short"}},
		{"bad charset", ip.RegisterRequest{Owner: "o", Name: "n", Credential: "sk-has spaces and $ymbols!!"}},
		{"unknown prefix", ip.RegisterRequest{Owner: "o", Name: "n", Credential: "pk-0123456789abcdefghijkl"}},
		{"zero signing key", ip.RegisterRequest{Owner: "o", Name: "n", Credential: "0x" + zeros(64)}},
		{"signing key over order", ip.RegisterRequest{Owner: "o", Name: "n", Credential: fs(64)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.registry.Register(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ip.ErrInvalidRequest)
			var fe *ip.FormatError
			assert.True(t, errors.As(err, &fe))
		})
	}

	all, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRegister_AcceptsSigningKey(t *testing.T) {
	h := newHarness(t, withRegistryOptions(ip.WithCredentialRules(ip.CredentialRules{Prefixes: []string{"sk-"}})))

	key := "0x" + "1f" + zeros(62)
	h.register(t, "owner-gonka", key, 10)
}

func TestRegister_DuplicateByFingerprint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cred := credentialFor("dup")

	h.register(t, "owner-a", cred, 10)

	_, err := h.registry.Register(ctx, ip.RegisterRequest{Owner: "owner-b", Name: "other", Credential: cred})
	assert.ErrorIs(t, err, ip.ErrDuplicateProvider)
	assert.Equal(t, 1, h.backend.Probes(cred))
}

func TestRegister_DuplicateAfterSecretRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cred := credentialFor("rotated")
	h.register(t, "owner-a", cred, 10)

	rotated, err := vault.New(vault.Config{
		MasterSecret: []byte(strings.Repeat("n", 32)),
		Retired:      []vault.RetiredSecret{{Secret: masterSecret, RetiredAt: h.clock.Now()}},
	})
	require.NoError(t, err)
	registry, err := ip.NewRegistry(h.store, rotated, h.backend)
	require.NoError(t, err)

	_, err = registry.Register(ctx, ip.RegisterRequest{Owner: "owner-b", Name: "again", Credential: cred})
	assert.ErrorIs(t, err, ip.ErrDuplicateProvider)

	all, err := registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegister_ProbeFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cred := credentialFor("broken")
	h.backend.Add(cred, mock.Account{Err: errors.New("401 unauthorized")})

	_, err := h.registry.Register(ctx, ip.RegisterRequest{Owner: "o", Name: "n", Credential: cred})
	assert.ErrorIs(t, err, ip.ErrProbeFailed)

	all, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRecordOutcome_DeactivatesAtThresholdAndRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	var events []ip.OutcomeEvent
	h.registry.OnOutcome(func(_ context.Context, e ip.OutcomeEvent) { events = append(events, e) })

	h.fail(t, id, 1)
	p, err := h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Active())
	assert.Equal(t, 1, p.ConsecutiveFailures)

	h.fail(t, id, 1)
	p, err = h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, p.Active())
	assert.True(t, p.HealthDisabled)

	require.NoError(t, h.registry.RecordOutcome(ctx, ip.Outcome{ProviderID: id, Source: ip.SourceProbe, Success: true}))
	p, err = h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Active())
	assert.Zero(t, p.ConsecutiveFailures)

	require.Len(t, events, 3)
	assert.False(t, events[0].Deactivated)
	assert.True(t, events[1].Deactivated)
	assert.True(t, events[2].Recovered)
}

func TestRecordOutcome_SuccessNeverClearsSuspension(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	require.NoError(t, h.registry.ForceDeactivate(ctx, operator, id, "fraud report"))
	h.fail(t, id, 2)
	require.NoError(t, h.registry.RecordOutcome(ctx, ip.Outcome{ProviderID: id, Source: ip.SourceProbe, Success: true}))

	p, err := h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, p.HealthDisabled)
	assert.True(t, p.Suspended)
	assert.False(t, p.Active())

	require.NoError(t, h.registry.ForceActivate(ctx, operator, id, "cleared"))
	p, err = h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Active())
}

func TestRecordOutcome_ConcurrentFailuresConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.registry.RecordOutcome(ctx, ip.Outcome{ProviderID: id, Source: ip.SourceRequest}))
		}()
	}
	wg.Wait()

	p, err := h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 50, p.ConsecutiveFailures)
	assert.True(t, p.HealthDisabled)
}

func TestRecordOutcome_ProbeUpdatesCapability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	before, err := h.registry.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.registry.RecordOutcome(ctx, ip.Outcome{ProviderID: id, Source: ip.SourceProbe, Err: errors.New("timeout")}))
	after, err := h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Less(t, after.CapabilityScore, before.CapabilityScore)

	require.NoError(t, h.registry.RecordOutcome(ctx, ip.Outcome{
		ProviderID: id, Source: ip.SourceProbe, Success: true, CapacityUnits: 250,
	}))
	after, err = h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(250), after.CapacityUnits)
}

func TestRecordOutcome_UnknownProvider(t *testing.T) {
	h := newHarness(t)
	err := h.registry.RecordOutcome(context.Background(), ip.Outcome{ProviderID: "missing"})
	assert.ErrorIs(t, err, ip.ErrProviderNotFound)
}

func TestAdminActions_RequireOperatorAndReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	assert.ErrorIs(t, h.registry.ForceDeactivate(ctx, "mallory", id, "because"), ip.ErrNotOperator)
	assert.ErrorIs(t, h.registry.ForceDeactivate(ctx, "", id, "because"), ip.ErrNotOperator)
	assert.ErrorIs(t, h.registry.ForceDeactivate(ctx, operator, id, " "), ip.ErrInvalidRequest)

	recs, err := h.audit.List(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, h.registry.ForceDeactivate(ctx, operator, id, "chargeback"))
	require.NoError(t, h.registry.ForceActivate(ctx, operator, id, "resolved"))

	recs, err = h.audit.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ip.AuditForceDeactivate, recs[0].Action)
	assert.Equal(t, "chargeback", recs[0].Reason)
	assert.Equal(t, operator, recs[0].Operator)
	assert.Equal(t, ip.AuditForceActivate, recs[1].Action)
}

func TestSetRiskScore_SuspendsAtThreshold(t *testing.T) {
	h := newHarness(t, withRegistryOptions(ip.WithRiskSuspendThreshold(80)))
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	require.NoError(t, h.registry.SetRiskScore(ctx, operator, id, 40, "review"))
	p, err := h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Active())

	require.NoError(t, h.registry.SetRiskScore(ctx, operator, id, 85, "multiple accounts"))
	p, err = h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Suspended)
	assert.Equal(t, 85.0, p.RiskScore)

	assert.ErrorIs(t, h.registry.SetRiskScore(ctx, operator, id, 101, "oops"), ip.ErrInvalidRequest)
}

func TestCredential_IntegrityFailureIsOpaque(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newHarness(t, withLogger(zap.New(core)))
	ctx := context.Background()
	cred := credentialFor("secret")
	id := h.register(t, "owner-a", cred, 10)

	_, err := h.store.Update(ctx, id, func(p *ip.Provider) error {
		p.Credential.AuthTag[0] ^= 0x01
		return nil
	})
	require.NoError(t, err)

	_, err = h.registry.Credential(ctx, id)
	assert.ErrorIs(t, err, ip.ErrCredentialUnavailable)
	assert.NotContains(t, err.Error(), cred)

	entries := logs.FilterMessage("provider credential failed integrity check").All()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ContextMap()["provider"])
	for _, e := range logs.All() {
		for _, v := range e.ContextMap() {
			if s, ok := v.(string); ok {
				assert.NotContains(t, s, cred)
			}
		}
	}
}

func TestMigrateCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	n, err := h.registry.MigrateCredentials(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	p, err := h.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "aead", p.Credential.Scheme.String())
}

func TestListActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.register(t, "owner-a", credentialFor("a"), 10)
	b := h.register(t, "owner-b", credentialFor("b"), 10)
	h.fail(t, a, 2)

	active, err := h.registry.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b, active[0].ID)

	all, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func zeros(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}

func fs(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'f'
	}
	return string(b)
}
