package inferpool_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ip "github.com/ineyio/inferpool"
	"github.com/ineyio/inferpool/inference/mock"
	"github.com/ineyio/inferpool/ledger"
	"github.com/ineyio/inferpool/providerstore"
	"github.com/ineyio/inferpool/quota"
	"github.com/ineyio/inferpool/session"
	"github.com/ineyio/inferpool/vault"
)

var masterSecret = []byte(strings.Repeat("m", 32))

const operator = "ops-alice"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness wires every component over in-memory stores and the mock backend.
type harness struct {
	clock    *testClock
	vault    *vault.Vault
	store    *providerstore.MemoryStore
	backend  *mock.Backend
	audit    *ip.MemoryAuditLog
	registry *ip.Registry
	sessions *session.MemoryStore
	affinity *ip.Affinity
	limiter  *quota.MemoryLimiter
	ledger   *ledger.MemoryStore
	rewarder *ip.Rewarder
	router   *ip.Router
	status   *ip.Status
}

type harnessConfig struct {
	policy       ip.QuotaPolicy
	logger       *zap.Logger
	routerOpts   []ip.Option
	registryOpts []ip.RegistryOption
	seed         uint64
}

type harnessOption func(*harnessConfig)

func withPolicy(p ip.QuotaPolicy) harnessOption {
	return func(c *harnessConfig) { c.policy = p }
}

func withLogger(l *zap.Logger) harnessOption {
	return func(c *harnessConfig) { c.logger = l }
}

func withRouterOptions(opts ...ip.Option) harnessOption {
	return func(c *harnessConfig) { c.routerOpts = append(c.routerOpts, opts...) }
}

func withRegistryOptions(opts ...ip.RegistryOption) harnessOption {
	return func(c *harnessConfig) { c.registryOpts = append(c.registryOpts, opts...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{
		policy: ip.DefaultQuotaPolicy(),
		logger: zap.NewNop(),
		seed:   42,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		clock:    newTestClock(),
		store:    providerstore.NewMemoryStore(),
		backend:  mock.New(),
		audit:    ip.NewMemoryAuditLog(),
		sessions: session.NewMemoryStore(),
	}

	v, err := vault.New(vault.Config{MasterSecret: masterSecret, Logger: cfg.logger})
	require.NoError(t, err)
	h.vault = v

	registryOpts := append([]ip.RegistryOption{
		ip.WithAuditLog(h.audit),
		ip.WithOperators(ip.NewOperators(operator)),
		ip.WithRegistryLogger(cfg.logger),
		ip.WithRegistryClock(h.clock.Now),
	}, cfg.registryOpts...)
	h.registry, err = ip.NewRegistry(h.store, v, h.backend, registryOpts...)
	require.NoError(t, err)

	h.affinity = ip.NewAffinity(h.registry, h.sessions,
		ip.WithSelector(ip.NewUniformSelectorWithSeed(ip.SeedFromUint64(cfg.seed))),
		ip.WithAffinityClock(h.clock.Now),
		ip.WithAffinityLogger(cfg.logger),
	)
	h.limiter = quota.NewMemoryLimiter(cfg.policy, quota.WithClock(h.clock.Now))
	h.ledger = ledger.NewMemoryStore(ledger.WithClock(h.clock.Now))
	h.rewarder = ip.NewRewarder(h.ledger, h.registry,
		ip.WithRewarderAudit(h.audit, ip.NewOperators(operator)),
		ip.WithRewarderClock(h.clock.Now),
		ip.WithRewarderLogger(cfg.logger),
	)
	h.registry.OnOutcome(h.rewarder.OnOutcome)
	t.Cleanup(h.rewarder.Close)

	h.router, err = ip.NewRouter(h.registry, h.affinity, h.limiter,
		append([]ip.Option{ip.WithLogger(cfg.logger)}, cfg.routerOpts...)...)
	require.NoError(t, err)

	h.status = ip.NewStatus(h.registry, h.limiter, h.ledger)
	return h
}

// register adds a provider whose credential the mock backend knows.
func (h *harness) register(t *testing.T, owner, credential string, capacity int64) string {
	t.Helper()
	h.backend.Add(credential, mock.Account{CapacityUnits: capacity})
	id, err := h.registry.Register(context.Background(), ip.RegisterRequest{
		Owner:      owner,
		Name:       owner + "-node",
		Credential: credential,
	})
	require.NoError(t, err)
	return id
}

// fail records n failed request outcomes for a provider.
func (h *harness) fail(t *testing.T, providerID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, h.registry.RecordOutcome(context.Background(), ip.Outcome{
			ProviderID: providerID,
			Source:     ip.SourceRequest,
		}))
	}
}

func credentialFor(name string) string {
	return "sk-test-" + name + "-0123456789abcdef"
}

func chatRequest(identity string, class ip.IdentityClass, session string) ip.Request {
	return ip.Request{
		Identity:   identity,
		Class:      class,
		SessionKey: session,
		Intent:     "chat",
		Messages:   []ip.Message{{Role: "user", Content: "hello"}},
	}
}

// settle waits for queued outcome rewards to reach the ledger.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.rewarder.Flush(ctx))
}
