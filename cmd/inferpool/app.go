package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ineyio/inferpool"
	"github.com/ineyio/inferpool/inference/mock"
	"github.com/ineyio/inferpool/inference/openaicompat"
	"github.com/ineyio/inferpool/ledger"
	ledgerpg "github.com/ineyio/inferpool/ledger/postgres"
	"github.com/ineyio/inferpool/meter"
	"github.com/ineyio/inferpool/policy"
	"github.com/ineyio/inferpool/providerstore"
	providerpg "github.com/ineyio/inferpool/providerstore/postgres"
	"github.com/ineyio/inferpool/quota"
	quotapg "github.com/ineyio/inferpool/quota/postgres"
	quotaredis "github.com/ineyio/inferpool/quota/redis"
	"github.com/ineyio/inferpool/session"
	sessionredis "github.com/ineyio/inferpool/session/redis"
	"github.com/ineyio/inferpool/vault"
)

// app holds every component built from one config.
type app struct {
	cfg      inferpool.Config
	logger   *zap.Logger
	metrics  *prometheus.Registry
	prober   inferpool.Prober
	infer    inferpool.InferenceFunc
	audit    inferpool.AuditLog
	registry *inferpool.Registry
	affinity *inferpool.Affinity
	limiter  inferpool.Limiter
	ledger   inferpool.LedgerStore
	rewarder *inferpool.Rewarder
	router   *inferpool.Router
	status   *inferpool.Status

	pool  *pgxpool.Pool
	redis *goredis.Client
}

// schema is implemented by the PostgreSQL stores.
type schema interface {
	EnsureSchema(ctx context.Context) error
}

func newApp(ctx context.Context, cfg inferpool.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
	}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	st := a.cfg.Storage
	if st.Providers == inferpool.StoragePostgres || st.Ledger == inferpool.StoragePostgres || st.Quota == inferpool.StoragePostgres {
		pool, err := pgxpool.New(ctx, st.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("postgres ping: %w", err)
		}
		a.pool = pool
	}
	if st.Sessions == inferpool.StorageRedis || st.Quota == inferpool.StorageRedis {
		client := goredis.NewClient(&goredis.Options{Addr: st.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping: %w", err)
		}
		a.redis = client
	}
	return nil
}

func (a *app) build() error {
	cfg := a.cfg
	st := cfg.Storage

	v, err := vault.New(cfg.Vault.VaultOptions(a.logger.Named("vault")))
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	switch cfg.Inference.Driver {
	case inferpool.InferenceMock:
		backend := mock.New(mock.WithDefaultCapacity(cfg.Inference.DefaultCapacity))
		a.prober, a.infer = backend, backend.Infer
	default:
		client := openaicompat.New(cfg.Inference.BaseURL, openaicompat.WithDefaultCapacity(cfg.Inference.DefaultCapacity))
		a.prober, a.infer = client, client.Infer
	}

	var providers inferpool.ProviderStore = providerstore.NewMemoryStore()
	a.audit = inferpool.NewMemoryAuditLog()
	a.ledger = ledger.NewMemoryStore()
	if st.Providers == inferpool.StoragePostgres {
		providers = providerpg.New(a.pool, providerpg.WithTablePrefix(st.TablePrefix))
	}
	if st.Ledger == inferpool.StoragePostgres {
		a.ledger = ledgerpg.New(a.pool, ledgerpg.WithTablePrefix(st.TablePrefix))
		a.audit = ledgerpg.NewAuditLog(a.pool, ledgerpg.WithTablePrefix(st.TablePrefix))
	}

	var sessions inferpool.SessionStore = session.NewMemoryStore()
	if st.Sessions == inferpool.StorageRedis {
		sessions = sessionredis.New(a.redis, sessionredis.WithKeyPrefix(st.KeyPrefix+"session:"), sessionredis.WithTTL(2*cfg.Affinity.MaxIdle))
	}

	switch st.Quota {
	case inferpool.StorageRedis:
		a.limiter = quotaredis.New(a.redis, cfg.Quota, quotaredis.WithKeyPrefix(st.KeyPrefix+"quota:"))
	case inferpool.StoragePostgres:
		a.limiter = quotapg.New(a.pool, cfg.Quota, quotapg.WithTablePrefix(st.TablePrefix))
	default:
		a.limiter = quota.NewMemoryLimiter(cfg.Quota)
	}

	m := meter.Multi{meter.NewLogMeter(a.logger.Named("meter")), meter.NewPrometheusMeter(a.metrics)}
	operators := inferpool.NewOperators(cfg.Operators...)

	a.registry, err = inferpool.NewRegistry(providers, v, a.prober,
		inferpool.WithAuditLog(a.audit),
		inferpool.WithOperators(operators),
		inferpool.WithRegistryMeter(m),
		inferpool.WithRegistryLogger(a.logger.Named("registry")),
		inferpool.WithCredentialRules(cfg.Registry.Credentials),
		inferpool.WithFailureThreshold(cfg.Registry.FailureThreshold),
		inferpool.WithRiskSuspendThreshold(cfg.Registry.RiskSuspendThreshold),
		inferpool.WithRegistrationProbeTimeout(cfg.Registry.ProbeTimeout),
	)
	if err != nil {
		return err
	}

	var selector inferpool.Selector
	switch cfg.Affinity.Selector {
	case inferpool.SelectorCapability:
		selector = policy.NewCapabilityWeighted()
	case inferpool.SelectorCapacity:
		selector = policy.NewCapacityWeighted()
	default:
		selector = inferpool.NewUniformSelector()
	}
	a.affinity = inferpool.NewAffinity(a.registry, sessions,
		inferpool.WithSelector(selector),
		inferpool.WithAffinityLogger(a.logger.Named("affinity")),
	)

	a.rewarder = inferpool.NewRewarder(a.ledger, a.registry,
		inferpool.WithRewardRates(cfg.Rewards.Rates),
		inferpool.WithRewarderAudit(a.audit, operators),
		inferpool.WithRewarderLogger(a.logger.Named("rewards")),
		inferpool.WithRewardQueue(cfg.Rewards.QueueSize),
		inferpool.WithRewardAppendTimeout(cfg.Rewards.AppendTimeout),
	)
	a.registry.OnOutcome(a.rewarder.OnOutcome)

	a.router, err = inferpool.NewRouter(a.registry, a.affinity, a.limiter,
		inferpool.WithMeter(m),
		inferpool.WithLogger(a.logger.Named("router")),
		inferpool.WithCallTimeout(cfg.Router.CallTimeout),
		inferpool.WithDefaultModel(cfg.Router.DefaultModel),
		inferpool.WithRetry(cfg.Router.Retry),
	)
	if err != nil {
		return err
	}

	a.status = inferpool.NewStatus(a.registry, a.limiter, a.ledger)
	return nil
}

func (a *app) monitor() *inferpool.Monitor {
	h := a.cfg.Health
	return inferpool.NewMonitor(a.registry, a.prober, a.infer,
		inferpool.WithMonitorInterval(h.Interval),
		inferpool.WithProbeTimeout(h.ProbeTimeout),
		inferpool.WithFullProbeEvery(h.FullProbeEvery),
		inferpool.WithMonitorConcurrency(h.Concurrency),
		inferpool.WithProbeModel(h.ProbeModel),
		inferpool.WithMonitorLogger(a.logger.Named("health")),
	)
}

// ensureSchema creates the tables of every PostgreSQL-backed store.
func (a *app) ensureSchema(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	st := a.cfg.Storage
	var stores []schema
	if st.Providers == inferpool.StoragePostgres {
		stores = append(stores, providerpg.New(a.pool, providerpg.WithTablePrefix(st.TablePrefix)))
	}
	if st.Ledger == inferpool.StoragePostgres {
		stores = append(stores,
			ledgerpg.New(a.pool, ledgerpg.WithTablePrefix(st.TablePrefix)),
			ledgerpg.NewAuditLog(a.pool, ledgerpg.WithTablePrefix(st.TablePrefix)),
		)
	}
	if st.Quota == inferpool.StoragePostgres {
		stores = append(stores, quotapg.New(a.pool, a.cfg.Quota, quotapg.WithTablePrefix(st.TablePrefix)))
	}
	for _, s := range stores {
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	if a.rewarder != nil {
		a.rewarder.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.logger.Sync()
}
