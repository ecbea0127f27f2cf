package inferpool

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ineyio/inferpool/vault"
)

// Config is the top-level configuration.
type Config struct {
	Vault     VaultConfig     `yaml:"vault"`
	Registry  RegistryConfig  `yaml:"registry"`
	Health    HealthConfig    `yaml:"health"`
	Affinity  AffinityConfig  `yaml:"affinity"`
	Quota     QuotaPolicy     `yaml:"quota"`
	Rewards   RewardsConfig   `yaml:"rewards"`
	Router    RouterConfig    `yaml:"router"`
	Inference InferenceConfig `yaml:"inference"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Operators []string        `yaml:"operators"`
}

// MinFingerprintSaltLen is the shortest accepted vault.fingerprint_salt. The
// salt keeps fingerprints stable across master-secret rotations.
const MinFingerprintSaltLen = 16

// VaultConfig configures the credential vault. Secrets are usually injected
// with ${VAR} expansion.
type VaultConfig struct {
	MasterSecret    string          `yaml:"master_secret"`
	Retired         []RetiredSecret `yaml:"retired"`
	RotationWindow  time.Duration   `yaml:"rotation_window"`
	FingerprintSalt string          `yaml:"fingerprint_salt"`
}

// RetiredSecret is a previous master secret still accepted for Open.
type RetiredSecret struct {
	Secret    string    `yaml:"secret"`
	RetiredAt time.Time `yaml:"retired_at"`
}

// RegistryConfig configures the provider registry.
type RegistryConfig struct {
	FailureThreshold     int             `yaml:"failure_threshold"`
	RiskSuspendThreshold float64         `yaml:"risk_suspend_threshold"`
	ProbeTimeout         time.Duration   `yaml:"probe_timeout"`
	Credentials          CredentialRules `yaml:"credentials"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval       time.Duration `yaml:"interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	FullProbeEvery int           `yaml:"full_probe_every"`
	Concurrency    int           `yaml:"concurrency"`
	ProbeModel     string        `yaml:"probe_model"`
}

// Selectors accepted by AffinityConfig.Selector.
const (
	SelectorUniform    = "uniform"
	SelectorCapability = "capability"
	SelectorCapacity   = "capacity"
)

// AffinityConfig configures session affinity.
type AffinityConfig struct {
	Selector       string        `yaml:"selector"`
	MaxIdle        time.Duration `yaml:"max_idle"`
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

// RewardsConfig configures the reward rates and holding schedule.
type RewardsConfig struct {
	Rates           RewardRates   `yaml:",inline"`
	HoldingInterval time.Duration `yaml:"holding_interval"`
	QueueSize       int           `yaml:"queue_size"`
	AppendTimeout   time.Duration `yaml:"append_timeout"`
}

// RouterConfig configures RouteAndServe.
type RouterConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout"`
	DefaultModel string        `yaml:"default_model"`
	Retry        bool          `yaml:"retry"`
}

// Inference drivers.
const (
	InferenceOpenAI = "openai"
	InferenceMock   = "mock"
)

// InferenceConfig selects the client used for probes and inference calls.
type InferenceConfig struct {
	Driver          string `yaml:"driver"`
	BaseURL         string `yaml:"base_url"`
	DefaultCapacity int64  `yaml:"default_capacity"`
}

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// StorageConfig selects the backing stores. Providers and the ledger live in
// memory or PostgreSQL; sessions and quota counters in memory, Redis or
// PostgreSQL.
type StorageConfig struct {
	Providers   string `yaml:"providers"`
	Ledger      string `yaml:"ledger"`
	Sessions    string `yaml:"sessions"`
	Quota       string `yaml:"quota"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	TablePrefix string `yaml:"table_prefix"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied. The master
// secret is left empty and must be supplied.
func Default() Config {
	return Config{
		Vault: VaultConfig{
			RotationWindow: 7 * 24 * time.Hour,
		},
		Registry: RegistryConfig{
			FailureThreshold: DefaultFailureThreshold,
			ProbeTimeout:     30 * time.Second,
		},
		Health: HealthConfig{
			Interval:       DefaultMonitorInterval,
			ProbeTimeout:   DefaultProbeTimeout,
			FullProbeEvery: DefaultFullProbeEvery,
			Concurrency:    DefaultMonitorConcurrency,
		},
		Affinity: AffinityConfig{
			Selector:       SelectorUniform,
			MaxIdle:        24 * time.Hour,
			ExpiryInterval: 10 * time.Minute,
		},
		Quota: DefaultQuotaPolicy(),
		Rewards: RewardsConfig{
			Rates:           DefaultRewardRates(),
			HoldingInterval: time.Hour,
			QueueSize:       DefaultRewardQueueSize,
			AppendTimeout:   DefaultRewardAppendTimeout,
		},
		Router: RouterConfig{
			CallTimeout: DefaultCallTimeout,
			Retry:       true,
		},
		Inference: InferenceConfig{
			Driver:          InferenceOpenAI,
			BaseURL:         "http://localhost:8000/v1",
			DefaultCapacity: 1,
		},
		Storage: StorageConfig{
			Providers:   StorageMemory,
			Ledger:      StorageMemory,
			Sessions:    StorageMemory,
			Quota:       StorageMemory,
			TablePrefix: "inferpool_",
			KeyPrefix:   "inferpool:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML config file over Default().
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("inferpool: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data over Default().
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	// Quota classes in the file replace the defaults class by class.
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("inferpool: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Vault.MasterSecret == "" {
		return fmt.Errorf("inferpool: config: vault.master_secret is required")
	}
	if len(c.Vault.MasterSecret) < vault.MinSecretLen {
		return fmt.Errorf("inferpool: config: vault.master_secret must be at least %d bytes", vault.MinSecretLen)
	}
	if len(c.Vault.FingerprintSalt) < MinFingerprintSaltLen {
		return fmt.Errorf("inferpool: config: vault.fingerprint_salt must be at least %d bytes", MinFingerprintSaltLen)
	}
	for i, r := range c.Vault.Retired {
		if len(r.Secret) < vault.MinSecretLen {
			return fmt.Errorf("inferpool: config: vault.retired[%d]: secret must be at least %d bytes", i, vault.MinSecretLen)
		}
		if r.RetiredAt.IsZero() {
			return fmt.Errorf("inferpool: config: vault.retired[%d]: retired_at is required", i)
		}
	}

	if c.Registry.FailureThreshold < 1 {
		return fmt.Errorf("inferpool: config: registry.failure_threshold must be at least 1")
	}
	if c.Registry.RiskSuspendThreshold < 0 || c.Registry.RiskSuspendThreshold > 100 {
		return fmt.Errorf("inferpool: config: registry.risk_suspend_threshold must be between 0 and 100")
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("inferpool: config: health.interval must be positive")
	}
	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("inferpool: config: health.probe_timeout must be positive")
	}
	if c.Health.FullProbeEvery < 0 {
		return fmt.Errorf("inferpool: config: health.full_probe_every must not be negative")
	}

	switch c.Affinity.Selector {
	case SelectorUniform, SelectorCapability, SelectorCapacity:
	default:
		return fmt.Errorf("inferpool: config: affinity.selector: unknown selector %q", c.Affinity.Selector)
	}
	if c.Affinity.MaxIdle <= 0 {
		return fmt.Errorf("inferpool: config: affinity.max_idle must be positive")
	}
	if c.Affinity.ExpiryInterval <= 0 {
		return fmt.Errorf("inferpool: config: affinity.expiry_interval must be positive")
	}

	for _, class := range []IdentityClass{ClassAnonymous, ClassDeveloper, ClassAgent} {
		if _, err := c.Quota.Windows(class); err != nil {
			return fmt.Errorf("inferpool: config: quota: %s: at least one window is required", class)
		}
	}
	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("inferpool: config: %w", err)
	}
	if err := c.Rewards.Rates.Validate(); err != nil {
		return fmt.Errorf("inferpool: config: %w", err)
	}
	if c.Rewards.HoldingInterval <= 0 {
		return fmt.Errorf("inferpool: config: rewards.holding_interval must be positive")
	}
	if c.Rewards.QueueSize < 1 {
		return fmt.Errorf("inferpool: config: rewards.queue_size must be at least 1")
	}
	if c.Rewards.AppendTimeout <= 0 {
		return fmt.Errorf("inferpool: config: rewards.append_timeout must be positive")
	}

	if c.Router.CallTimeout <= 0 {
		return fmt.Errorf("inferpool: config: router.call_timeout must be positive")
	}

	switch c.Inference.Driver {
	case InferenceMock:
	case InferenceOpenAI:
		if c.Inference.BaseURL == "" {
			return fmt.Errorf("inferpool: config: inference.base_url is required")
		}
	default:
		return fmt.Errorf("inferpool: config: inference.driver: unsupported driver %q", c.Inference.Driver)
	}

	return c.Storage.validate()
}

func (s StorageConfig) validate() error {
	check := func(field, v string, allowed ...string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("inferpool: config: storage.%s: unsupported driver %q", field, v)
	}
	if err := check("providers", s.Providers, StorageMemory, StoragePostgres); err != nil {
		return err
	}
	if err := check("ledger", s.Ledger, StorageMemory, StoragePostgres); err != nil {
		return err
	}
	if err := check("sessions", s.Sessions, StorageMemory, StorageRedis); err != nil {
		return err
	}
	if err := check("quota", s.Quota, StorageMemory, StorageRedis, StoragePostgres); err != nil {
		return err
	}

	usesPostgres := s.Providers == StoragePostgres || s.Ledger == StoragePostgres || s.Quota == StoragePostgres
	if usesPostgres && s.PostgresDSN == "" {
		return fmt.Errorf("inferpool: config: storage.postgres_dsn is required")
	}
	usesRedis := s.Sessions == StorageRedis || s.Quota == StorageRedis
	if usesRedis && s.RedisAddr == "" {
		return fmt.Errorf("inferpool: config: storage.redis_addr is required")
	}
	return nil
}

// VaultOptions converts the vault section into a vault.Config.
func (c VaultConfig) VaultOptions(logger *zap.Logger) vault.Config {
	cfg := vault.Config{
		MasterSecret:   []byte(c.MasterSecret),
		RotationWindow: c.RotationWindow,
		Logger:         logger,
	}
	if c.FingerprintSalt != "" {
		cfg.FingerprintSalt = []byte(c.FingerprintSalt)
	}
	for _, r := range c.Retired {
		cfg.Retired = append(cfg.Retired, vault.RetiredSecret{
			Secret:    []byte(r.Secret),
			RetiredAt: r.RetiredAt,
		})
	}
	return cfg
}
