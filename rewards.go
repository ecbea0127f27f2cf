package inferpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RewardRates sets the points credited per reward type.
type RewardRates struct {
	// BasePerRequest is credited to a provider owner for each served request.
	BasePerRequest int64 `yaml:"base_per_request"`

	// PerThousandTokens is credited per 1000 tokens served, pro rata.
	PerThousandTokens int64 `yaml:"per_thousand_tokens"`

	// HoldingPerCapacityUnit is credited once per UTC day per capacity unit
	// of an active provider.
	HoldingPerCapacityUnit int64 `yaml:"holding_per_capacity_unit"`

	// APIUsage is credited to keyed callers per request, by tier.
	APIUsage map[IdentityClass]int64 `yaml:"api_usage"`
}

// DefaultRewardRates returns the default reward rates.
func DefaultRewardRates() RewardRates {
	return RewardRates{
		BasePerRequest:         1,
		PerThousandTokens:      10,
		HoldingPerCapacityUnit: 1,
		APIUsage: map[IdentityClass]int64{
			ClassDeveloper: 1,
			ClassAgent:     2,
		},
	}
}

// Validate checks that no rate is negative.
func (r RewardRates) Validate() error {
	if r.BasePerRequest < 0 || r.PerThousandTokens < 0 || r.HoldingPerCapacityUnit < 0 {
		return fmt.Errorf("inferpool: rewards: rates must not be negative")
	}
	for class, v := range r.APIUsage {
		if !class.Valid() {
			return fmt.Errorf("inferpool: rewards: unknown class %q", class)
		}
		if v < 0 {
			return fmt.Errorf("inferpool: rewards: api_usage for %s must not be negative", class)
		}
	}
	return nil
}

// RequestServed returns the points for serving one request.
func (r RewardRates) RequestServed(tokens int64) int64 {
	if tokens < 0 {
		tokens = 0
	}
	return r.BasePerRequest + tokens*r.PerThousandTokens/1000
}

// Defaults for the reward queue.
const (
	DefaultRewardQueueSize     = 1024
	DefaultRewardAppendTimeout = 5 * time.Second
)

// Rewarder turns outcomes and schedules into ledger transactions. Outcome
// rewards are queued and appended by a background worker, so a slow ledger
// never delays the serve path. Reward failures are logged only; a full queue
// drops the reward.
type Rewarder struct {
	ledger        LedgerStore
	providers     ProviderSource
	audit         AuditLog
	operators     Operators
	rates         RewardRates
	logger        *zap.Logger
	now           func() time.Time
	queueSize     int
	appendTimeout time.Duration

	queue chan rewardJob
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	pending int
	idle    chan struct{}
}

type rewardJob struct {
	ctx context.Context
	tx  Transaction
}

// RewarderOption configures a Rewarder.
type RewarderOption func(*Rewarder)

// WithRewardRates overrides DefaultRewardRates.
func WithRewardRates(r RewardRates) RewarderOption {
	return func(rw *Rewarder) { rw.rates = r }
}

// WithRewarderAudit sets the audit log and operator set used by Adjust.
func WithRewarderAudit(a AuditLog, ops Operators) RewarderOption {
	return func(rw *Rewarder) {
		rw.audit = a
		rw.operators = ops
	}
}

// WithRewarderLogger sets the logger.
func WithRewarderLogger(l *zap.Logger) RewarderOption {
	return func(rw *Rewarder) { rw.logger = l }
}

// WithRewarderClock overrides time.Now.
func WithRewarderClock(now func() time.Time) RewarderOption {
	return func(rw *Rewarder) { rw.now = now }
}

// WithRewardQueue sets how many outcome rewards may wait for the ledger.
func WithRewardQueue(size int) RewarderOption {
	return func(rw *Rewarder) { rw.queueSize = size }
}

// WithRewardAppendTimeout bounds each queued ledger append.
func WithRewardAppendTimeout(d time.Duration) RewarderOption {
	return func(rw *Rewarder) { rw.appendTimeout = d }
}

// NewRewarder creates a Rewarder and starts its append worker. Close stops
// the worker after draining the queue.
func NewRewarder(ledger LedgerStore, providers ProviderSource, opts ...RewarderOption) *Rewarder {
	rw := &Rewarder{
		ledger:        ledger,
		providers:     providers,
		rates:         DefaultRewardRates(),
		queueSize:     DefaultRewardQueueSize,
		appendTimeout: DefaultRewardAppendTimeout,
	}
	for _, opt := range opts {
		opt(rw)
	}
	if rw.audit == nil {
		rw.audit = NewMemoryAuditLog()
	}
	if rw.logger == nil {
		rw.logger = zap.NewNop()
	}
	if rw.now == nil {
		rw.now = time.Now
	}
	if rw.queueSize < 1 {
		rw.queueSize = 1
	}
	if rw.appendTimeout <= 0 {
		rw.appendTimeout = DefaultRewardAppendTimeout
	}

	rw.queue = make(chan rewardJob, rw.queueSize)
	rw.done = make(chan struct{})
	go rw.work()
	return rw
}

// Flush waits until every queued reward has been appended or dropped.
func (rw *Rewarder) Flush(ctx context.Context) error {
	for {
		rw.mu.Lock()
		if rw.pending == 0 {
			rw.mu.Unlock()
			return nil
		}
		idle := rw.idle
		rw.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting rewards, drains the queue and stops the worker.
func (rw *Rewarder) Close() {
	rw.mu.Lock()
	if rw.closed {
		rw.mu.Unlock()
		<-rw.done
		return
	}
	rw.closed = true
	close(rw.queue)
	rw.mu.Unlock()
	<-rw.done
}

func (rw *Rewarder) work() {
	defer close(rw.done)
	for job := range rw.queue {
		ctx, cancel := context.WithTimeout(job.ctx, rw.appendTimeout)
		rw.append(ctx, job.tx)
		cancel()
		rw.settle()
	}
}

// enqueue never blocks. The job keeps the caller's values but not its
// cancellation.
func (rw *Rewarder) enqueue(ctx context.Context, tx Transaction) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.closed {
		rw.logger.Warn("reward dropped after close", zap.String("identity", tx.Identity), zap.String("type", string(tx.Type)))
		return
	}

	select {
	case rw.queue <- rewardJob{ctx: context.WithoutCancel(ctx), tx: tx}:
		if rw.pending == 0 {
			rw.idle = make(chan struct{})
		}
		rw.pending++
	default:
		rw.logger.Error("reward queue full, reward dropped",
			zap.String("identity", tx.Identity),
			zap.String("type", string(tx.Type)),
			zap.Int64("delta", tx.Delta),
		)
	}
}

func (rw *Rewarder) settle() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.pending--
	if rw.pending == 0 {
		close(rw.idle)
	}
}

// OnOutcome is an OutcomeListener. A successful request queues request_served
// for the provider owner and api_usage for keyed callers. It never waits for
// the ledger.
func (rw *Rewarder) OnOutcome(ctx context.Context, event OutcomeEvent) {
	if event.Source != SourceRequest || !event.Success {
		return
	}

	if owner := event.Provider.Owner; owner != "" {
		if delta := rw.rates.RequestServed(event.TotalTokens); delta > 0 {
			rw.enqueue(ctx, Transaction{
				Identity:   owner,
				ProviderID: event.Provider.ID,
				Delta:      delta,
				Type:       TxRequestServed,
				Details: map[string]string{
					"tokens": strconv.FormatInt(event.TotalTokens, 10),
				},
			})
		}
	}

	if event.Identity != "" && (event.Class == ClassDeveloper || event.Class == ClassAgent) {
		if delta := rw.rates.APIUsage[event.Class]; delta > 0 {
			rw.enqueue(ctx, Transaction{
				Identity: event.Identity,
				Delta:    delta,
				Type:     TxAPIUsage,
				Details: map[string]string{
					"tier":     string(event.Class),
					"provider": event.Provider.ID,
				},
			})
		}
	}
}

func (rw *Rewarder) append(ctx context.Context, tx Transaction) {
	if _, err := rw.ledger.Append(ctx, tx); err != nil {
		rw.logger.Error("reward append failed",
			zap.String("identity", tx.Identity),
			zap.String("type", string(tx.Type)),
			zap.Int64("delta", tx.Delta),
			zap.Error(err),
		)
	}
}

// HoldingKey is the idempotency key of a provider's holding reward for the
// UTC day containing t.
func HoldingKey(providerID string, t time.Time) string {
	return "holding:" + providerID + ":" + t.UTC().Format(time.DateOnly)
}

// RewardHoldings credits every active provider's owner once for the UTC day
// containing now, in proportion to its capacity. Providers already credited
// that day are skipped. It returns the number of transactions appended.
func (rw *Rewarder) RewardHoldings(ctx context.Context, now time.Time) (int, error) {
	active, err := rw.providers.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("inferpool: reward holdings: %w", err)
	}

	day := now.UTC().Format(time.DateOnly)
	var credited int
	var errs []error
	for _, p := range active {
		delta := p.CapacityUnits * rw.rates.HoldingPerCapacityUnit
		if delta <= 0 || p.Owner == "" {
			continue
		}
		_, err := rw.ledger.Append(ctx, Transaction{
			Identity:       p.Owner,
			ProviderID:     p.ID,
			Delta:          delta,
			Type:           TxDailyHolding,
			IdempotencyKey: HoldingKey(p.ID, now),
			Details: map[string]string{
				"day":            day,
				"capacity_units": strconv.FormatInt(p.CapacityUnits, 10),
			},
		})
		switch {
		case errors.Is(err, ErrDuplicateTransaction):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("provider %s: %w", p.ID, err))
			continue
		}
		credited++
	}

	if credited > 0 {
		rw.logger.Info("holding rewards credited", zap.String("day", day), zap.Int("providers", credited))
	}
	if len(errs) > 0 {
		return credited, fmt.Errorf("inferpool: reward holdings: %w", errors.Join(errs...))
	}
	return credited, nil
}

// RunHoldings calls RewardHoldings every interval until ctx is done.
func (rw *Rewarder) RunHoldings(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := rw.RewardHoldings(ctx, rw.now()); err != nil {
				rw.logger.Warn("holding rewards failed", zap.Error(err))
			}
		}
	}
}

// Adjust appends an operator-signed manual_adjustment and an audit record.
// Corrections to past rewards are expressed this way; history is never
// rewritten.
func (rw *Rewarder) Adjust(ctx context.Context, operator, identity, providerID string, delta int64, reason string) (string, error) {
	if err := rw.operators.check(operator); err != nil {
		return "", err
	}
	if strings.TrimSpace(reason) == "" {
		return "", &FormatError{Field: "reason", Reason: "required"}
	}

	id, err := rw.ledger.Append(ctx, Transaction{
		Identity:   identity,
		ProviderID: providerID,
		Delta:      delta,
		Type:       TxManualAdjustment,
		Details: map[string]string{
			"operator": operator,
			"reason":   reason,
		},
	})
	if err != nil {
		return "", fmt.Errorf("inferpool: adjust: %w", err)
	}

	rec := AuditRecord{
		ID:       uuid.New().String(),
		Operator: operator,
		Action:   AuditAdjustment,
		Target:   identity,
		Reason:   reason,
		Details: map[string]string{
			"transaction": id,
			"delta":       strconv.FormatInt(delta, 10),
			"provider":    providerID,
		},
		At: rw.now(),
	}
	if err := rw.audit.Append(ctx, rec); err != nil {
		return id, fmt.Errorf("inferpool: append audit record: %w", err)
	}
	rw.logger.Info("operator action",
		zap.String("operator", operator),
		zap.String("action", AuditAdjustment),
		zap.String("target", identity),
		zap.Int64("delta", delta),
	)
	return id, nil
}
