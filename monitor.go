package inferpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Monitor defaults.
const (
	DefaultMonitorInterval    = 15 * time.Minute
	DefaultProbeTimeout       = 20 * time.Second
	DefaultFullProbeEvery     = 4
	DefaultMonitorConcurrency = 8
)

const probePrompt = "Reply with the single word: ok"

// RunSummary aggregates one monitor run. Errors holds per-provider probe
// failures keyed by provider ID.
type RunSummary struct {
	Run      int64
	Full     bool
	Probed   int
	Healthy  int
	Failed   int
	Errors   map[string]error
	Duration time.Duration
}

// Monitor probes providers on a fixed interval, independent of traffic, and
// feeds the results into the Registry.
type Monitor struct {
	registry    *Registry
	prober      Prober
	infer       InferenceFunc
	interval    time.Duration
	timeout     time.Duration
	fullEvery   int64
	concurrency int
	probeModel  string
	logger      *zap.Logger

	runs atomic.Int64
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorInterval sets the probe interval.
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.timeout = d }
}

// WithFullProbeEvery runs the inference probe every n-th run. Zero disables
// it.
func WithFullProbeEvery(n int) MonitorOption {
	return func(m *Monitor) { m.fullEvery = int64(n) }
}

// WithMonitorConcurrency bounds the number of providers probed at once.
func WithMonitorConcurrency(n int) MonitorOption {
	return func(m *Monitor) { m.concurrency = n }
}

// WithProbeModel sets the model used for inference probes on providers that
// did not report any.
func WithProbeModel(model string) MonitorOption {
	return func(m *Monitor) { m.probeModel = model }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *zap.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a health monitor. infer may be nil, which disables the
// inference probe.
func NewMonitor(registry *Registry, prober Prober, infer InferenceFunc, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry:    registry,
		prober:      prober,
		infer:       infer,
		interval:    DefaultMonitorInterval,
		timeout:     DefaultProbeTimeout,
		fullEvery:   DefaultFullProbeEvery,
		concurrency: DefaultMonitorConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.concurrency < 1 {
		m.concurrency = 1
	}
	return m
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce probes every provider that is not suspended. Disabled providers
// are probed too so they can recover. One provider's failure never stops the
// others.
func (m *Monitor) RunOnce(ctx context.Context) RunSummary {
	start := time.Now()
	run := m.runs.Add(1)
	summary := RunSummary{
		Run:    run,
		Full:   m.infer != nil && m.fullEvery > 0 && run%m.fullEvery == 0,
		Errors: make(map[string]error),
	}

	providers, err := m.registry.List(ctx)
	if err != nil {
		m.logger.Error("health run: list providers failed", zap.Error(err))
		summary.Errors[""] = err
		return summary
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.concurrency)

	for _, p := range providers {
		if p.Suspended {
			continue
		}
		summary.Probed++

		g.Go(func() error {
			err := m.probe(ctx, p, summary.Full)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Errors[p.ID] = err
			} else {
				summary.Healthy++
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(start)
	m.logger.Info("health run finished",
		zap.Int64("run", summary.Run),
		zap.Bool("full", summary.Full),
		zap.Int("probed", summary.Probed),
		zap.Int("healthy", summary.Healthy),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)
	return summary
}

func (m *Monitor) probe(ctx context.Context, p Provider, full bool) error {
	cred, err := m.registry.Credential(ctx, p.ID)
	if err != nil {
		m.record(ctx, Outcome{ProviderID: p.ID, Source: SourceProbe, Err: err})
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	started := time.Now()
	res, err := m.prober.Probe(pctx, cred)
	cancel()

	latency := res.Latency
	if latency == 0 {
		latency = time.Since(started)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	m.record(ctx, Outcome{
		ProviderID:    p.ID,
		Source:        SourceProbe,
		Success:       err == nil,
		Latency:       latency,
		Err:           err,
		CapacityUnits: res.CapacityUnits,
	})
	if err != nil || !full {
		return err
	}

	return m.inferenceProbe(ctx, p, cred)
}

func (m *Monitor) inferenceProbe(ctx context.Context, p Provider, cred string) error {
	model := m.probeModel
	if len(p.Models) > 0 {
		model = p.Models[0]
	}

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	started := time.Now()
	res, err := m.infer(pctx, Call{
		Credential: cred,
		Model:      model,
		Messages:   []Message{{Role: "user", Content: probePrompt}},
	})
	cancel()

	latency := res.Latency
	if latency == 0 {
		latency = time.Since(started)
	}
	if err != nil {
		err = fmt.Errorf("%w: inference: %w", ErrProbeFailed, err)
	}
	m.record(ctx, Outcome{
		ProviderID:  p.ID,
		Source:      SourceInferenceProbe,
		Success:     err == nil,
		Latency:     latency,
		Err:         err,
		TotalTokens: res.TotalTokens,
	})
	return err
}

func (m *Monitor) record(ctx context.Context, o Outcome) {
	if err := m.registry.RecordOutcome(ctx, o); err != nil {
		m.logger.Warn("health run: record outcome failed",
			zap.String("provider", o.ProviderID),
			zap.Error(err),
		)
	}
}
