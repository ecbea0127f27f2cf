package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/inferpool"
)

// PrometheusMeter exports routing events as Prometheus metrics.
type PrometheusMeter struct {
	admissions *prometheus.CounterVec
	routes     *prometheus.CounterVec
	results    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	tokens     *prometheus.CounterVec
}

var _ inferpool.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates the collectors and registers them with r.
func NewPrometheusMeter(r prometheus.Registerer) *PrometheusMeter {
	m := &PrometheusMeter{
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferpool_admissions_total",
				Help: "Quota decisions by identity class and result",
			},
			[]string{"class", "result"}, // allowed|rejected
		),
		routes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferpool_routes_total",
				Help: "Provider selections by kind",
			},
			[]string{"kind"}, // first|reroute
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferpool_provider_results_total",
				Help: "Provider call and probe outcomes",
			},
			[]string{"provider", "source", "result"}, // success|failure
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inferpool_provider_latency_seconds",
				Help:    "Provider call and probe latency",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"source"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferpool_tokens_total",
				Help: "Tokens served per provider",
			},
			[]string{"provider"},
		),
	}
	r.MustRegister(m.admissions, m.routes, m.results, m.latency, m.tokens)
	return m
}

func (m *PrometheusMeter) OnAdmit(e inferpool.AdmitEvent) {
	result := "allowed"
	if !e.Allowed {
		result = "rejected"
	}
	m.admissions.WithLabelValues(string(e.Class), result).Inc()
}

func (m *PrometheusMeter) OnRoute(e inferpool.RouteEvent) {
	kind := "first"
	if e.Rerouted {
		kind = "reroute"
	}
	m.routes.WithLabelValues(kind).Inc()
}

func (m *PrometheusMeter) OnResult(e inferpool.ResultEvent) {
	result := "success"
	if !e.Success {
		result = "failure"
	}
	m.results.WithLabelValues(e.ProviderID, string(e.Source), result).Inc()
	m.latency.WithLabelValues(string(e.Source)).Observe(e.Duration.Seconds())
	if e.Success && e.TotalTokens > 0 {
		m.tokens.WithLabelValues(e.ProviderID).Add(float64(e.TotalTokens))
	}
}

// Multi fans events out to several meters.
type Multi []inferpool.Meter

var _ inferpool.Meter = Multi(nil)

func (m Multi) OnAdmit(e inferpool.AdmitEvent) {
	for _, x := range m {
		x.OnAdmit(e)
	}
}

func (m Multi) OnRoute(e inferpool.RouteEvent) {
	for _, x := range m {
		x.OnRoute(e)
	}
}

func (m Multi) OnResult(e inferpool.ResultEvent) {
	for _, x := range m {
		x.OnResult(e)
	}
}
