package inferpool

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnAdmit is called after every quota decision.
	OnAdmit(event AdmitEvent)

	// OnRoute is called when a provider has been selected for an attempt.
	OnRoute(event RouteEvent)

	// OnResult is called when a provider call or probe has an outcome.
	OnResult(event ResultEvent)
}

// AdmitEvent describes a quota decision.
type AdmitEvent struct {
	Identity   string
	Class      IdentityClass
	Allowed    bool
	RetryAfter time.Duration
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	Identity   string
	SessionKey string
	ProviderID string
	Intent     string
	Attempt    int
	Rerouted   bool
}

// ResultEvent describes the outcome of a provider call or probe.
type ResultEvent struct {
	ProviderID  string
	Source      OutcomeSource
	Success     bool
	Duration    time.Duration
	TotalTokens int64
	Error       error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAdmit(AdmitEvent)   {}
func (noopMeter) OnRoute(RouteEvent)   {}
func (noopMeter) OnResult(ResultEvent) {}
