package inferpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultCallTimeout bounds one external inference call.
const DefaultCallTimeout = 60 * time.Second

// Router combines admission, provider selection, credential decryption and
// outcome recording behind RouteAndServe. The network call is delegated to
// the caller's InferenceFunc.
type Router struct {
	registry     *Registry
	affinity     *Affinity
	limiter      Limiter
	meter        Meter
	logger       *zap.Logger
	callTimeout  time.Duration
	defaultModel string
	retry        bool
}

// Option configures a Router.
type Option func(*Router)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithCallTimeout bounds each external call. A timeout counts as a provider
// failure.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) { r.callTimeout = d }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(r *Router) { r.defaultModel = model }
}

// WithRetry enables or disables the single re-route after a failed call
// (enabled by default).
func WithRetry(enabled bool) Option {
	return func(r *Router) { r.retry = enabled }
}

// NewRouter creates a Router.
func NewRouter(registry *Registry, affinity *Affinity, limiter Limiter, opts ...Option) (*Router, error) {
	if registry == nil || affinity == nil || limiter == nil {
		return nil, fmt.Errorf("inferpool: registry, affinity and limiter are required")
	}

	r := &Router{
		registry:    registry,
		affinity:    affinity,
		limiter:     limiter,
		callTimeout: DefaultCallTimeout,
		retry:       true,
	}
	for _, opt := range opts {
		opt(r)
	}

	// Apply defaults after options.
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

// RouteAndServe admits the request, resolves the session's provider, calls
// it through infer and records the outcome. A failed call is re-routed once
// to a freshly selected provider unless a partial response had started.
// The quota unit is consumed on admission and never refunded.
func (r *Router) RouteAndServe(ctx context.Context, req Request, infer InferenceFunc) (Result, error) {
	if err := r.validate(req, infer); err != nil {
		return Result{}, err
	}

	decision, err := r.limiter.Admit(ctx, req.Identity, req.Class)
	if err != nil {
		return Result{}, fmt.Errorf("inferpool: admit: %w", err)
	}
	r.meter.OnAdmit(AdmitEvent{
		Identity:   req.Identity,
		Class:      req.Class,
		Allowed:    decision.Allowed,
		RetryAfter: decision.RetryAfter,
	})
	if !decision.Allowed {
		return Result{}, &QuotaExceededError{
			Identity:   req.Identity,
			Class:      req.Class,
			RetryAfter: decision.RetryAfter,
		}
	}

	providerID, err := r.affinity.Resolve(ctx, req.SessionKey, req.Intent)
	if err != nil {
		return Result{}, err
	}

	maxAttempts := 1
	if r.retry {
		maxAttempts = 2
	}

	var rerouted bool
	for attempt := 1; ; attempt++ {
		r.meter.OnRoute(RouteEvent{
			Identity:   req.Identity,
			SessionKey: req.SessionKey,
			ProviderID: providerID,
			Intent:     req.Intent,
			Attempt:    attempt,
			Rerouted:   rerouted,
		})

		resp, callErr := r.attempt(ctx, providerID, req, infer)
		if callErr == nil {
			return Result{
				ProviderID: providerID,
				Response:   resp,
				Attempts:   attempt,
				Rerouted:   rerouted,
			}, nil
		}

		failure := &ProviderCallError{Err: callErr, ProviderID: providerID, Attempts: attempt}
		if attempt >= maxAttempts || errors.Is(callErr, ErrPartialResponse) || ctx.Err() != nil {
			return Result{}, failure
		}

		next, err := r.affinity.Reassign(ctx, req.SessionKey, req.Intent, providerID)
		if err != nil {
			r.logger.Warn("re-route failed",
				zap.String("session", req.SessionKey),
				zap.String("provider", providerID),
				zap.Error(err),
			)
			return Result{}, failure
		}
		r.logger.Info("re-routing after provider failure",
			zap.String("session", req.SessionKey),
			zap.String("from", providerID),
			zap.String("to", next),
			zap.Error(callErr),
		)
		providerID = next
		rerouted = true
	}
}

// attempt runs one call against providerID and records its outcome.
func (r *Router) attempt(ctx context.Context, providerID string, req Request, infer InferenceFunc) (Response, error) {
	cred, err := r.registry.Credential(ctx, providerID)
	if err != nil {
		r.record(ctx, Outcome{
			ProviderID: providerID,
			Source:     SourceRequest,
			Err:        err,
			Identity:   req.Identity,
			Class:      req.Class,
		})
		return Response{}, err
	}

	model := req.Model
	if model == "" {
		model = r.defaultModel
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	start := time.Now()
	res, err := infer(callCtx, Call{
		Credential: cred,
		Model:      model,
		Messages:   req.Messages,
	})
	duration := time.Since(start)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// The caller went away; the provider is not to blame.
			return Response{}, err
		}
		if timedOut && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		r.record(ctx, Outcome{
			ProviderID: providerID,
			Source:     SourceRequest,
			Latency:    duration,
			Err:        err,
			Identity:   req.Identity,
			Class:      req.Class,
		})
		return Response{}, err
	}

	tokens := res.TotalTokens
	if tokens <= 0 {
		tokens = EstimateUsage(req.Messages, res.Content)
	}
	latency := res.Latency
	if latency <= 0 {
		latency = duration
	}

	r.record(ctx, Outcome{
		ProviderID:  providerID,
		Source:      SourceRequest,
		Success:     true,
		Latency:     latency,
		TotalTokens: tokens,
		Identity:    req.Identity,
		Class:       req.Class,
	})
	return Response{Content: res.Content, TotalTokens: tokens, Latency: latency}, nil
}

func (r *Router) record(ctx context.Context, o Outcome) {
	if err := r.registry.RecordOutcome(ctx, o); err != nil {
		r.logger.Warn("record outcome failed",
			zap.String("provider", o.ProviderID),
			zap.Error(err),
		)
	}
}

func (r *Router) validate(req Request, infer InferenceFunc) error {
	switch {
	case infer == nil:
		return &FormatError{Field: "inference", Reason: "function is required"}
	case strings.TrimSpace(req.Identity) == "":
		return &FormatError{Field: "identity", Reason: "required"}
	case !req.Class.Valid():
		return &FormatError{Field: "identity_class", Reason: fmt.Sprintf("unknown class %q", req.Class)}
	case strings.TrimSpace(req.SessionKey) == "":
		return &FormatError{Field: "session_key", Reason: "required"}
	case len(req.Messages) == 0:
		return &FormatError{Field: "messages", Reason: "at least one message is required"}
	}
	return nil
}
