package inferpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Assignment binds a session to a provider.
type Assignment struct {
	SessionKey string    `json:"session_key"`
	ProviderID string    `json:"provider_id"`
	Intent     string    `json:"intent,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// SessionStore persists session assignments. At most one assignment exists
// per session key.
type SessionStore interface {
	Get(ctx context.Context, sessionKey string) (Assignment, bool, error)

	// PutIfAbsent stores a when no assignment exists for its key. It returns
	// the assignment that is stored afterwards and whether a was inserted.
	PutIfAbsent(ctx context.Context, a Assignment) (Assignment, bool, error)

	// Replace overwrites the assignment only if it still points at
	// expectedProviderID.
	Replace(ctx context.Context, expectedProviderID string, a Assignment) (bool, error)

	// Touch stamps LastUsedAt. Missing keys are ignored.
	Touch(ctx context.Context, sessionKey string, at time.Time) error

	Delete(ctx context.Context, sessionKey string) error

	// DeleteIdle removes assignments last used before the cutoff.
	DeleteIdle(ctx context.Context, before time.Time) (int, error)
}

// ProviderSource is the part of the Registry the affinity manager reads.
type ProviderSource interface {
	Get(ctx context.Context, id string) (Provider, error)
	ListActive(ctx context.Context) ([]Provider, error)
}

const maxResolveAttempts = 4

// Affinity resolves a stable provider per session.
type Affinity struct {
	providers ProviderSource
	store     SessionStore
	selector  Selector
	logger    *zap.Logger
	now       func() time.Time
}

// AffinityOption configures Affinity.
type AffinityOption func(*Affinity)

// WithSelector overrides the default UniformSelector.
func WithSelector(s Selector) AffinityOption {
	return func(a *Affinity) { a.selector = s }
}

// WithAffinityLogger sets the logger.
func WithAffinityLogger(l *zap.Logger) AffinityOption {
	return func(a *Affinity) { a.logger = l }
}

// WithAffinityClock overrides time.Now.
func WithAffinityClock(now func() time.Time) AffinityOption {
	return func(a *Affinity) { a.now = now }
}

// NewAffinity creates a session affinity manager.
func NewAffinity(providers ProviderSource, store SessionStore, opts ...AffinityOption) *Affinity {
	a := &Affinity{
		providers: providers,
		store:     store,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.selector == nil {
		a.selector = NewUniformSelector()
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Resolve returns the provider held by the session while it stays active,
// otherwise assigns a randomly selected active provider.
func (a *Affinity) Resolve(ctx context.Context, sessionKey, intent string) (string, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return "", &FormatError{Field: "session_key", Reason: "required"}
	}

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		cur, found, err := a.store.Get(ctx, sessionKey)
		if err != nil {
			return "", fmt.Errorf("inferpool: resolve session: %w", err)
		}

		if found {
			ok, err := a.active(ctx, cur.ProviderID)
			if err != nil {
				return "", err
			}
			if ok {
				a.touch(ctx, sessionKey)
				return cur.ProviderID, nil
			}
		}

		exclude := ""
		if found {
			exclude = cur.ProviderID
		}
		chosen, err := a.pick(ctx, exclude)
		if err != nil {
			return "", err
		}

		now := a.now()
		next := Assignment{
			SessionKey: sessionKey,
			ProviderID: chosen,
			Intent:     intent,
			AssignedAt: now,
			LastUsedAt: now,
		}

		if !found {
			winner, created, err := a.store.PutIfAbsent(ctx, next)
			if err != nil {
				return "", fmt.Errorf("inferpool: assign session: %w", err)
			}
			if created {
				return chosen, nil
			}
			// Lost the race: adopt the winner's provider if it is usable.
			if ok, err := a.active(ctx, winner.ProviderID); err != nil {
				return "", err
			} else if ok {
				a.touch(ctx, sessionKey)
				return winner.ProviderID, nil
			}
			continue
		}

		swapped, err := a.store.Replace(ctx, cur.ProviderID, next)
		if err != nil {
			return "", fmt.Errorf("inferpool: reassign session: %w", err)
		}
		if swapped {
			a.logger.Debug("session reassigned",
				zap.String("from", cur.ProviderID),
				zap.String("to", chosen),
			)
			return chosen, nil
		}
	}

	return "", fmt.Errorf("inferpool: resolve session: assignment kept changing under contention")
}

// Reassign moves a session to a freshly selected provider other than
// exclude. It is used for the single re-route after a failed call.
func (a *Affinity) Reassign(ctx context.Context, sessionKey, intent, exclude string) (string, error) {
	chosen, err := a.pick(ctx, exclude)
	if err != nil {
		return "", err
	}

	now := a.now()
	next := Assignment{
		SessionKey: sessionKey,
		ProviderID: chosen,
		Intent:     intent,
		AssignedAt: now,
		LastUsedAt: now,
	}

	swapped, err := a.store.Replace(ctx, exclude, next)
	if err != nil {
		return "", fmt.Errorf("inferpool: reassign session: %w", err)
	}
	if swapped {
		return chosen, nil
	}

	// Another request already moved the session, or it was removed.
	cur, found, err := a.store.Get(ctx, sessionKey)
	if err != nil {
		return "", fmt.Errorf("inferpool: reassign session: %w", err)
	}
	if !found {
		winner, _, err := a.store.PutIfAbsent(ctx, next)
		if err != nil {
			return "", fmt.Errorf("inferpool: reassign session: %w", err)
		}
		return winner.ProviderID, nil
	}
	if cur.ProviderID != exclude {
		if ok, err := a.active(ctx, cur.ProviderID); err == nil && ok {
			return cur.ProviderID, nil
		}
	}
	return a.Resolve(ctx, sessionKey, intent)
}

// Remove drops a session assignment immediately.
func (a *Affinity) Remove(ctx context.Context, sessionKey string) error {
	if err := a.store.Delete(ctx, sessionKey); err != nil {
		return fmt.Errorf("inferpool: remove session: %w", err)
	}
	return nil
}

// Assignment returns the current assignment for a session, if any.
func (a *Affinity) Assignment(ctx context.Context, sessionKey string) (Assignment, bool, error) {
	return a.store.Get(ctx, sessionKey)
}

// ExpireIdle drops assignments idle for longer than maxIdle.
func (a *Affinity) ExpireIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	n, err := a.store.DeleteIdle(ctx, a.now().Add(-maxIdle))
	if err != nil {
		return 0, fmt.Errorf("inferpool: expire idle sessions: %w", err)
	}
	if n > 0 {
		a.logger.Info("expired idle sessions", zap.Int("count", n), zap.Duration("max_idle", maxIdle))
	}
	return n, nil
}

// RunExpiry calls ExpireIdle every interval until ctx is done.
func (a *Affinity) RunExpiry(ctx context.Context, every, maxIdle time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ExpireIdle(ctx, maxIdle); err != nil {
				a.logger.Warn("session expiry failed", zap.Error(err))
			}
		}
	}
}

func (a *Affinity) pick(ctx context.Context, exclude string) (string, error) {
	active, err := a.providers.ListActive(ctx)
	if err != nil {
		return "", fmt.Errorf("inferpool: list active providers: %w", err)
	}

	candidates := make([]Provider, 0, len(active))
	for _, p := range active {
		if p.ID != exclude {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoProviderAvailable
	}
	return candidates[a.selector.Select(candidates)].ID, nil
}

func (a *Affinity) active(ctx context.Context, providerID string) (bool, error) {
	p, err := a.providers.Get(ctx, providerID)
	if errors.Is(err, ErrProviderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inferpool: load provider: %w", err)
	}
	return p.Active(), nil
}

func (a *Affinity) touch(ctx context.Context, sessionKey string) {
	if err := a.store.Touch(ctx, sessionKey, a.now()); err != nil {
		a.logger.Warn("session touch failed", zap.Error(err))
	}
}
