// Package quota provides Limiter implementations.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/inferpool"
)

// MemoryLimiter is an in-memory fixed-window Limiter. Counters are locked per
// identity and class, so admissions for different callers never contend.
type MemoryLimiter struct {
	policy inferpool.QuotaPolicy
	now    func() time.Time

	mu       sync.RWMutex
	counters map[counterKey]*counter
}

type counterKey struct {
	identity string
	class    inferpool.IdentityClass
}

type counter struct {
	mu     sync.Mutex
	states []inferpool.WindowState
}

var _ inferpool.Limiter = (*MemoryLimiter)(nil)

// Option configures MemoryLimiter.
type Option func(*MemoryLimiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLimiter) { l.now = now }
}

// NewMemoryLimiter creates an in-memory limiter for the given policy.
func NewMemoryLimiter(policy inferpool.QuotaPolicy, opts ...Option) *MemoryLimiter {
	l := &MemoryLimiter{
		policy:   policy,
		now:      time.Now,
		counters: make(map[counterKey]*counter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit atomically checks and increments every window of the class.
func (l *MemoryLimiter) Admit(_ context.Context, identity string, class inferpool.IdentityClass) (inferpool.Decision, error) {
	windows, err := l.policy.Windows(class)
	if err != nil {
		return inferpool.Decision{}, err
	}

	c := l.counter(identity, class, len(windows))
	c.mu.Lock()
	defer c.mu.Unlock()

	return inferpool.AdmitWindows(windows, c.states, l.now()), nil
}

// Remaining returns the admissions left in the tightest window.
func (l *MemoryLimiter) Remaining(_ context.Context, identity string, class inferpool.IdentityClass) (int64, error) {
	windows, err := l.policy.Windows(class)
	if err != nil {
		return 0, err
	}

	c := l.counter(identity, class, len(windows))
	c.mu.Lock()
	defer c.mu.Unlock()

	return inferpool.RemainingWindows(windows, c.states, l.now()), nil
}

// Reset drops all counters for an identity.
func (l *MemoryLimiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.counters {
		if k.identity == identity {
			delete(l.counters, k)
		}
	}
}

func (l *MemoryLimiter) counter(identity string, class inferpool.IdentityClass, n int) *counter {
	key := counterKey{identity: identity, class: class}

	l.mu.RLock()
	c, ok := l.counters[key]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after write lock.
	if c, ok := l.counters[key]; ok {
		return c
	}
	c = &counter{states: make([]inferpool.WindowState, n)}
	l.counters[key] = c
	return c
}
