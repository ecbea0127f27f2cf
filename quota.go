package inferpool

import (
	"context"
	"fmt"
	"time"
)

// Limiter admits or rejects requests per identity against fixed windows.
//
// Windows are fixed, starting at the first request after expiry, so a caller
// can burst up to twice a window's limit across a window edge. Admission is
// an atomic check-and-increment across every window of the class.
type Limiter interface {
	Admit(ctx context.Context, identity string, class IdentityClass) (Decision, error)

	// Remaining returns the admissions left in the tightest window.
	Remaining(ctx context.Context, identity string, class IdentityClass) (int64, error)
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int64
}

// Window is one fixed-window limit.
type Window struct {
	Name   string        `yaml:"name"`
	Length time.Duration `yaml:"length"`
	Limit  int64         `yaml:"limit"`
}

// QuotaPolicy maps each identity class to its windows.
type QuotaPolicy map[IdentityClass][]Window

// Default quota limits.
const (
	DefaultAnonymousDaily = 50
	DefaultDeveloperDaily = 500
	DefaultAgentDaily     = 5000
	DefaultAgentBurst     = 60
)

// DefaultQuotaPolicy returns the default limits per class.
func DefaultQuotaPolicy() QuotaPolicy {
	day := 24 * time.Hour
	return QuotaPolicy{
		ClassAnonymous: {{Name: "daily", Length: day, Limit: DefaultAnonymousDaily}},
		ClassDeveloper: {{Name: "daily", Length: day, Limit: DefaultDeveloperDaily}},
		ClassAgent: {
			{Name: "daily", Length: day, Limit: DefaultAgentDaily},
			{Name: "burst", Length: time.Minute, Limit: DefaultAgentBurst},
		},
	}
}

// Windows returns the windows for a class.
func (p QuotaPolicy) Windows(class IdentityClass) ([]Window, error) {
	ws, ok := p[class]
	if !ok || len(ws) == 0 {
		return nil, &FormatError{Field: "identity_class", Reason: fmt.Sprintf("no quota policy for %q", class)}
	}
	return ws, nil
}

// Validate checks every window.
func (p QuotaPolicy) Validate() error {
	for class, ws := range p {
		if !class.Valid() {
			return fmt.Errorf("inferpool: quota: unknown class %q", class)
		}
		names := make(map[string]bool, len(ws))
		for i, w := range ws {
			if w.Name == "" {
				return fmt.Errorf("inferpool: quota: %s window[%d]: name is required", class, i)
			}
			if names[w.Name] {
				return fmt.Errorf("inferpool: quota: %s: duplicate window %q", class, w.Name)
			}
			names[w.Name] = true
			if w.Length <= 0 {
				return fmt.Errorf("inferpool: quota: %s window %q: length must be positive", class, w.Name)
			}
			if w.Limit < 0 {
				return fmt.Errorf("inferpool: quota: %s window %q: limit must not be negative", class, w.Name)
			}
		}
	}
	return nil
}

// WindowState is the counter for one window.
type WindowState struct {
	Start time.Time
	Count int64
}

// AdmitWindows is the shared fixed-window decision used by Limiter
// implementations that hold the counters in process. It resets expired
// windows, then increments every window only if all of them have room.
// states must have one entry per window and is updated in place.
func AdmitWindows(windows []Window, states []WindowState, now time.Time) Decision {
	for i, w := range windows {
		if states[i].Start.IsZero() || now.Sub(states[i].Start) >= w.Length {
			states[i] = WindowState{Start: now}
		}
	}

	var retryAfter time.Duration
	for i, w := range windows {
		if states[i].Count >= w.Limit {
			if wait := states[i].Start.Add(w.Length).Sub(now); wait > retryAfter {
				retryAfter = wait
			}
		}
	}
	if retryAfter > 0 {
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	remaining := int64(-1)
	for i, w := range windows {
		states[i].Count++
		if left := w.Limit - states[i].Count; remaining < 0 || left < remaining {
			remaining = left
		}
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// RemainingWindows reports the admissions left without mutating states.
func RemainingWindows(windows []Window, states []WindowState, now time.Time) int64 {
	remaining := int64(-1)
	for i, w := range windows {
		count := states[i].Count
		if states[i].Start.IsZero() || now.Sub(states[i].Start) >= w.Length {
			count = 0
		}
		left := w.Limit - count
		if left < 0 {
			left = 0
		}
		if remaining < 0 || left < remaining {
			remaining = left
		}
	}
	return remaining
}
