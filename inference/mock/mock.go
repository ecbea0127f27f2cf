// Package mock provides an in-process compute backend for tests and
// examples. It implements both the inference call and the capability probe,
// keyed by the credential the core hands over.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ineyio/inferpool"
)

// ErrUnknownCredential is returned for credentials the backend rejects.
var ErrUnknownCredential = errors.New("mock: credential not authorized")

// Account is the backend state for one credential.
type Account struct {
	CapacityUnits int64
	Models        []string
	Latency       time.Duration

	// Err, when set, fails every probe and call.
	Err error
	// CallErr, when set, fails calls only.
	CallErr error
	// Tokens are consumed one per call; when empty DefaultTokens is used.
	Tokens []int64

	calls  int
	probes int
}

// Backend is a mock compute network.
type Backend struct {
	mu            sync.Mutex
	accounts      map[string]*Account
	strict        bool
	content       string
	defaultTokens int64
	defaults      Account
}

var _ inferpool.Prober = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithStrict rejects credentials that were not added with Add.
func WithStrict() Option {
	return func(b *Backend) { b.strict = true }
}

// WithContent sets the response content.
func WithContent(s string) Option {
	return func(b *Backend) { b.content = s }
}

// WithDefaultTokens sets the token count reported when an account has no
// queued counts.
func WithDefaultTokens(n int64) Option {
	return func(b *Backend) { b.defaultTokens = n }
}

// WithDefaultCapacity sets the capacity reported for unknown credentials.
func WithDefaultCapacity(n int64) Option {
	return func(b *Backend) { b.defaults.CapacityUnits = n }
}

// New creates a mock backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		accounts:      make(map[string]*Account),
		content:       "Hello from mock provider",
		defaultTokens: 30,
		defaults: Account{
			CapacityUnits: 100,
			Models:        []string{"mock-model"},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add registers a credential with its account state.
func (b *Backend) Add(credential string, a Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := a
	if acc.Models == nil {
		acc.Models = b.defaults.Models
	}
	b.accounts[credential] = &acc
}

// SetError sets or clears the error of a credential's probes and calls.
func (b *Backend) SetError(credential string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account(credential).Err = err
}

// SetCallError sets or clears the error of a credential's calls.
func (b *Backend) SetCallError(credential string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account(credential).CallErr = err
}

// QueueTokens appends token counts returned by the next calls.
func (b *Backend) QueueTokens(credential string, tokens ...int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.account(credential)
	acc.Tokens = append(acc.Tokens, tokens...)
}

// Calls returns the number of inference calls made with a credential.
func (b *Backend) Calls(credential string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acc, ok := b.accounts[credential]; ok {
		return acc.calls
	}
	return 0
}

// Probes returns the number of probes made with a credential.
func (b *Backend) Probes(credential string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acc, ok := b.accounts[credential]; ok {
		return acc.probes
	}
	return 0
}

// Probe implements inferpool.Prober.
func (b *Backend) Probe(ctx context.Context, credential string) (inferpool.ProbeResult, error) {
	b.mu.Lock()
	acc, ok := b.lookup(credential)
	if !ok {
		b.mu.Unlock()
		return inferpool.ProbeResult{}, ErrUnknownCredential
	}
	acc.probes++
	res := inferpool.ProbeResult{
		CapacityUnits: acc.CapacityUnits,
		Models:        append([]string(nil), acc.Models...),
		Latency:       acc.Latency,
	}
	failure, latency := acc.Err, acc.Latency
	b.mu.Unlock()

	if err := wait(ctx, latency); err != nil {
		return inferpool.ProbeResult{}, err
	}
	if failure != nil {
		return inferpool.ProbeResult{}, failure
	}
	return res, nil
}

// Infer is an inferpool.InferenceFunc.
func (b *Backend) Infer(ctx context.Context, call inferpool.Call) (inferpool.CallResult, error) {
	b.mu.Lock()
	acc, ok := b.lookup(call.Credential)
	if !ok {
		b.mu.Unlock()
		return inferpool.CallResult{}, ErrUnknownCredential
	}
	acc.calls++
	failure := acc.Err
	if failure == nil {
		failure = acc.CallErr
	}
	tokens := b.defaultTokens
	if len(acc.Tokens) > 0 {
		tokens, acc.Tokens = acc.Tokens[0], acc.Tokens[1:]
	}
	latency := acc.Latency
	b.mu.Unlock()

	if err := wait(ctx, latency); err != nil {
		return inferpool.CallResult{}, err
	}
	if failure != nil {
		return inferpool.CallResult{}, failure
	}
	return inferpool.CallResult{
		Content:     b.content,
		TotalTokens: tokens,
		Latency:     latency,
	}, nil
}

// lookup must be called with b.mu held.
func (b *Backend) lookup(credential string) (*Account, bool) {
	if acc, ok := b.accounts[credential]; ok {
		return acc, true
	}
	if b.strict {
		return nil, false
	}
	acc := b.defaults
	acc.Models = append([]string(nil), b.defaults.Models...)
	b.accounts[credential] = &acc
	return &acc, true
}

// account must be called with b.mu held.
func (b *Backend) account(credential string) *Account {
	if acc, ok := b.accounts[credential]; ok {
		return acc
	}
	acc := b.defaults
	b.accounts[credential] = &acc
	return &acc
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
