package inferpool_test

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ip "github.com/ineyio/inferpool"
)

func TestResolve_StableWhileActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		h.register(t, "owner-"+name, credentialFor(name), 10)
	}

	first, err := h.affinity.Resolve(ctx, "sess-1", "chat")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		got, err := h.affinity.Resolve(ctx, "sess-1", "chat")
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestResolve_ReroutesInactiveProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.register(t, "owner-a", credentialFor("a"), 10)
	b := h.register(t, "owner-b", credentialFor("b"), 10)

	first, err := h.affinity.Resolve(ctx, "sess-1", "chat")
	require.NoError(t, err)
	other := b
	if first == b {
		other = a
	}

	h.fail(t, first, 2)

	got, err := h.affinity.Resolve(ctx, "sess-1", "chat")
	require.NoError(t, err)
	assert.Equal(t, other, got)

	asg, found, err := h.affinity.Assignment(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, other, asg.ProviderID)
}

func TestResolve_SuspendedProviderIsReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "owner-a", credentialFor("a"), 10)
	h.register(t, "owner-b", credentialFor("b"), 10)

	first, err := h.affinity.Resolve(ctx, "sess-1", "chat")
	require.NoError(t, err)
	require.NoError(t, h.registry.ForceDeactivate(ctx, operator, first, "abuse"))

	got, err := h.affinity.Resolve(ctx, "sess-1", "chat")
	require.NoError(t, err)
	assert.NotEqual(t, first, got)
}

func TestResolve_NoProviderAvailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.affinity.Resolve(ctx, "sess-1", "chat")
	assert.ErrorIs(t, err, ip.ErrNoProviderAvailable)
	assert.True(t, ip.IsRetryable(err))

	id := h.register(t, "owner-a", credentialFor("a"), 10)
	h.fail(t, id, 2)

	_, err = h.affinity.Resolve(ctx, "sess-1", "chat")
	assert.ErrorIs(t, err, ip.ErrNoProviderAvailable)
}

func TestResolve_RequiresSessionKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.affinity.Resolve(context.Background(), " ", "chat")
	assert.ErrorIs(t, err, ip.ErrInvalidRequest)
}

func TestResolve_UniformAcrossProviders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const (
		providers = 5
		sessions  = 3000
	)
	for i := 0; i < providers; i++ {
		name := fmt.Sprintf("p%d", i)
		h.register(t, "owner-"+name, credentialFor(name), 10)
	}

	counts := make(map[string]int)
	for i := 0; i < sessions; i++ {
		id, err := h.affinity.Resolve(ctx, fmt.Sprintf("sess-%d", i), "chat")
		require.NoError(t, err)
		counts[id]++
	}

	require.Len(t, counts, providers)
	expected := float64(sessions) / providers
	for id, n := range counts {
		assert.InDelta(t, expected, float64(n), expected*0.15, "provider %s got %d sessions", id, n)
	}
}

func TestResolve_ConcurrentFirstRequestsAgree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d"} {
		h.register(t, "owner-"+name, credentialFor(name), 10)
	}

	const workers = 64
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.affinity.Resolve(ctx, "shared", "chat")
			assert.NoError(t, err)
			results[i] = id
		}()
	}
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
	assert.Equal(t, 1, h.sessions.Len())
}

func TestReassign_PicksAnotherProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "owner-a", credentialFor("a"), 10)
	h.register(t, "owner-b", credentialFor("b"), 10)

	first, err := h.affinity.Resolve(ctx, "sess-1", "chat")
	require.NoError(t, err)

	next, err := h.affinity.Reassign(ctx, "sess-1", "chat", first)
	require.NoError(t, err)
	assert.NotEqual(t, first, next)

	got, err := h.affinity.Resolve(ctx, "sess-1", "chat")
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestReassign_OnlyExcludedProviderLeft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "owner-a", credentialFor("a"), 10)

	_, err := h.affinity.Resolve(ctx, "sess-1", "chat")
	require.NoError(t, err)

	_, err = h.affinity.Reassign(ctx, "sess-1", "chat", id)
	assert.ErrorIs(t, err, ip.ErrNoProviderAvailable)
}

func TestRemoveAndExpireIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "owner-a", credentialFor("a"), 10)

	for _, key := range []string{"s1", "s2", "s3"} {
		_, err := h.affinity.Resolve(ctx, key, "chat")
		require.NoError(t, err)
	}
	require.NoError(t, h.affinity.Remove(ctx, "s1"))
	_, found, err := h.affinity.Assignment(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)

	h.clock.Advance(2 * time.Hour)
	_, err = h.affinity.Resolve(ctx, "s2", "chat")
	require.NoError(t, err)

	n, err := h.affinity.ExpireIdle(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, err = h.affinity.Assignment(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = h.affinity.Assignment(ctx, "s3")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUniformSelector_Deterministic(t *testing.T) {
	candidates := make([]ip.Provider, 7)
	a := ip.NewUniformSelectorWithSeed(ip.SeedFromUint64(9))
	b := ip.NewUniformSelectorWithSeed(ip.SeedFromUint64(9))

	for i := 0; i < 100; i++ {
		x := a.Select(candidates)
		assert.Equal(t, x, b.Select(candidates))
		assert.GreaterOrEqual(t, x, 0)
		assert.Less(t, x, len(candidates))
	}
}

func TestUniformSelector_ConcurrentDraws(t *testing.T) {
	s := ip.NewUniformSelector()
	candidates := make([]ip.Provider, 4)

	var mu sync.Mutex
	counts := make([]int, len(candidates))
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int, len(candidates))
			for i := 0; i < 1000; i++ {
				local[s.Select(candidates)]++
			}
			mu.Lock()
			for i, n := range local {
				counts[i] += n
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, n := range counts {
		assert.Less(t, math.Abs(float64(n)-2000), 300.0)
	}
}
