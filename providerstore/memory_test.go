package providerstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/inferpool"
	"github.com/ineyio/inferpool/providerstore"
	"github.com/ineyio/inferpool/vault"
)

func provider(id, fp string, created time.Time) inferpool.Provider {
	return inferpool.Provider{
		ID:          id,
		Owner:       "owner-" + id,
		Name:        "node-" + id,
		Fingerprint: fp,
		Credential: vault.Record{
			Ciphertext: []byte{1, 2, 3},
			Nonce:      make([]byte, 12),
			AuthTag:    make([]byte, 16),
			Scheme:     vault.SchemeAEAD,
		},
		Models:    []string{"m"},
		CreatedAt: created,
	}
}

func TestCreateGetList(t *testing.T) {
	s := providerstore.NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, provider("b", "fp-b", t0.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, provider("a", "fp-a", t0)))

	assert.ErrorIs(t, s.Create(ctx, provider("c", "fp-a", t0)), inferpool.ErrDuplicateProvider)
	assert.ErrorIs(t, s.Create(ctx, provider("a", "fp-z", t0)), inferpool.ErrDuplicateProvider)

	p, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", p.Owner)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, inferpool.ErrProviderNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)

	found, ok, err := s.FindByFingerprint(ctx, "fp-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", found.ID)

	_, ok, err = s.FindByFingerprint(ctx, "fp-none")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetReturnsCopies(t *testing.T) {
	s := providerstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, provider("a", "fp-a", time.Now())))

	p, err := s.Get(ctx, "a")
	require.NoError(t, err)
	p.Models[0] = "changed"
	p.Credential.Ciphertext[0] = 99

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "m", again.Models[0])
	assert.Equal(t, byte(1), again.Credential.Ciphertext[0])
}

func TestUpdate(t *testing.T) {
	s := providerstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, provider("a", "fp-a", time.Now())))

	p, err := s.Update(ctx, "a", func(p *inferpool.Provider) error {
		p.CapacityUnits = 42
		p.Owner = "someone-else"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.CapacityUnits)
	assert.Equal(t, "owner-a", p.Owner)

	boom := errors.New("boom")
	_, err = s.Update(ctx, "a", func(p *inferpool.Provider) error {
		p.CapacityUnits = 1
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.CapacityUnits)

	_, err = s.Update(ctx, "missing", func(*inferpool.Provider) error { return nil })
	assert.ErrorIs(t, err, inferpool.ErrProviderNotFound)
}

func TestUpdate_Concurrent(t *testing.T) {
	s := providerstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, provider("a", "fp-a", time.Now())))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "a", func(p *inferpool.Provider) error {
				p.ConsecutiveFailures++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 100, p.ConsecutiveFailures)
}
