//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/inferpool"
	providerpg "github.com/ineyio/inferpool/providerstore/postgres"
	"github.com/ineyio/inferpool/vault"
)

func newTestStore(t *testing.T) *providerpg.Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/inferpool_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}

	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := providerpg.New(pool, providerpg.WithTablePrefix(prefix))
	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() {
		pool.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %sproviders", prefix))
		pool.Close()
	})
	return s
}

func provider(id, fp string) inferpool.Provider {
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
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, provider("a", "fp-a")))
	assert.ErrorIs(t, s.Create(ctx, provider("b", "fp-a")), inferpool.ErrDuplicateProvider)

	p, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", p.Owner)
	assert.Equal(t, []byte{1, 2, 3}, p.Credential.Ciphertext)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, inferpool.ErrProviderNotFound)

	_, found, err := s.FindByFingerprint(ctx, "fp-a")
	require.NoError(t, err)
	assert.True(t, found)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdate_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, provider("a", "fp-a")))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
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
	assert.Equal(t, 40, p.ConsecutiveFailures)
}
