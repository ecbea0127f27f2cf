package inferpool_test

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ip "github.com/ineyio/inferpool"
)

func TestNewTransactionID_IncreasesWithinMillisecond(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := ip.NewTransactionID(at)
	for i := 0; i < 1000; i++ {
		id := ip.NewTransactionID(at)
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNewTransactionID_ConcurrentUnique(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	const workers, perWorker = 8, 200

	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, ip.NewTransactionID(at))
			}
			mu.Lock()
			ids = append(ids, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Strings(ids)
	for i := 1; i < len(ids); i++ {
		assert.NotEqual(t, ids[i-1], ids[i])
	}
	assert.Len(t, ids, workers*perWorker)
}
