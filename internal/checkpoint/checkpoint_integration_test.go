//go:build integration
// +build integration

package checkpoint //nolint:testpackage // shares fixtures with unit tests

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redisContainer "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedisContainer(t testing.TB) *redis.Client {
	ctx := context.Background()

	container, err := redisContainer.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

// TestRedisStore_Integration_ConcurrentProcesses simulates several processes,
// each with its own client, racing to mark overlapping batches.
func TestRedisStore_Integration_ConcurrentProcesses(t *testing.T) {
	base := setupRedisContainer(t)
	addr := base.Options().Addr
	ctx := context.Background()

	const procs = 6
	var wg sync.WaitGroup
	for p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := redis.NewClient(&redis.Options{Addr: addr})
			defer client.Close()
			store := NewRedisStore(client)
			for batch := range 10 {
				ids := make([]string, 20)
				for i := range ids {
					ids[i] = fmt.Sprintf("MH-%04d", (p+batch)*10+i)
				}
				_, err := store.MarkCompletedBatch(ctx, urgency1, ids)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	store := NewRedisStore(base)
	count, err := store.CompletedCount(ctx, urgency1)
	require.NoError(t, err)
	p, err := store.Progress(ctx, urgency1)
	require.NoError(t, err)
	assert.Equal(t, count, p.Completed, "counter matches set cardinality")
	assert.Equal(t, int64((procs-1+9)*10+20), count)
}

func TestRedisStore_Integration_FactoryReset(t *testing.T) {
	store := NewRedisStore(setupRedisContainer(t))
	ctx := context.Background()

	require.NoError(t, store.MarkCompleted(ctx, urgency1, "a"))
	require.NoError(t, store.RegisterWorker(ctx, urgency2, "h"))

	n, err := store.FactoryReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sum, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.TotalWorkers)
}
