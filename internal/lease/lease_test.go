package lease

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/paycore/internal/lease/config"
	"github.com/iurnickita/paycore/internal/store"
)

func testLockers(t *testing.T) map[string]Locker {
	t.Helper()
	lockers := map[string]Locker{"store": NewStoreLocker(store.NewMemStore())}

	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		return lockers
	}
	l, err := NewLocker(context.Background(), config.Config{RedisAddress: addr}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	lockers["redis"] = l
	return lockers
}

func TestTryAcquire(t *testing.T) {
	for name, locker := range testLockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := fmt.Sprintf("job-%d", time.Now().UnixNano())

			release, ok, err := locker.TryAcquire(ctx, job, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			// пока аренда держится, вторая попытка - no-op
			_, ok, err = locker.TryAcquire(ctx, job, time.Minute)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, release(ctx))

			release, ok, err = locker.TryAcquire(ctx, job, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, release(ctx))
		})
	}
}

func TestLeaseExpires(t *testing.T) {
	for name, locker := range testLockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := fmt.Sprintf("job-%d", time.Now().UnixNano())

			stale, ok, err := locker.TryAcquire(ctx, job, 20*time.Millisecond)
			require.NoError(t, err)
			require.True(t, ok)

			require.Eventually(t, func() bool {
				_, ok, err := locker.TryAcquire(ctx, job, time.Minute)
				return err == nil && ok
			}, time.Second, 10*time.Millisecond)

			// истекший держатель не снимает чужую аренду
			require.NoError(t, stale(ctx))
			_, ok, err = locker.TryAcquire(ctx, job, time.Minute)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}
