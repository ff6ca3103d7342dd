package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scalarorg/relayx/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestCountersFollowWrites(t *testing.T) {
	ctx := context.Background()
	store, err := NewCountingStore(ctx, NewMemoryStore())
	require.NoError(t, err)

	a := newTestRequest(1, types.NativePayment{})
	b := newTestRequest(1, types.SponsoredPayment{})
	require.NoError(t, store.Create(ctx, a, b))
	require.Equal(t, uint64(2), store.Counters().Total())
	require.Equal(t, uint64(2), store.Counters().Count(types.StatusPending))

	require.NoError(t, a.TransitionTo(types.StatusSubmitted, time.Now()))
	require.NoError(t, store.Update(ctx, a, types.StatusPending))
	require.Equal(t, uint64(1), store.Counters().Count(types.StatusPending))
	require.Equal(t, uint64(1), store.Counters().Count(types.StatusSubmitted))

	// a failed write leaves the counters alone
	require.Error(t, store.Update(ctx, a, types.StatusPending))
	require.Equal(t, uint64(1), store.Counters().Count(types.StatusSubmitted))

	for _, status := range types.AllStatuses {
		stored, err := store.CountByStatus(ctx, status)
		require.NoError(t, err)
		require.Equal(t, stored, store.Counters().Count(status), status)
	}
}

func TestCountersSeedFromStore(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, backend.Create(ctx, newTestRequest(1, types.NativePayment{})))
	}
	store, err := NewCountingStore(ctx, backend)
	require.NoError(t, err)
	require.Equal(t, uint64(3), store.Counters().Total())
	require.Equal(t, uint64(3), store.Counters().Snapshot()[types.StatusPending])
}

func TestCountersConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	store, err := NewCountingStore(ctx, NewMemoryStore())
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, store.Create(ctx, newTestRequest(1, types.NativePayment{})))
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(n), store.Counters().Total())
	require.Equal(t, uint64(n), store.Counters().Count(types.StatusPending))
}
