package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/scalarorg/relayx/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestRequest(chainID uint64, payment types.Payment) *types.RelayRequest {
	req := types.NewRelayRequest(uuid.NewString(), time.Now())
	req.To = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	req.Data = common.FromHex("0xe9ae5c530000")
	req.ChainID = chainID
	req.Payment = payment
	req.GasLimit = 21000
	return req
}

// runRequestStoreSuite checks the behaviour every backend must share.
func runRequestStoreSuite(t *testing.T, store RequestStore) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		req := newTestRequest(1, types.Erc20Payment{TokenAddress: common.HexToAddress("0x1")})
		require.NoError(t, store.Create(ctx, req))

		got, err := store.Get(ctx, req.ID)
		require.NoError(t, err)
		require.Equal(t, req.ID, got.ID)
		require.Equal(t, types.StatusPending, got.Status)
		require.Equal(t, req.Payment, got.Payment)
		require.Equal(t, req.Data, got.Data)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateIsAllOrNothing", func(t *testing.T) {
		existing := newTestRequest(1, types.SponsoredPayment{})
		require.NoError(t, store.Create(ctx, existing))

		fresh := newTestRequest(10, types.SponsoredPayment{})
		dup := *existing
		err := store.Create(ctx, fresh, &dup)
		require.ErrorIs(t, err, ErrDuplicate)

		_, err = store.Get(ctx, fresh.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateFollowsStateMachine", func(t *testing.T) {
		req := newTestRequest(1, types.NativePayment{})
		require.NoError(t, store.Create(ctx, req))

		require.NoError(t, req.TransitionTo(types.StatusSubmitted, time.Now()))
		require.NoError(t, store.Update(ctx, req, types.StatusPending))

		// stale expectation
		err := store.Update(ctx, req, types.StatusPending)
		require.ErrorIs(t, err, ErrConflict)

		require.NoError(t, req.TransitionTo(types.StatusSucceeded, time.Now()))
		require.NoError(t, store.Update(ctx, req, types.StatusSubmitted))

		req.Status = types.StatusResubmitted
		err = store.Update(ctx, req, types.StatusSucceeded)
		require.ErrorIs(t, err, ErrInvalidTransition)

		got, err := store.Get(ctx, req.ID)
		require.NoError(t, err)
		require.Equal(t, types.StatusSucceeded, got.Status)
	})

	t.Run("ScanAndCountByStatus", func(t *testing.T) {
		before, err := store.CountByStatus(ctx, types.StatusFailedOffchain)
		require.NoError(t, err)

		req := newTestRequest(1, types.NativePayment{})
		require.NoError(t, store.Create(ctx, req))
		require.NoError(t, req.TransitionTo(types.StatusFailedOffchain, time.Now()))
		req.OffchainFailures = append(req.OffchainFailures, types.OffchainFailure{Message: "boom", Timestamp: time.Now().UTC()})
		require.NoError(t, store.Update(ctx, req, types.StatusPending))

		after, err := store.CountByStatus(ctx, types.StatusFailedOffchain)
		require.NoError(t, err)
		require.Equal(t, before+1, after)

		failed, err := store.ScanByStatus(ctx, types.StatusFailedOffchain)
		require.NoError(t, err)
		var found *types.RelayRequest
		for _, r := range failed {
			if r.ID == req.ID {
				found = r
			}
		}
		require.NotNil(t, found)
		require.Len(t, found.OffchainFailures, 1)

		pending, err := store.ScanByStatus(ctx, types.StatusPending)
		require.NoError(t, err)
		for _, r := range pending {
			require.NotEqual(t, req.ID, r.ID)
		}
	})

	t.Run("ConcurrentCreates", func(t *testing.T) {
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.Create(ctx, newTestRequest(1, types.SponsoredPayment{}))
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	})
}
