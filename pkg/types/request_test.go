package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/scalarorg/relayx/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestStatusCodes(t *testing.T) {
	cases := map[types.Status]int{
		types.StatusPending:        201,
		types.StatusSubmitted:      201,
		types.StatusResubmitted:    201,
		types.StatusSucceeded:      200,
		types.StatusFailedOffchain: 400,
		types.StatusFailedOnchain:  500,
	}
	for status, code := range cases {
		require.Equal(t, code, status.Code(), status)
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, from := range types.AllStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range types.AllStatuses {
			require.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestForwardTransitions(t *testing.T) {
	require.True(t, types.StatusPending.CanTransitionTo(types.StatusSubmitted))
	require.True(t, types.StatusPending.CanTransitionTo(types.StatusFailedOffchain))
	require.False(t, types.StatusPending.CanTransitionTo(types.StatusSucceeded))
	require.True(t, types.StatusSubmitted.CanTransitionTo(types.StatusResubmitted))
	require.True(t, types.StatusResubmitted.CanTransitionTo(types.StatusFailedOnchain))
	require.False(t, types.StatusSubmitted.CanTransitionTo(types.StatusPending))
}

func TestTouchIsMonotonic(t *testing.T) {
	now := time.Now()
	req := types.NewRelayRequest("id", now)
	req.Touch(now.Add(-time.Hour))
	require.Equal(t, now.UTC(), req.UpdatedAt)
	req.Touch(now.Add(time.Minute))
	require.Equal(t, now.Add(time.Minute).UTC(), req.UpdatedAt)
}

func TestTransitionRejectsTerminalWrites(t *testing.T) {
	req := types.NewRelayRequest("id", time.Now())
	require.NoError(t, req.TransitionTo(types.StatusSubmitted, time.Now()))
	require.NoError(t, req.TransitionTo(types.StatusSucceeded, time.Now()))
	require.Error(t, req.TransitionTo(types.StatusResubmitted, time.Now()))
	require.Equal(t, types.StatusSucceeded, req.Status)
}

func TestRelayRequestKeepsPaymentVariant(t *testing.T) {
	token := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	payments := []types.Payment{
		types.NativePayment{},
		types.Erc20Payment{TokenAddress: token},
		types.SponsoredPayment{},
	}
	for _, payment := range payments {
		req := types.NewRelayRequest("id", time.Now())
		req.ChainID = 1
		req.Data = []byte{0xe9, 0xae, 0x5c, 0x53}
		req.Payment = payment
		raw, err := json.Marshal(req)
		require.NoError(t, err)

		var decoded types.RelayRequest
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.Equal(t, payment, decoded.Payment)
		require.Equal(t, payment.Token(), decoded.Payment.Token())
	}
}

func TestPaymentDescriptorRejectsUnknownType(t *testing.T) {
	_, err := types.PaymentDescriptor{Type: "credit"}.Payment()
	require.Error(t, err)
}
