package orchestrator_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/scalarorg/relayx/config"
	"github.com/scalarorg/relayx/pkg/clients/evm"
	"github.com/scalarorg/relayx/pkg/clients/evm/evmtest"
	"github.com/scalarorg/relayx/pkg/db"
	"github.com/scalarorg/relayx/pkg/events"
	"github.com/scalarorg/relayx/pkg/orchestrator"
	"github.com/scalarorg/relayx/pkg/types"
	"github.com/stretchr/testify/require"
)

const chainID = 1

type harness struct {
	orch   *orchestrator.Orchestrator
	store  *db.CountingStore
	chain  *evmtest.FakeChain
	bus    *events.EventBus
	signer *evm.LocalSigner
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		Workers:            4,
		QueueSize:          64,
		ScanInterval:       20 * time.Millisecond,
		StallTimeout:       time.Hour,
		ReceiptTimeout:     time.Second,
		BroadcastTimeout:   time.Second,
		MaxResubmissions:   5,
		FeeBumpPercent:     20,
		MaxBroadcastErrors: 3,
		MaxPollErrors:      3,
	}
}

func newHarness(t *testing.T, cfg config.OrchestratorConfig) *harness {
	store, err := db.NewCountingStore(context.Background(), db.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	h := &harness{
		store:  store,
		chain:  evmtest.NewFakeChain(),
		bus:    events.NewEventBus(64),
		signer: evm.NewLocalSignerFromKey(chainID, key),
	}
	h.orch = orchestrator.NewOrchestrator(cfg, store, evm.Clients{chainID: h.chain},
		evm.Signers{chainID: h.signer}, h.bus)
	return h
}

func (h *harness) admit(t *testing.T) *types.RelayRequest {
	req := types.NewRelayRequest(uuid.NewString(), time.Now())
	req.To = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	req.Data = common.FromHex("0xe9ae5c5301")
	req.ChainID = chainID
	req.Payment = types.SponsoredPayment{}
	req.GasLimit = 100000
	require.NoError(t, h.store.Create(context.Background(), req))
	return req
}

func (h *harness) get(t *testing.T, id string) *types.RelayRequest {
	req, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (h *harness) step(t *testing.T, id string) *types.RelayRequest {
	require.NoError(t, h.orch.Process(context.Background(), id))
	return h.get(t, id)
}

func (h *harness) requireCountersMatchStore(t *testing.T) {
	for _, status := range types.AllStatuses {
		n, err := h.store.CountByStatus(context.Background(), status)
		require.NoError(t, err)
		require.Equal(t, n, h.store.Counters().Count(status), "status %s", status)
	}
}

func TestSubmitAndSucceed(t *testing.T) {
	h := newHarness(t, testConfig())
	h.chain.SetPendingNonce(7)
	req := h.admit(t)

	submitted := h.step(t, req.ID)
	require.Equal(t, types.StatusSubmitted, submitted.Status)
	require.Len(t, submitted.Attempts, 1)
	sent := h.chain.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, submitted.Attempts[0].Hash, sent[0].Hash())
	require.Equal(t, uint64(7), sent[0].Nonce())
	require.Equal(t, req.GasLimit, sent[0].Gas())
	require.Equal(t, req.To, *sent[0].To())
	require.Equal(t, uint8(ethTypes.LegacyTxType), sent[0].Type())

	unchanged := h.step(t, req.ID)
	require.Equal(t, types.StatusSubmitted, unchanged.Status)
	require.Len(t, h.chain.Sent(), 1)

	h.chain.Mine(sent[0].Hash(), ethTypes.ReceiptStatusSuccessful, 100)
	done := h.step(t, req.ID)
	require.Equal(t, types.StatusSucceeded, done.Status)
	require.Len(t, done.Receipts, 1)
	require.Equal(t, sent[0].Hash(), done.Receipts[0].TransactionHash)
	require.Equal(t, "1", done.Receipts[0].ChainID)

	again := h.step(t, req.ID)
	require.Equal(t, done.UpdatedAt, again.UpdatedAt)
	require.Len(t, again.Receipts, 1)
	h.requireCountersMatchStore(t)
}

func TestDynamicFeeChainSendsDynamicTx(t *testing.T) {
	h := newHarness(t, testConfig())
	h.chain.BaseFeeWei = big.NewInt(100)
	h.chain.TipCapWei = big.NewInt(5)
	req := h.admit(t)
	h.step(t, req.ID)
	sent := h.chain.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, uint8(ethTypes.DynamicFeeTxType), sent[0].Type())
	require.Equal(t, big.NewInt(205), sent[0].GasFeeCap())
}

func TestRevertRecordsReason(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.admit(t)
	submitted := h.step(t, req.ID)

	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack("slippage")
	require.NoError(t, err)
	payload := append(common.FromHex("0x08c379a0"), packed...)
	h.chain.CallFn = func(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
		require.Equal(t, big.NewInt(55), block)
		require.Equal(t, h.signer.Address(), msg.From)
		return nil, &evmtest.RevertError{Data: payload}
	}
	h.chain.Mine(submitted.Attempts[0].Hash, ethTypes.ReceiptStatusFailed, 55)

	failed := h.step(t, req.ID)
	require.Equal(t, types.StatusFailedOnchain, failed.Status)
	require.Equal(t, 500, failed.Status.Code())
	require.Len(t, failed.Receipts, 1)
	require.Len(t, failed.OnchainFailures, 1)
	require.Equal(t, "slippage", failed.OnchainFailures[0].Message)
	require.Equal(t, payload, []byte(failed.OnchainFailures[0].Data))
	require.Equal(t, submitted.Attempts[0].Hash, failed.OnchainFailures[0].TransactionHash)
}

func TestStallResubmitsWithSameNonce(t *testing.T) {
	cfg := testConfig()
	cfg.StallTimeout = time.Nanosecond
	h := newHarness(t, cfg)
	req := h.admit(t)

	submitted := h.step(t, req.ID)
	require.Equal(t, types.StatusSubmitted, submitted.Status)
	resubmitted := h.step(t, req.ID)
	require.Equal(t, types.StatusResubmitted, resubmitted.Status)

	sent := h.chain.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, sent[0].Nonce(), sent[1].Nonce())
	require.Equal(t, 1, sent[1].GasPrice().Cmp(sent[0].GasPrice()))
	require.Len(t, resubmitted.Resubmissions, 1)
	require.Equal(t, types.Resubmission{
		Status:          201,
		TransactionHash: sent[1].Hash(),
		ChainID:         "1",
	}, resubmitted.Resubmissions[0])
	require.Equal(t, 201, resubmitted.Status.Code())

	// the first attempt is still tracked after it was superseded
	h.chain.Mine(sent[0].Hash(), ethTypes.ReceiptStatusSuccessful, 9)
	done := h.step(t, req.ID)
	require.Equal(t, types.StatusSucceeded, done.Status)
	require.Equal(t, sent[0].Hash(), done.Receipts[0].TransactionHash)
}

func TestResubmissionBudget(t *testing.T) {
	cfg := testConfig()
	cfg.StallTimeout = time.Nanosecond
	cfg.MaxResubmissions = 2
	h := newHarness(t, cfg)
	req := h.admit(t)

	var current *types.RelayRequest
	for i := 0; i < 10; i++ {
		current = h.step(t, req.ID)
		if current.Status.IsTerminal() {
			break
		}
	}
	require.Equal(t, types.StatusFailedOffchain, current.Status)
	require.Equal(t, 400, current.Status.Code())
	require.Len(t, current.Resubmissions, 2)
	require.Len(t, current.OffchainFailures, 1)
	require.Len(t, h.chain.Sent(), 3)
	h.requireCountersMatchStore(t)
}

func TestRejectedReplacementKeepsTrackingEarlierAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.StallTimeout = time.Nanosecond
	h := newHarness(t, cfg)
	req := h.admit(t)

	submitted := h.step(t, req.ID)
	require.Equal(t, types.StatusSubmitted, submitted.Status)
	original := submitted.Attempts[0].Hash

	h.chain.Update(func(f *evmtest.FakeChain) {
		f.SendFn = func(tx *ethTypes.Transaction) error {
			return errors.New("insufficient funds for gas * price + value")
		}
	})
	rejected := h.step(t, req.ID)
	require.Equal(t, types.StatusSubmitted, rejected.Status)
	require.Len(t, rejected.Attempts, 1)
	require.Equal(t, 1, rejected.BroadcastErrors)
	require.Empty(t, rejected.Resubmissions)
	require.Empty(t, rejected.OffchainFailures)

	h.chain.Mine(original, ethTypes.ReceiptStatusSuccessful, 12)
	done := h.step(t, req.ID)
	require.Equal(t, types.StatusSucceeded, done.Status)
	require.Len(t, done.Receipts, 1)
	require.Equal(t, original, done.Receipts[0].TransactionHash)
	h.requireCountersMatchStore(t)
}

func TestRejectedReplacementsExhaustBudget(t *testing.T) {
	cfg := testConfig()
	cfg.StallTimeout = time.Nanosecond
	h := newHarness(t, cfg)
	req := h.admit(t)
	h.step(t, req.ID)
	h.chain.Update(func(f *evmtest.FakeChain) {
		f.SendFn = func(tx *ethTypes.Transaction) error { return errors.New("i/o timeout") }
	})

	var current *types.RelayRequest
	for i := 0; i < cfg.MaxBroadcastErrors; i++ {
		current = h.step(t, req.ID)
		require.Equal(t, types.StatusSubmitted, current.Status)
	}
	require.Equal(t, cfg.MaxBroadcastErrors, current.BroadcastErrors)

	failed := h.step(t, req.ID)
	require.Equal(t, types.StatusFailedOffchain, failed.Status)
	require.Len(t, failed.OffchainFailures, 1)
	require.Contains(t, failed.OffchainFailures[0].Message, "replacement rejected")
	require.Len(t, failed.Attempts, 1)
	require.Len(t, h.chain.Sent(), 1)
}

func TestFailedBroadcastResendsStoredAttempt(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.admit(t)
	h.chain.SendFn = func(tx *ethTypes.Transaction) error { return errors.New("connection refused") }

	pending := h.step(t, req.ID)
	require.Equal(t, types.StatusPending, pending.Status)
	require.Len(t, pending.Attempts, 1)
	require.False(t, pending.Attempts[0].Broadcast)
	require.Equal(t, 1, pending.BroadcastErrors)

	h.chain.Update(func(f *evmtest.FakeChain) { f.SendFn = nil })
	h.chain.SetPendingNonce(3)
	submitted := h.step(t, req.ID)
	require.Equal(t, types.StatusSubmitted, submitted.Status)
	require.Len(t, submitted.Attempts, 1)
	sent := h.chain.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, pending.Attempts[0].Hash, sent[0].Hash())
	require.Equal(t, pending.Attempts[0].Nonce, sent[0].Nonce())
}

func TestAlreadyKnownCountsAsBroadcast(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.admit(t)
	h.chain.SendFn = func(tx *ethTypes.Transaction) error { return errors.New("already known") }
	submitted := h.step(t, req.ID)
	require.Equal(t, types.StatusSubmitted, submitted.Status)
	require.True(t, submitted.Attempts[0].Broadcast)
}

func TestBroadcastFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	permanent := h.admit(t)
	h.chain.SendFn = func(tx *ethTypes.Transaction) error {
		return errors.New("insufficient funds for gas * price + value")
	}
	failed := h.step(t, permanent.ID)
	require.Equal(t, types.StatusFailedOffchain, failed.Status)
	require.Contains(t, failed.OffchainFailures[0].Message, "insufficient funds")

	h.chain.Update(func(f *evmtest.FakeChain) {
		f.SendFn = func(tx *ethTypes.Transaction) error { return errors.New("i/o timeout") }
	})
	transient := h.admit(t)
	var current *types.RelayRequest
	for i := 0; i < 3; i++ {
		current = h.step(t, transient.ID)
	}
	require.Equal(t, types.StatusFailedOffchain, current.Status)
	require.Equal(t, 3, current.BroadcastErrors)
	require.Len(t, current.Attempts, 1)
	h.requireCountersMatchStore(t)
}

func TestPollErrorBudget(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.admit(t)
	h.step(t, req.ID)
	h.chain.Update(func(f *evmtest.FakeChain) { f.ReceiptErr = errors.New("503 service unavailable") })

	current := h.step(t, req.ID)
	require.Equal(t, types.StatusSubmitted, current.Status)
	require.Equal(t, 1, current.PollErrors)
	h.step(t, req.ID)
	current = h.step(t, req.ID)
	require.Equal(t, types.StatusFailedOffchain, current.Status)
	require.Len(t, current.OffchainFailures, 1)
}

func TestNoncesAreSequentialAcrossRequests(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.admit(t)
	second := h.admit(t)
	h.step(t, first.ID)
	h.step(t, second.ID)
	sent := h.chain.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, uint64(0), sent[0].Nonce())
	require.Equal(t, uint64(1), sent[1].Nonce())
}

func TestWorkersDriveAdmittedAndRecoveredRequests(t *testing.T) {
	h := newHarness(t, testConfig())
	// admitted before start: only the startup scan can find it
	recovered := h.admit(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.orch.Wait()
	})

	admitted := h.admit(t)
	h.bus.BroadcastEvent(&events.EventEnvelope{Topic: events.EVENT_RELAY_ADMITTED, RequestID: admitted.ID, ChainID: chainID})

	for _, id := range []string{recovered.ID, admitted.ID} {
		require.Eventually(t, func() bool {
			req, err := h.store.Get(context.Background(), id)
			return err == nil && req.Status == types.StatusSubmitted
		}, 5*time.Second, 10*time.Millisecond)
	}
	resolved := h.bus.Subscribe(events.EVENT_RELAY_RESOLVED)
	for _, id := range []string{recovered.ID, admitted.ID} {
		h.chain.Mine(h.get(t, id).Attempts[0].Hash, ethTypes.ReceiptStatusSuccessful, 12)
	}
	for _, id := range []string{recovered.ID, admitted.ID} {
		require.Eventually(t, func() bool {
			req, err := h.store.Get(context.Background(), id)
			return err == nil && req.Status == types.StatusSucceeded
		}, 5*time.Second, 10*time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(resolved) == 2 }, time.Second, 10*time.Millisecond)
	require.Len(t, h.chain.Sent(), 2)
	h.requireCountersMatchStore(t)
}

func TestEnqueueDeduplicates(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	h := newHarness(t, cfg)
	require.True(t, h.orch.Enqueue("a"))
	require.False(t, h.orch.Enqueue("a"))
	require.False(t, h.orch.Enqueue("b"))
}
