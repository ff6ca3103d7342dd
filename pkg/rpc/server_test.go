package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/scalarorg/relayx/config"
	"github.com/scalarorg/relayx/pkg/clients/evm"
	"github.com/scalarorg/relayx/pkg/clients/evm/evmtest"
	"github.com/scalarorg/relayx/pkg/clients/price"
	"github.com/scalarorg/relayx/pkg/db"
	"github.com/scalarorg/relayx/pkg/events"
	"github.com/scalarorg/relayx/pkg/exchange"
	"github.com/scalarorg/relayx/pkg/relay"
	"github.com/scalarorg/relayx/pkg/rpc"
	"github.com/scalarorg/relayx/pkg/types"
	"github.com/stretchr/testify/require"
)

const target = "0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa"

func newAPI(t *testing.T) *rpc.RelayerAPI {
	ctx := context.Background()
	cfg := &config.Config{
		Relay: config.RelayConfig{
			FeeCollector:       "0x00000000000000000000000000000000000000fe",
			EntryPointSelector: config.DefaultEntryPointSelector,
			SimulatePayments:   []string{"native"},
			SimulationTimeout:  time.Second,
			QuoteValidity:      time.Minute,
		},
		Chains: []config.ChainConfig{{
			ChainID:  1,
			GasLimit: config.DefaultGasLimit,
			Native:   config.NativeConfig{Symbol: "ETH", Decimals: 18, UsdPrice: "2000"},
		}},
	}
	clients := evm.Clients{1: evmtest.NewFakeChain()}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signers := evm.Signers{1: evm.NewLocalSignerFromKey(1, key)}

	store, err := db.NewCountingStore(ctx, db.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	simulator, err := relay.NewSimulator(cfg, clients, signers)
	require.NoError(t, err)
	static, err := price.NewStaticSource(cfg.Chains)
	require.NoError(t, err)
	engine := exchange.NewEngine(exchange.NewTokenRegistry(cfg.Chains), clients, static,
		cfg.FeeCollector(), cfg.Relay.QuoteValidity)
	relayer := relay.NewRelayer(cfg, relay.NewValidator(clients), simulator, store, events.NewEventBus(16), engine)
	return rpc.NewRelayerAPI(relayer, relay.NewStatusAggregator(store), relay.NewHealth(store.Counters(), time.Now()))
}

func dial(t *testing.T) *gethrpc.Client {
	server, err := rpc.NewRPCServer(newAPI(t))
	require.NoError(t, err)
	client := gethrpc.DialInProc(server)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	return client
}

func TestSendAndStatusOverRPC(t *testing.T) {
	client := dial(t)
	ctx := context.Background()

	var sent types.SendTransactionResult
	err := client.CallContext(ctx, &sent, "relayer_sendTransaction", types.SendTransactionRequest{
		To: target, Data: "0x1234", ChainID: "1",
		Capabilities: types.Capabilities{Payment: &types.PaymentInput{Type: "sponsored"}},
	})
	require.NoError(t, err)
	require.Equal(t, "1", sent.ChainID)

	var statuses []types.StatusResult
	err = client.CallContext(ctx, &statuses, "relayer_getStatus", types.GetStatusRequest{IDs: []string{sent.ID, "nonexistent"}})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, sent.ID, statuses[0].ID)
	require.Equal(t, 201, statuses[0].Status)
	require.Equal(t, 404, statuses[1].Status)
	require.Empty(t, statuses[1].Receipts)
}

func TestInvalidParamsErrorCode(t *testing.T) {
	client := dial(t)

	var sent types.SendTransactionResult
	err := client.CallContext(context.Background(), &sent, "relayer_sendTransaction", types.SendTransactionRequest{
		To: target, Data: "0x1234", ChainID: "0x1",
		Capabilities: types.Capabilities{Payment: &types.PaymentInput{Type: "sponsored"}},
	})
	require.Error(t, err)
	var rpcErr gethrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, relay.CodeInvalidParams, rpcErr.ErrorCode())
}

func TestCapabilitiesAndHealthOverRPC(t *testing.T) {
	client := dial(t)
	ctx := context.Background()

	var caps types.CapabilitiesResult
	require.NoError(t, client.CallContext(ctx, &caps, "relayer_getCapabilities"))
	require.NotEmpty(t, caps.Capabilities.Payment)

	var health types.HealthResult
	require.NoError(t, client.CallContext(ctx, &health, "health_check"))
	require.Equal(t, "healthy", health.Status)

	require.NoError(t, client.CallContext(ctx, &health, "relayer_health"))
	require.Equal(t, "healthy", health.Status)
}

func TestExchangeRateOverRPC(t *testing.T) {
	client := dial(t)

	var results []types.ExchangeRateResult
	err := client.CallContext(context.Background(), &results, "relayer_getExchangeRate", []types.ExchangeRateRequest{
		{Token: "0x0000000000000000000000000000000000000000", ChainID: "1"},
		{Token: "0x0000000000000000000000000000000000000000", ChainID: "999"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].Quote)
	require.NotNil(t, results[1].Error)
	require.Equal(t, types.ErrCodeUnsupportedChain, results[1].Error.Code)
}

func newHTTPServer(t *testing.T, cfg config.HttpConfig) *httptest.Server {
	server, err := rpc.NewServer(cfg, newAPI(t))
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPTransport(t *testing.T) {
	ts := newHTTPServer(t, config.HttpConfig{
		MaxConcurrentRequests: 4,
		RequestTimeout:        time.Second,
		BodyLimit:             "1M",
		Cors:                  []string{"*"},
	})

	resp, err := http.Post(ts.URL+"/", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"relayer_getStatus","params":[{"ids":["nonexistent"]}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Result []types.StatusResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Result, 1)
	require.Equal(t, 404, body.Result[0].Status)

	health, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestHTTPBodyLimit(t *testing.T) {
	ts := newHTTPServer(t, config.HttpConfig{MaxConcurrentRequests: 4, RequestTimeout: time.Second, BodyLimit: "1K"})

	payload := `{"jsonrpc":"2.0","id":1,"method":"relayer_health","params":["` + strings.Repeat("a", 4096) + `"]}`
	resp, err := http.Post(ts.URL+"/", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
