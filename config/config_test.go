package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scalarorg/relayx/config"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
	"relay": {"fee_collector": "0x1111111111111111111111111111111111111111"},
	"database": {"driver": "memory"},
	"chains": [
		{
			"chain_id": 1,
			"rpc_url": "http://localhost:8545",
			"private_key": "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
			"native": {"symbol": "ETH", "usd_price": "3000"},
			"tokens": [
				{"address": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "decimals": 6, "symbol": "USDC", "usd_price": "1"}
			]
		},
		{
			"chain_id": 10,
			"rpc_url": "http://localhost:9545",
			"entry_point_selector": "0x12345678",
			"native": {"usd_price": "3000"}
		}
	]
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayer.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("RELAYX_CHAIN_10_PRIVATE_KEY", "0x8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f")
	cfg, err := config.Load("", writeConfig(t, testConfig))
	require.NoError(t, err)

	require.Equal(t, 8545, cfg.Http.Port)
	require.Equal(t, 30*time.Second, cfg.Http.RequestTimeout)
	require.Equal(t, []string{"native"}, cfg.Relay.SimulatePayments)
	require.Equal(t, 20, cfg.Orchestrator.FeeBumpPercent)
	require.Equal(t, 5, cfg.Orchestrator.MaxResubmissions)
	require.Equal(t, uint64(config.DefaultGasLimit), cfg.Chains[0].GasLimit)
	require.Equal(t, uint8(18), cfg.Chains[0].Native.Decimals)
	require.Equal(t, uint64(1), cfg.Chains[0].Tokens[0].PriceFeedChainID)
	require.NotEmpty(t, cfg.Chains[1].PrivateKey)
}

func TestEntryPointSelectorOverride(t *testing.T) {
	t.Setenv("RELAYX_CHAIN_10_PRIVATE_KEY", "0x8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f")
	cfg, err := config.Load("", writeConfig(t, testConfig))
	require.NoError(t, err)
	require.Equal(t, config.DefaultEntryPointSelector, cfg.EntryPointSelector(1))
	require.Equal(t, "0x12345678", cfg.EntryPointSelector(10))
}

func TestValidateRejectsDuplicateChains(t *testing.T) {
	cfg := &config.Config{
		LogFormat: "json",
		Http:      config.HttpConfig{Host: "127.0.0.1", Port: 8545, MaxConcurrentRequests: 1, RequestTimeout: time.Second},
		Database:  config.DatabaseConfig{Driver: "memory"},
		Relay: config.RelayConfig{
			FeeCollector:       "0x1111111111111111111111111111111111111111",
			EntryPointSelector: config.DefaultEntryPointSelector,
			SimulationTimeout:  time.Second,
			QuoteValidity:      time.Second,
		},
		Orchestrator: config.OrchestratorConfig{
			Workers: 1, QueueSize: 1, ScanInterval: time.Second, StallTimeout: time.Second,
			ReceiptTimeout: time.Second, BroadcastTimeout: time.Second, FeeBumpPercent: 20,
			MaxBroadcastErrors: 1, MaxPollErrors: 1,
		},
		Price: config.PriceConfig{MaxAge: time.Hour},
		Chains: []config.ChainConfig{
			{ChainID: 1, RPCUrl: "http://a", PrivateKey: "0x01", Native: config.NativeConfig{UsdPrice: "1"}},
			{ChainID: 1, RPCUrl: "http://b", PrivateKey: "0x01", Native: config.NativeConfig{UsdPrice: "1"}},
		},
	}
	err := cfg.Validate()
	require.ErrorContains(t, err, "duplicate chain id 1")
}

func TestValidateRejectsBadFeeCollector(t *testing.T) {
	content := `{
		"relay": {"fee_collector": "0xshort"},
		"database": {"driver": "memory"},
		"chains": [{"chain_id": 1, "rpc_url": "http://a", "private_key": "0x01", "native": {"usd_price": "1"}}]
	}`
	_, err := config.Load("", writeConfig(t, content))
	require.ErrorContains(t, err, "invalid config")
}

func TestValidateRequiresTokenDecimals(t *testing.T) {
	t.Setenv("RELAYX_CHAIN_10_PRIVATE_KEY", "0x8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f")
	content := strings.Replace(testConfig, `"decimals": 6, `, "", 1)
	require.NotEqual(t, testConfig, content)
	_, err := config.Load("", writeConfig(t, content))
	require.ErrorContains(t, err, "Decimals")
}

func TestTokenDecimalsLoaded(t *testing.T) {
	t.Setenv("RELAYX_CHAIN_10_PRIVATE_KEY", "0x8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f")
	cfg, err := config.Load("", writeConfig(t, testConfig))
	require.NoError(t, err)
	require.Equal(t, uint8(6), cfg.Chains[0].Tokens[0].GetDecimals())
}
