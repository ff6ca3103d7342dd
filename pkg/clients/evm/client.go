package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
)

const (
	DialMaxElapsed = 30 * time.Second
)

// EvmClient is the ChainClient of one EVM network.
type EvmClient struct {
	EvmConfig *config.ChainConfig
	Client    *ethclient.Client
	rpcClient *rpc.Client
	gasPrice  *big.Int
}

var _ ChainClient = (*EvmClient)(nil)

func NewEvmClient(ctx context.Context, evmConfig *config.ChainConfig) (*EvmClient, error) {
	log.Info().Uint64("chainId", evmConfig.ChainID).Str("name", evmConfig.Name).
		Msg("[EvmClient] [NewEvmClient] connecting to EVM network")

	var rpcClient *rpc.Client
	dial := func() error {
		var err error
		rpcClient, err = rpc.DialContext(ctx, evmConfig.RPCUrl)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = DialMaxElapsed
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Uint64("chainId", evmConfig.ChainID).Dur("retryIn", next).
			Msg("[EvmClient] [NewEvmClient] dial failed")
	}
	if err := backoff.RetryNotify(dial, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to EVM network %d: %w", evmConfig.ChainID, err)
	}
	return newEvmClient(evmConfig, rpcClient)
}

// NewEvmClientFromRPC wraps an existing rpc client, e.g. an in-process one.
func NewEvmClientFromRPC(evmConfig *config.ChainConfig, rpcClient *rpc.Client) (*EvmClient, error) {
	return newEvmClient(evmConfig, rpcClient)
}

func newEvmClient(evmConfig *config.ChainConfig, rpcClient *rpc.Client) (*EvmClient, error) {
	client := &EvmClient{
		EvmConfig: evmConfig,
		Client:    ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
	}
	if evmConfig.GasPrice != "" {
		gasPrice, ok := new(big.Int).SetString(evmConfig.GasPrice, 10)
		if !ok {
			return nil, fmt.Errorf("invalid gas_price %q for chain %d", evmConfig.GasPrice, evmConfig.ChainID)
		}
		client.gasPrice = gasPrice
	}
	return client, nil
}

func (c *EvmClient) ChainID() uint64 {
	return c.EvmConfig.ChainID
}

func (c *EvmClient) Call(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return c.Client.CallContract(ctx, msg, block)
}

func (c *EvmClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.Client.EstimateGas(ctx, msg)
}

// GasPrice is the chain's single gas price source: the configured fixed
// price when set, eth_gasPrice otherwise.
func (c *EvmClient) GasPrice(ctx context.Context) (*big.Int, error) {
	if c.gasPrice != nil {
		return new(big.Int).Set(c.gasPrice), nil
	}
	return c.Client.SuggestGasPrice(ctx)
}

func (c *EvmClient) GasTipCap(ctx context.Context) (*big.Int, error) {
	return c.Client.SuggestGasTipCap(ctx)
}

// BaseFee returns nil on chains configured as legacy or without a base fee.
func (c *EvmClient) BaseFee(ctx context.Context) (*big.Int, error) {
	if c.EvmConfig.Legacy {
		return nil, nil
	}
	header, err := c.Client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	return header.BaseFee, nil
}

func (c *EvmClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.Client.PendingNonceAt(ctx, account)
}

func (c *EvmClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	err := c.rpcClient.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	return hash, err
}

func (c *EvmClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.Client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ethereum.NotFound
	}
	return receipt, err
}

func (c *EvmClient) Close() {
	c.Client.Close()
}
