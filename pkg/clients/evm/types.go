package evm

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
)

const COMPONENT_NAME = "EvmClient"

// ChainClient is everything the relay needs from one chain's node.
type ChainClient interface {
	Call(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	GasTipCap(ctx context.Context) (*big.Int, error)
	BaseFee(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	// TransactionReceipt returns ethereum.NotFound while the tx is not mined.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethTypes.Receipt, error)
}

// Registry resolves chain clients by chain id.
type Registry interface {
	Client(chainID uint64) (ChainClient, error)
	Supports(chainID uint64) bool
}

// Clients is a fixed Registry built at startup.
type Clients map[uint64]ChainClient

var _ Registry = Clients(nil)

func (c Clients) Client(chainID uint64) (ChainClient, error) {
	client, ok := c[chainID]
	if !ok {
		return nil, fmt.Errorf("unsupported chain id %d", chainID)
	}
	return client, nil
}

func (c Clients) Supports(chainID uint64) bool {
	_, ok := c[chainID]
	return ok
}

func (c Clients) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NewEvmClients dials every configured chain. A chain that cannot be reached
// fails startup; relaying to a subset of the configured chains is not
// supported.
func NewEvmClients(ctx context.Context, chains []config.ChainConfig) (Clients, error) {
	clients := make(Clients, len(chains))
	for i := range chains {
		client, err := NewEvmClient(ctx, &chains[i])
		if err != nil {
			for _, c := range clients {
				if evmClient, ok := c.(*EvmClient); ok {
					evmClient.Close()
				}
			}
			return nil, err
		}
		clients[chains[i].ChainID] = client
		log.Info().Uint64("chainId", chains[i].ChainID).Msg("[EvmClient] [NewEvmClients] chain ready")
	}
	return clients, nil
}
