package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/scalarorg/relayx/config"
	"github.com/scalarorg/relayx/pkg/types"
)

type chainTokens struct {
	native types.TokenMetadata
	tokens map[common.Address]types.TokenMetadata
}

// TokenRegistry is the set of tokens accepted for fee payment, per chain.
type TokenRegistry struct {
	chains map[uint64]*chainTokens
	// erc20 keeps config order, deduplicated across chains.
	erc20 []common.Address
}

func NewTokenRegistry(chains []config.ChainConfig) *TokenRegistry {
	r := &TokenRegistry{chains: make(map[uint64]*chainTokens, len(chains))}
	seen := make(map[common.Address]bool)
	for _, chain := range chains {
		entry := &chainTokens{
			native: types.TokenMetadata{
				Address:  common.Address{},
				Decimals: chain.Native.Decimals,
				Symbol:   chain.Native.Symbol,
				Name:     chain.Native.Name,
			},
			tokens: make(map[common.Address]types.TokenMetadata, len(chain.Tokens)),
		}
		for _, token := range chain.Tokens {
			address := common.HexToAddress(token.Address)
			entry.tokens[address] = types.TokenMetadata{
				Address:  address,
				Decimals: token.GetDecimals(),
				Symbol:   token.Symbol,
				Name:     token.Name,
			}
			if !seen[address] {
				seen[address] = true
				r.erc20 = append(r.erc20, address)
			}
		}
		r.chains[chain.ChainID] = entry
	}
	return r
}

func (r *TokenRegistry) SupportsChain(chainID uint64) bool {
	_, ok := r.chains[chainID]
	return ok
}

// Lookup returns the metadata of token on chainID; the zero address is the
// native asset.
func (r *TokenRegistry) Lookup(chainID uint64, token common.Address) (types.TokenMetadata, bool) {
	chain, ok := r.chains[chainID]
	if !ok {
		return types.TokenMetadata{}, false
	}
	if token == (common.Address{}) {
		return chain.native, true
	}
	meta, ok := chain.tokens[token]
	return meta, ok
}

func (r *TokenRegistry) Native(chainID uint64) (types.TokenMetadata, bool) {
	return r.Lookup(chainID, common.Address{})
}

// PaymentCapabilities lists native first, then configured ERC-20 tokens,
// then sponsored.
func (r *TokenRegistry) PaymentCapabilities() []types.PaymentCapability {
	capabilities := make([]types.PaymentCapability, 0, len(r.erc20)+2)
	capabilities = append(capabilities, types.PaymentCapability{
		Type:  string(types.PaymentNative),
		Token: common.Address{}.Hex(),
	})
	for _, token := range r.erc20 {
		capabilities = append(capabilities, types.PaymentCapability{
			Type:  string(types.PaymentErc20),
			Token: token.Hex(),
		})
	}
	capabilities = append(capabilities, types.PaymentCapability{Type: string(types.PaymentSponsored)})
	return capabilities
}
