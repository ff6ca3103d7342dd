package exchange

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/pkg/clients/evm"
	"github.com/scalarorg/relayx/pkg/clients/price"
	"github.com/scalarorg/relayx/pkg/types"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentQuotes = 16

// Engine prices gas in payment tokens. It keeps no state between calls.
type Engine struct {
	tokens       *TokenRegistry
	clients      evm.Registry
	prices       price.Source
	feeCollector common.Address
	validity     time.Duration
	now          func() time.Time
}

func NewEngine(tokens *TokenRegistry, clients evm.Registry, prices price.Source, feeCollector common.Address, validity time.Duration) *Engine {
	return &Engine{
		tokens:       tokens,
		clients:      clients,
		prices:       prices,
		feeCollector: feeCollector,
		validity:     validity,
		now:          time.Now,
	}
}

func (e *Engine) Tokens() *TokenRegistry {
	return e.tokens
}

func itemError(code string, format string, args ...interface{}) *types.ItemError {
	return &types.ItemError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Quote prices gas on chainID in token. Failures come back as an item error
// so that batched callers can keep going.
func (e *Engine) Quote(ctx context.Context, chainID uint64, token common.Address) (*types.ExchangeQuote, *types.ItemError) {
	if !e.tokens.SupportsChain(chainID) {
		return nil, itemError(types.ErrCodeUnsupportedChain, "chain %d is not supported", chainID)
	}
	meta, ok := e.tokens.Lookup(chainID, token)
	if !ok {
		return nil, itemError(types.ErrCodeUnsupportedToken, "token %s is not accepted on chain %d", token.Hex(), chainID)
	}
	client, err := e.clients.Client(chainID)
	if err != nil {
		return nil, itemError(types.ErrCodeUnsupportedChain, "%v", err)
	}

	gasPrice, err := client.GasPrice(ctx)
	if err != nil {
		log.Warn().Err(err).Uint64("chainId", chainID).Msg("[ExchangeEngine] [Quote] failed to get gas price")
		return nil, itemError(types.ErrCodePriceUnavailable, "gas price unavailable on chain %d", chainID)
	}
	quote := &types.ExchangeQuote{
		ChainID:      strconv.FormatUint(chainID, 10),
		Token:        meta,
		GasPrice:     (*hexutil.Big)(gasPrice),
		FeeCollector: e.feeCollector,
		Expiry:       e.now().Add(e.validity).Unix(),
	}

	baseFee, err := client.BaseFee(ctx)
	if err != nil {
		return nil, itemError(types.ErrCodePriceUnavailable, "base fee unavailable on chain %d", chainID)
	}
	if baseFee != nil {
		tip, err := client.GasTipCap(ctx)
		if err != nil {
			return nil, itemError(types.ErrCodePriceUnavailable, "priority fee unavailable on chain %d", chainID)
		}
		maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)
		quote.MaxFeePerGas = (*hexutil.Big)(maxFee)
		quote.MaxPriorityFeePerGas = (*hexutil.Big)(tip)
	}

	if token == (common.Address{}) {
		quote.Rate = (*hexutil.Big)(new(big.Int).Set(gasPrice))
		return quote, nil
	}
	native, _ := e.tokens.Native(chainID)
	nativeUsd, err := e.prices.Price(ctx, chainID, common.Address{})
	if err != nil {
		log.Warn().Err(err).Uint64("chainId", chainID).Msg("[ExchangeEngine] [Quote] native price unavailable")
		return nil, itemError(types.ErrCodePriceUnavailable, "native price unavailable on chain %d", chainID)
	}
	tokenUsd, err := e.prices.Price(ctx, chainID, token)
	if err != nil {
		log.Warn().Err(err).Str("token", token.Hex()).Msg("[ExchangeEngine] [Quote] token price unavailable")
		return nil, itemError(types.ErrCodePriceUnavailable, "price unavailable for token %s", token.Hex())
	}
	quote.Rate = (*hexutil.Big)(Rate(gasPrice, nativeUsd, tokenUsd, native.Decimals, meta.Decimals))
	return quote, nil
}

// Rate converts a wei gas price into token base units per gas, rounding up:
// ceil(gasPrice * nativeUsd * 10^tokenDecimals / (tokenUsd * 10^nativeDecimals)).
func Rate(gasPrice *big.Int, nativeUsd, tokenUsd *big.Rat, nativeDecimals, tokenDecimals uint8) *big.Int {
	num := new(big.Int).Mul(gasPrice, nativeUsd.Num())
	num.Mul(num, tokenUsd.Denom())
	num.Mul(num, pow10(tokenDecimals))

	den := new(big.Int).Mul(nativeUsd.Denom(), tokenUsd.Num())
	den.Mul(den, pow10(nativeDecimals))

	rate, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() > 0 {
		rate.Add(rate, big.NewInt(1))
	}
	return rate
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Quotes answers a batch in request order. Malformed items become item
// errors; they never fail the batch.
func (e *Engine) Quotes(ctx context.Context, requests []types.ExchangeRateRequest) []types.ExchangeRateResult {
	results := make([]types.ExchangeRateResult, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentQuotes)
	for i, req := range requests {
		chainID, err := strconv.ParseUint(req.ChainID, 10, 64)
		if err != nil {
			results[i].Error = itemError(types.ErrCodeUnsupportedChain, "invalid chain id %q", req.ChainID)
			continue
		}
		if !common.IsHexAddress(req.Token) || len(req.Token) != 42 {
			results[i].Error = itemError(types.ErrCodeInvalidToken, "invalid token address %q", req.Token)
			continue
		}
		token := common.HexToAddress(req.Token)
		g.Go(func() error {
			quote, itemErr := e.Quote(gctx, chainID, token)
			results[i] = types.ExchangeRateResult{Quote: quote, Error: itemErr}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
