package price

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/scalarorg/relayx/config"
)

var (
	ErrUnknownToken = errors.New("no price configured for token")
	ErrStalePrice   = errors.New("price feed answer is stale")
)

// Source returns the USD price of one whole token. The zero address stands
// for the chain's native asset.
type Source interface {
	Price(ctx context.Context, chainID uint64, token common.Address) (*big.Rat, error)
}

type tokenKey struct {
	chainID uint64
	token   common.Address
}

func keyOf(chainID uint64, token common.Address) tokenKey {
	return tokenKey{chainID: chainID, token: token}
}

// StaticSource serves the usd_price values from the chain config.
type StaticSource struct {
	prices map[tokenKey]*big.Rat
}

var _ Source = (*StaticSource)(nil)

func parseUsd(raw string) (*big.Rat, error) {
	price, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("invalid usd price %q", raw)
	}
	return price, nil
}

func NewStaticSource(chains []config.ChainConfig) (*StaticSource, error) {
	s := &StaticSource{prices: make(map[tokenKey]*big.Rat)}
	for _, chain := range chains {
		if chain.Native.UsdPrice != "" {
			price, err := parseUsd(chain.Native.UsdPrice)
			if err != nil {
				return nil, fmt.Errorf("chain %d native: %w", chain.ChainID, err)
			}
			s.prices[keyOf(chain.ChainID, common.Address{})] = price
		}
		for _, token := range chain.Tokens {
			if token.UsdPrice == "" {
				continue
			}
			price, err := parseUsd(token.UsdPrice)
			if err != nil {
				return nil, fmt.Errorf("chain %d token %s: %w", chain.ChainID, token.Address, err)
			}
			s.prices[keyOf(chain.ChainID, common.HexToAddress(token.Address))] = price
		}
	}
	return s, nil
}

func (s *StaticSource) Price(ctx context.Context, chainID uint64, token common.Address) (*big.Rat, error) {
	price, ok := s.prices[keyOf(chainID, token)]
	if !ok {
		return nil, fmt.Errorf("%w: %s on chain %d", ErrUnknownToken, token.Hex(), chainID)
	}
	return new(big.Rat).Set(price), nil
}

// Router asks the feed for tokens that have one and the static table for
// the rest.
type Router struct {
	feed   *FeedSource
	static *StaticSource
}

var _ Source = (*Router)(nil)

func NewRouter(feed *FeedSource, static *StaticSource) *Router {
	return &Router{feed: feed, static: static}
}

func (r *Router) Price(ctx context.Context, chainID uint64, token common.Address) (*big.Rat, error) {
	if r.feed != nil && r.feed.Has(chainID, token) {
		return r.feed.Price(ctx, chainID, token)
	}
	return r.static.Price(ctx, chainID, token)
}
