package price

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
	"github.com/scalarorg/relayx/pkg/clients/evm"
)

const aggregatorV3ABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

const feedMaxElapsed = 5 * time.Second

var AggregatorV3 abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse aggregator abi: %v", err))
	}
	AggregatorV3 = parsed
}

type RoundData struct {
	RoundID   *big.Int
	Answer    *big.Int
	StartedAt time.Time
	UpdatedAt time.Time
}

type feedRef struct {
	address common.Address
	chainID uint64
}

// FeedSource reads USD prices from Chainlink AggregatorV3 feeds through the
// chain clients.
type FeedSource struct {
	clients evm.Registry
	feeds   map[tokenKey]feedRef
	maxAge  time.Duration
	now     func() time.Time
}

var _ Source = (*FeedSource)(nil)

func NewFeedSource(chains []config.ChainConfig, clients evm.Registry, maxAge time.Duration) *FeedSource {
	f := &FeedSource{
		clients: clients,
		feeds:   make(map[tokenKey]feedRef),
		maxAge:  maxAge,
		now:     time.Now,
	}
	for _, chain := range chains {
		if chain.Native.PriceFeed != "" {
			f.feeds[keyOf(chain.ChainID, common.Address{})] = feedRef{
				address: common.HexToAddress(chain.Native.PriceFeed),
				chainID: chain.Native.PriceFeedChainID,
			}
		}
		for _, token := range chain.Tokens {
			if token.PriceFeed == "" {
				continue
			}
			f.feeds[keyOf(chain.ChainID, common.HexToAddress(token.Address))] = feedRef{
				address: common.HexToAddress(token.PriceFeed),
				chainID: token.PriceFeedChainID,
			}
		}
	}
	return f
}

func (f *FeedSource) Has(chainID uint64, token common.Address) bool {
	_, ok := f.feeds[keyOf(chainID, token)]
	return ok
}

func (f *FeedSource) Price(ctx context.Context, chainID uint64, token common.Address) (*big.Rat, error) {
	ref, ok := f.feeds[keyOf(chainID, token)]
	if !ok {
		return nil, fmt.Errorf("%w: %s on chain %d", ErrUnknownToken, token.Hex(), chainID)
	}
	client, err := f.clients.Client(ref.chainID)
	if err != nil {
		return nil, err
	}

	var price *big.Rat
	read := func() error {
		decimals, err := f.decimals(ctx, client, ref.address)
		if err != nil {
			return err
		}
		round, err := f.LatestRoundData(ctx, client, ref.address)
		if err != nil {
			return err
		}
		if round.Answer.Sign() <= 0 {
			return backoff.Permanent(fmt.Errorf("feed %s returned non-positive answer %s", ref.address.Hex(), round.Answer))
		}
		if age := f.now().Sub(round.UpdatedAt); f.maxAge > 0 && age > f.maxAge {
			return backoff.Permanent(fmt.Errorf("%w: feed %s updated %s ago", ErrStalePrice, ref.address.Hex(), age.Truncate(time.Second)))
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
		price = new(big.Rat).SetFrac(round.Answer, scale)
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = feedMaxElapsed
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Str("feed", ref.address.Hex()).Dur("retryIn", next).
			Msg("[PriceFeed] [Price] feed read failed")
	}
	if err := backoff.RetryNotify(read, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return price, nil
}

func (f *FeedSource) call(ctx context.Context, client evm.ChainClient, feed common.Address, method string) ([]byte, error) {
	input, err := AggregatorV3.Pack(method)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to pack %s: %w", method, err))
	}
	output, err := client.Call(ctx, ethereum.CallMsg{To: &feed, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't call %s on %s: %w", method, feed.Hex(), err)
	}
	return output, nil
}

func (f *FeedSource) decimals(ctx context.Context, client evm.ChainClient, feed common.Address) (uint8, error) {
	output, err := f.call(ctx, client, feed, "decimals")
	if err != nil {
		return 0, err
	}
	values, err := AggregatorV3.Unpack("decimals", output)
	if err != nil || len(values) != 1 {
		return 0, backoff.Permanent(fmt.Errorf("failed to unpack decimals from %s: %v", feed.Hex(), err))
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, backoff.Permanent(fmt.Errorf("expected decimals to be of type uint8, got %T", values[0]))
	}
	return decimals, nil
}

func (f *FeedSource) LatestRoundData(ctx context.Context, client evm.ChainClient, feed common.Address) (round RoundData, err error) {
	output, err := f.call(ctx, client, feed, "latestRoundData")
	if err != nil {
		return round, err
	}
	res := make(map[string]interface{})
	if err := AggregatorV3.UnpackIntoMap(res, "latestRoundData", output); err != nil {
		return round, backoff.Permanent(fmt.Errorf("failed to unpack latestRoundData: %w", err))
	}
	roundID, ok := res["roundId"].(*big.Int)
	if !ok {
		return round, backoff.Permanent(fmt.Errorf("expected roundId %+v to be of type *big.Int, got %T", res["roundId"], res["roundId"]))
	}
	answer, ok := res["answer"].(*big.Int)
	if !ok {
		return round, backoff.Permanent(fmt.Errorf("expected answer %+v to be of type *big.Int, got %T", res["answer"], res["answer"]))
	}
	startedAt, ok := res["startedAt"].(*big.Int)
	if !ok {
		return round, backoff.Permanent(fmt.Errorf("expected startedAt %+v to be of type *big.Int, got %T", res["startedAt"], res["startedAt"]))
	}
	updatedAt, ok := res["updatedAt"].(*big.Int)
	if !ok {
		return round, backoff.Permanent(fmt.Errorf("expected updatedAt %+v to be of type *big.Int, got %T", res["updatedAt"], res["updatedAt"]))
	}
	return RoundData{
		RoundID:   roundID,
		Answer:    answer,
		StartedAt: time.Unix(startedAt.Int64(), 0),
		UpdatedAt: time.Unix(updatedAt.Int64(), 0),
	}, nil
}
