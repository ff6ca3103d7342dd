package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Fees holds either a legacy gas price or an EIP-1559 tip/fee cap pair.
type Fees struct {
	GasPrice  *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

func (f Fees) Dynamic() bool {
	return f.GasFeeCap != nil
}

// EffectiveGasPrice is the most a unit of gas can cost under these fees.
func (f Fees) EffectiveGasPrice() *big.Int {
	if f.Dynamic() {
		return new(big.Int).Set(f.GasFeeCap)
	}
	return new(big.Int).Set(f.GasPrice)
}

// SuggestFees reads the chain's current fees: tip and 2*baseFee+tip when the
// chain has a base fee, the configured gas price source otherwise.
func SuggestFees(ctx context.Context, client ChainClient) (Fees, error) {
	baseFee, err := client.BaseFee(ctx)
	if err != nil {
		return Fees{}, err
	}
	if baseFee == nil {
		gasPrice, err := client.GasPrice(ctx)
		if err != nil {
			return Fees{}, fmt.Errorf("failed to get gas price: %w", err)
		}
		return Fees{GasPrice: gasPrice}, nil
	}
	tip, err := client.GasTipCap(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return Fees{GasTipCap: tip, GasFeeCap: feeCap}, nil
}

func bumpBig(v *big.Int, percent int) *big.Int {
	if v == nil {
		return nil
	}
	bumped := new(big.Int).Mul(v, big.NewInt(int64(100+percent)))
	bumped.Add(bumped, big.NewInt(99))
	bumped.Div(bumped, big.NewInt(100))
	if bumped.Cmp(v) <= 0 {
		bumped.Add(v, common.Big1)
	}
	return bumped
}

func maxBig(a, b *big.Int) *big.Int {
	if a == nil {
		return b
	}
	if b == nil || a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Bump raises every fee field by percent, rounding up, and by at least one wei.
func (f Fees) Bump(percent int) Fees {
	return Fees{
		GasPrice:  bumpBig(f.GasPrice, percent),
		GasTipCap: bumpBig(f.GasTipCap, percent),
		GasFeeCap: bumpBig(f.GasFeeCap, percent),
	}
}

// Replacement returns fees for a replacement of prev: prev bumped by
// percent, or the current network fees where those are higher.
func Replacement(prev Fees, current Fees, percent int) Fees {
	bumped := prev.Bump(percent)
	if bumped.Dynamic() != current.Dynamic() {
		return bumped
	}
	return Fees{
		GasPrice:  maxBig(bumped.GasPrice, current.GasPrice),
		GasTipCap: maxBig(bumped.GasTipCap, current.GasTipCap),
		GasFeeCap: maxBig(bumped.GasFeeCap, current.GasFeeCap),
	}
}

type TxParams struct {
	ChainID  uint64
	Nonce    uint64
	To       common.Address
	Data     []byte
	Gas      uint64
	Fees     Fees
	AuthList []ethTypes.SetCodeAuthorization
}

// BuildTx picks the transaction type: SetCode when an authorization list is
// present, DynamicFee for EIP-1559 fees, Legacy otherwise.
func BuildTx(p TxParams) (*ethTypes.Transaction, error) {
	chainID := new(big.Int).SetUint64(p.ChainID)
	to := p.To
	if len(p.AuthList) > 0 {
		tip, feeCap := p.Fees.GasTipCap, p.Fees.GasFeeCap
		if !p.Fees.Dynamic() {
			tip, feeCap = p.Fees.GasPrice, p.Fees.GasPrice
		}
		if tip == nil || feeCap == nil {
			return nil, fmt.Errorf("missing fees for set code transaction")
		}
		return ethTypes.NewTx(&ethTypes.SetCodeTx{
			ChainID:   uint256.MustFromBig(chainID),
			Nonce:     p.Nonce,
			GasTipCap: uint256.MustFromBig(tip),
			GasFeeCap: uint256.MustFromBig(feeCap),
			Gas:       p.Gas,
			To:        to,
			Value:     new(uint256.Int),
			Data:      p.Data,
			AuthList:  p.AuthList,
		}), nil
	}
	if p.Fees.Dynamic() {
		return ethTypes.NewTx(&ethTypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     p.Nonce,
			GasTipCap: p.Fees.GasTipCap,
			GasFeeCap: p.Fees.GasFeeCap,
			Gas:       p.Gas,
			To:        &to,
			Value:     new(big.Int),
			Data:      p.Data,
		}), nil
	}
	if p.Fees.GasPrice == nil {
		return nil, fmt.Errorf("missing gas price for legacy transaction")
	}
	return ethTypes.NewTx(&ethTypes.LegacyTx{
		Nonce:    p.Nonce,
		GasPrice: p.Fees.GasPrice,
		Gas:      p.Gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     p.Data,
	}), nil
}
