// Package evmtest provides an in-memory ChainClient for tests.
package evmtest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

// RevertError mimics the JSON-RPC error a node returns for a reverted call.
type RevertError struct {
	Data []byte
}

func (e *RevertError) Error() string          { return "execution reverted" }
func (e *RevertError) ErrorCode() int         { return 3 }
func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(e.Data) }

// FakeChain records every call and answers from its fields. Zero values give
// a healthy legacy chain with a 1 gwei gas price.
type FakeChain struct {
	mu sync.Mutex

	CallFn      func(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	EstimateFn  func(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	GasPriceWei *big.Int
	TipCapWei   *big.Int
	BaseFeeWei  *big.Int
	GasPriceErr error
	PendingErr  error
	SendFn      func(tx *ethTypes.Transaction) error
	ReceiptErr  error

	pendingNonce uint64
	calls        int
	estimates    int
	sent         []*ethTypes.Transaction
	receipts     map[common.Hash]*ethTypes.Receipt
}

func NewFakeChain() *FakeChain {
	return &FakeChain{receipts: make(map[common.Hash]*ethTypes.Receipt)}
}

func (f *FakeChain) Call(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	fn := f.CallFn
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, msg, block)
	}
	return nil, nil
}

func (f *FakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	f.estimates++
	fn := f.EstimateFn
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if fn != nil {
		return fn(ctx, msg)
	}
	return 21000, nil
}

func (f *FakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GasPriceErr != nil {
		return nil, f.GasPriceErr
	}
	if f.GasPriceWei == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return new(big.Int).Set(f.GasPriceWei), nil
}

func (f *FakeChain) GasTipCap(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TipCapWei == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return new(big.Int).Set(f.TipCapWei), nil
}

func (f *FakeChain) BaseFee(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BaseFeeWei == nil {
		return nil, nil
	}
	return new(big.Int).Set(f.BaseFeeWei), nil
}

func (f *FakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PendingErr != nil {
		return 0, f.PendingErr
	}
	return f.pendingNonce, nil
}

func (f *FakeChain) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(ethTypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	fn := f.SendFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(tx); err != nil {
			return common.Hash{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if tx.Nonce() >= f.pendingNonce {
		f.pendingNonce = tx.Nonce() + 1
	}
	return tx.Hash(), nil
}

func (f *FakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethTypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReceiptErr != nil {
		return nil, f.ReceiptErr
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// Mine makes hash resolvable with the given receipt status.
func (f *FakeChain) Mine(hash common.Hash, status uint64, block uint64) *ethTypes.Receipt {
	receipt := &ethTypes.Receipt{
		Status:            status,
		TxHash:            hash,
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(block)),
		BlockNumber:       new(big.Int).SetUint64(block),
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
		Logs:              []*ethTypes.Log{},
	}
	f.mu.Lock()
	f.receipts[hash] = receipt
	f.mu.Unlock()
	return receipt
}

func (f *FakeChain) SetPendingNonce(nonce uint64) {
	f.mu.Lock()
	f.pendingNonce = nonce
	f.mu.Unlock()
}

func (f *FakeChain) Sent() []*ethTypes.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ethTypes.Transaction(nil), f.sent...)
}

func (f *FakeChain) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeChain) Estimates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimates
}

// Update changes fields while workers may be reading them.
func (f *FakeChain) Update(fn func(f *FakeChain)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
