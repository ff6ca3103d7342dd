package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ResubmissionStatusCode is recorded on every resubmission; the request is
// still in flight when it is written.
const ResubmissionStatusCode = 201

type ReceiptLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

type Receipt struct {
	TransactionHash   common.Hash    `json:"transactionHash"`
	BlockHash         common.Hash    `json:"blockHash"`
	BlockNumber       hexutil.Uint64 `json:"blockNumber"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice,omitempty"`
	Status            hexutil.Uint64 `json:"status"`
	ChainID           string         `json:"chainId"`
	Logs              []ReceiptLog   `json:"logs"`
}

func NewReceipt(chainID uint64, r *ethtypes.Receipt) Receipt {
	receipt := Receipt{
		TransactionHash: r.TxHash,
		BlockHash:       r.BlockHash,
		GasUsed:         hexutil.Uint64(r.GasUsed),
		Status:          hexutil.Uint64(r.Status),
		ChainID:         strconv.FormatUint(chainID, 10),
		Logs:            make([]ReceiptLog, 0, len(r.Logs)),
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = hexutil.Uint64(r.BlockNumber.Uint64())
	}
	if r.EffectiveGasPrice != nil {
		receipt.EffectiveGasPrice = (*hexutil.Big)(new(big.Int).Set(r.EffectiveGasPrice))
	}
	for _, l := range r.Logs {
		receipt.Logs = append(receipt.Logs, ReceiptLog{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}
	return receipt
}

type Resubmission struct {
	Status          int         `json:"status"`
	TransactionHash common.Hash `json:"transactionHash"`
	ChainID         string      `json:"chainId"`
}

type OffchainFailure struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type OnchainFailure struct {
	TransactionHash common.Hash   `json:"transactionHash"`
	ChainID         string        `json:"chainId"`
	Message         string        `json:"message"`
	Data            hexutil.Bytes `json:"data"`
}

// Attempt is one signed transaction for a request. All attempts of a request
// share a nonce, so at most one of them can be mined.
type Attempt struct {
	Hash      common.Hash   `json:"hash"`
	Nonce     uint64        `json:"nonce"`
	GasPrice  *hexutil.Big  `json:"gasPrice,omitempty"`
	GasTipCap *hexutil.Big  `json:"gasTipCap,omitempty"`
	GasFeeCap *hexutil.Big  `json:"gasFeeCap,omitempty"`
	Raw       hexutil.Bytes `json:"raw"`
	Broadcast bool          `json:"broadcast"`
	CreatedAt time.Time     `json:"createdAt"`
}

type RelayRequest struct {
	ID                string
	To                common.Address
	Data              []byte
	ChainID           uint64
	AuthorizationList []ethtypes.SetCodeAuthorization
	Payment           Payment
	GasLimit          uint64
	Status            Status

	Receipts         []Receipt
	Resubmissions    []Resubmission
	OffchainFailures []OffchainFailure
	OnchainFailures  []OnchainFailure

	Attempts        []Attempt
	LastBroadcastAt time.Time
	BroadcastErrors int
	PollErrors      int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewRelayRequest(id string, now time.Time) *RelayRequest {
	now = now.UTC()
	return &RelayRequest{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *RelayRequest) ChainIDString() string {
	return strconv.FormatUint(r.ChainID, 10)
}

// Touch advances UpdatedAt without ever moving it backwards.
func (r *RelayRequest) Touch(now time.Time) {
	now = now.UTC()
	if now.After(r.UpdatedAt) {
		r.UpdatedAt = now
	}
}

func (r *RelayRequest) TransitionTo(next Status, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition %s -> %s for request %s", r.Status, next, r.ID)
	}
	r.Status = next
	r.Touch(now)
	return nil
}

func (r *RelayRequest) LatestAttempt() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

type storedRequest struct {
	ID                string                          `json:"id"`
	To                common.Address                  `json:"to"`
	Data              hexutil.Bytes                   `json:"data"`
	ChainID           uint64                          `json:"chainId"`
	AuthorizationList []ethtypes.SetCodeAuthorization `json:"authorizationList,omitempty"`
	Payment           PaymentDescriptor               `json:"payment"`
	GasLimit          uint64                          `json:"gasLimit"`
	Status            Status                          `json:"status"`
	Receipts          []Receipt                       `json:"receipts"`
	Resubmissions     []Resubmission                  `json:"resubmissions"`
	OffchainFailures  []OffchainFailure               `json:"offchainFailures"`
	OnchainFailures   []OnchainFailure                `json:"onchainFailures"`
	Attempts          []Attempt                       `json:"attempts"`
	LastBroadcastAt   time.Time                       `json:"lastBroadcastAt"`
	BroadcastErrors   int                             `json:"broadcastErrors"`
	PollErrors        int                             `json:"pollErrors"`
	CreatedAt         time.Time                       `json:"createdAt"`
	UpdatedAt         time.Time                       `json:"updatedAt"`
}

func (r *RelayRequest) MarshalJSON() ([]byte, error) {
	if r.Payment == nil {
		return nil, fmt.Errorf("request %s has no payment", r.ID)
	}
	return json.Marshal(storedRequest{
		ID:                r.ID,
		To:                r.To,
		Data:              r.Data,
		ChainID:           r.ChainID,
		AuthorizationList: r.AuthorizationList,
		Payment:           DescribePayment(r.Payment),
		GasLimit:          r.GasLimit,
		Status:            r.Status,
		Receipts:          r.Receipts,
		Resubmissions:     r.Resubmissions,
		OffchainFailures:  r.OffchainFailures,
		OnchainFailures:   r.OnchainFailures,
		Attempts:          r.Attempts,
		LastBroadcastAt:   r.LastBroadcastAt,
		BroadcastErrors:   r.BroadcastErrors,
		PollErrors:        r.PollErrors,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	})
}

func (r *RelayRequest) UnmarshalJSON(data []byte) error {
	var s storedRequest
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	payment, err := s.Payment.Payment()
	if err != nil {
		return fmt.Errorf("failed to decode payment of request %s: %w", s.ID, err)
	}
	*r = RelayRequest{
		ID:                s.ID,
		To:                s.To,
		Data:              s.Data,
		ChainID:           s.ChainID,
		AuthorizationList: s.AuthorizationList,
		Payment:           payment,
		GasLimit:          s.GasLimit,
		Status:            s.Status,
		Receipts:          s.Receipts,
		Resubmissions:     s.Resubmissions,
		OffchainFailures:  s.OffchainFailures,
		OnchainFailures:   s.OnchainFailures,
		Attempts:          s.Attempts,
		LastBroadcastAt:   s.LastBroadcastAt,
		BroadcastErrors:   s.BroadcastErrors,
		PollErrors:        s.PollErrors,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	return nil
}
