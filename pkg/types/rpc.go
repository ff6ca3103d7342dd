package types

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const StatusVersion = "2.0.0"

// PaymentInput is the payment capability as submitted by a client, before
// validation turns it into a Payment. Sponsored payments must leave Data
// empty.
type PaymentInput struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Data  string `json:"data,omitempty"`
}

type Capabilities struct {
	Payment *PaymentInput `json:"payment,omitempty"`
}

type SendTransactionRequest struct {
	To                string          `json:"to"`
	Data              string          `json:"data"`
	Capabilities      Capabilities    `json:"capabilities"`
	ChainID           string          `json:"chainId"`
	AuthorizationList json.RawMessage `json:"authorizationList,omitempty"`
}

type SendTransactionResult struct {
	ChainID string `json:"chainId"`
	ID      string `json:"id"`
}

type MultichainTransaction struct {
	To                string          `json:"to"`
	Data              string          `json:"data"`
	ChainID           string          `json:"chainId"`
	AuthorizationList json.RawMessage `json:"authorizationList,omitempty"`
}

type SendTransactionMultichainRequest struct {
	Transactions   []MultichainTransaction `json:"transactions"`
	Capabilities   Capabilities            `json:"capabilities"`
	PaymentChainID string                  `json:"paymentChainId"`
}

type PaymentCapability struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type CapabilitiesResult struct {
	Capabilities struct {
		Payment []PaymentCapability `json:"payment"`
	} `json:"capabilities"`
}

type ExchangeRateRequest struct {
	Token   string `json:"token"`
	ChainID string `json:"chainId"`
}

type TokenMetadata struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Symbol   string         `json:"symbol,omitempty"`
	Name     string         `json:"name,omitempty"`
}

// ExchangeQuote prices gas in a payment token. Rate is the number of token
// base units charged per unit of gas.
type ExchangeQuote struct {
	ChainID              string         `json:"chainId"`
	Token                TokenMetadata  `json:"token"`
	Rate                 *hexutil.Big   `json:"rate"`
	GasPrice             *hexutil.Big   `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas,omitempty"`
	FeeCollector         common.Address `json:"feeCollector"`
	Expiry               int64          `json:"expiry"`
}

const (
	ErrCodeUnsupportedToken = "UNSUPPORTED_TOKEN"
	ErrCodeUnsupportedChain = "UNSUPPORTED_CHAIN"
	ErrCodeInvalidToken     = "INVALID_TOKEN"
	ErrCodePriceUnavailable = "PRICE_UNAVAILABLE"
)

type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ExchangeRateResult struct {
	Quote *ExchangeQuote `json:"quote,omitempty"`
	Error *ItemError     `json:"error,omitempty"`
}

type GetStatusRequest struct {
	IDs []string `json:"ids"`
}

type StatusResult struct {
	Version         string            `json:"version"`
	ID              string            `json:"id"`
	Status          int               `json:"status"`
	Receipts        []Receipt         `json:"receipts"`
	Resubmissions   []Resubmission    `json:"resubmissions"`
	OffchainFailure []OffchainFailure `json:"offchainFailure"`
	OnchainFailure  []OnchainFailure  `json:"onchainFailure"`
}

func NewStatusResult(id string, code int) StatusResult {
	return StatusResult{
		Version:         StatusVersion,
		ID:              id,
		Status:          code,
		Receipts:        []Receipt{},
		Resubmissions:   []Resubmission{},
		OffchainFailure: []OffchainFailure{},
		OnchainFailure:  []OnchainFailure{},
	}
}

type QuoteRequest struct {
	To                string          `json:"to"`
	Data              string          `json:"data"`
	Capabilities      *Capabilities   `json:"capabilities,omitempty"`
	ChainID           string          `json:"chainId"`
	AuthorizationList json.RawMessage `json:"authorizationList,omitempty"`
}

type QuoteResult struct {
	ChainID  string            `json:"chainId"`
	GasLimit hexutil.Uint64    `json:"gasLimit"`
	Fee      *hexutil.Big      `json:"fee"`
	Payment  PaymentDescriptor `json:"payment"`
	Quote    *ExchangeQuote    `json:"quote,omitempty"`
}

type HealthResult struct {
	Status        string            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	UptimeSeconds uint64            `json:"uptimeSeconds"`
	TotalRequests uint64            `json:"totalRequests"`
	Requests      map[Status]uint64 `json:"requests"`
}
