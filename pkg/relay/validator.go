package relay

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/go-playground/validator/v10"
	"github.com/scalarorg/relayx/pkg/types"
)

// Intent is a submission that passed validation and is ready to be
// simulated and stored.
type Intent struct {
	To                common.Address
	Data              []byte
	ChainID           uint64
	AuthorizationList []ethTypes.SetCodeAuthorization
	Payment           types.Payment
}

// ChainSet reports which chain ids the relayer serves.
type ChainSet interface {
	Supports(chainID uint64) bool
}

// Validator turns raw submissions into Intents. It has no side effects.
type Validator struct {
	chains   ChainSet
	validate *validator.Validate
}

func NewValidator(chains ChainSet) *Validator {
	return &Validator{chains: chains, validate: validator.New()}
}

func (v *Validator) address(field, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, InvalidParams("%s is required", field)
	}
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		return common.Address{}, InvalidParams("%s must be 0x-prefixed: %q", field, value)
	}
	if err := v.validate.Var(value, "eth_addr"); err != nil {
		return common.Address{}, InvalidParams("%s is not a valid address: %q", field, value)
	}
	return common.HexToAddress(value), nil
}

// ChainID parses a decimal chain id and checks that it is served.
func (v *Validator) ChainID(field, value string) (uint64, error) {
	if value == "" {
		return 0, InvalidParams("%s is required", field)
	}
	if strings.TrimLeft(value, "0123456789") != "" {
		return 0, InvalidParams("%s must be a decimal number: %q", field, value)
	}
	chainID, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, InvalidParams("%s is out of range: %q", field, value)
	}
	if !v.chains.Supports(chainID) {
		return 0, InvalidParams("unsupported chain id %d", chainID)
	}
	return chainID, nil
}

func (v *Validator) calldata(value string) ([]byte, error) {
	if value == "" || value == "0x" {
		return nil, InvalidParams("data is required")
	}
	data, err := hexutil.Decode(value)
	if err != nil {
		return nil, InvalidParams("data is not valid hex: %v", err)
	}
	return data, nil
}

func (v *Validator) authorizationList(raw json.RawMessage) ([]ethTypes.SetCodeAuthorization, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var list []ethTypes.SetCodeAuthorization
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, InvalidParams("authorizationList is malformed: %v", err)
	}
	return list, nil
}

// Payment resolves the payment capability into its variant.
func (v *Validator) Payment(input *types.PaymentInput) (types.Payment, error) {
	if input == nil {
		return nil, InvalidParams("capabilities.payment is required")
	}
	switch types.PaymentKind(input.Type) {
	case types.PaymentNative:
		token, err := v.address("payment token", input.Token)
		if err != nil {
			return nil, err
		}
		if token != (common.Address{}) {
			return nil, InvalidParams("native payment token must be the zero address, got %s", input.Token)
		}
		return types.NativePayment{}, nil
	case types.PaymentErc20:
		token, err := v.address("payment token", input.Token)
		if err != nil {
			return nil, err
		}
		if token == (common.Address{}) {
			return nil, InvalidParams("erc20 payment token must not be the zero address")
		}
		return types.Erc20Payment{TokenAddress: token}, nil
	case types.PaymentSponsored:
		if input.Token != "" {
			return nil, InvalidParams("sponsored payment must not carry a token")
		}
		if input.Data != "" {
			return nil, InvalidParams("sponsored payment must not carry data")
		}
		return types.SponsoredPayment{}, nil
	}
	return nil, InvalidParams("unknown payment type %q", input.Type)
}

func (v *Validator) transaction(to, data, chainID string, authList json.RawMessage) (Intent, error) {
	var intent Intent
	var err error
	if intent.To, err = v.address("to", to); err != nil {
		return Intent{}, err
	}
	if intent.Data, err = v.calldata(data); err != nil {
		return Intent{}, err
	}
	if intent.ChainID, err = v.ChainID("chainId", chainID); err != nil {
		return Intent{}, err
	}
	if intent.AuthorizationList, err = v.authorizationList(authList); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

func (v *Validator) ValidateTransaction(req types.SendTransactionRequest) (Intent, error) {
	intent, err := v.transaction(req.To, req.Data, req.ChainID, req.AuthorizationList)
	if err != nil {
		return Intent{}, err
	}
	if intent.Payment, err = v.Payment(req.Capabilities.Payment); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

// ValidateMultichain checks the payment chain and every member in order.
// The first failure aborts and names the member index.
func (v *Validator) ValidateMultichain(req types.SendTransactionMultichainRequest) ([]Intent, uint64, error) {
	if len(req.Transactions) == 0 {
		return nil, 0, InvalidParams("transactions must not be empty")
	}
	paymentChainID, err := v.ChainID("paymentChainId", req.PaymentChainID)
	if err != nil {
		return nil, 0, err
	}
	payment, err := v.Payment(req.Capabilities.Payment)
	if err != nil {
		return nil, 0, err
	}
	intents := make([]Intent, len(req.Transactions))
	for i, tx := range req.Transactions {
		intent, err := v.transaction(tx.To, tx.Data, tx.ChainID, tx.AuthorizationList)
		if err != nil {
			return nil, 0, AtIndex(i, err)
		}
		intent.Payment = payment
		intents[i] = intent
	}
	return intents, paymentChainID, nil
}
