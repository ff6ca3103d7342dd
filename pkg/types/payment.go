package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type PaymentKind string

const (
	PaymentNative    PaymentKind = "native"
	PaymentErc20     PaymentKind = "erc20"
	PaymentSponsored PaymentKind = "sponsored"
)

// Payment is the closed set of fee settlement modes. Only the variants in
// this package implement it.
type Payment interface {
	Kind() PaymentKind
	// Token is the zero address for native and sponsored payments.
	Token() common.Address
	isPayment()
}

type NativePayment struct{}

func (NativePayment) Kind() PaymentKind { return PaymentNative }
func (NativePayment) Token() common.Address { return common.Address{} }
func (NativePayment) isPayment() {}
func (NativePayment) String() string { return string(PaymentNative) }

type Erc20Payment struct {
	TokenAddress common.Address
}

func (Erc20Payment) Kind() PaymentKind { return PaymentErc20 }
func (p Erc20Payment) Token() common.Address { return p.TokenAddress }
func (Erc20Payment) isPayment() {}
func (p Erc20Payment) String() string { return fmt.Sprintf("erc20(%s)", p.TokenAddress.Hex()) }

type SponsoredPayment struct{}

func (SponsoredPayment) Kind() PaymentKind { return PaymentSponsored }
func (SponsoredPayment) Token() common.Address { return common.Address{} }
func (SponsoredPayment) isPayment() {}
func (SponsoredPayment) String() string { return string(PaymentSponsored) }

// PaymentDescriptor is the tagged wire and storage form of a Payment.
type PaymentDescriptor struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

func DescribePayment(p Payment) PaymentDescriptor {
	switch v := p.(type) {
	case NativePayment:
		return PaymentDescriptor{Type: string(PaymentNative), Token: common.Address{}.Hex()}
	case Erc20Payment:
		return PaymentDescriptor{Type: string(PaymentErc20), Token: v.TokenAddress.Hex()}
	default:
		return PaymentDescriptor{Type: string(PaymentSponsored)}
	}
}

// Payment rebuilds a stored descriptor. Input from clients goes through the
// relay validator instead, which applies the full syntax rules.
func (d PaymentDescriptor) Payment() (Payment, error) {
	switch PaymentKind(d.Type) {
	case PaymentNative:
		return NativePayment{}, nil
	case PaymentErc20:
		if !common.IsHexAddress(d.Token) {
			return nil, fmt.Errorf("invalid erc20 token %q", d.Token)
		}
		return Erc20Payment{TokenAddress: common.HexToAddress(d.Token)}, nil
	case PaymentSponsored:
		return SponsoredPayment{}, nil
	}
	return nil, fmt.Errorf("unknown payment type %q", d.Type)
}
