package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/scalarorg/relayx/config"
)

// TxSigner signs transactions for one chain with the relayer's key.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *ethTypes.Transaction) (*ethTypes.Transaction, error)
}

type LocalSigner struct {
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	address    common.Address
	signer     ethTypes.Signer
}

var _ TxSigner = (*LocalSigner)(nil)

func NewLocalSigner(chainID uint64, privateKeyHex string) (*LocalSigner, error) {
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is not set for chain %d", chainID)
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key for chain %d: %w", chainID, err)
	}
	return NewLocalSignerFromKey(chainID, privateKey), nil
}

func NewLocalSignerFromKey(chainID uint64, privateKey *ecdsa.PrivateKey) *LocalSigner {
	id := new(big.Int).SetUint64(chainID)
	return &LocalSigner{
		chainID:    id,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		signer:     ethTypes.LatestSignerForChainID(id),
	}
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(tx *ethTypes.Transaction) (*ethTypes.Transaction, error) {
	signed, err := ethTypes.SignTx(tx, s.signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction for chain %s: %w", s.chainID, err)
	}
	return signed, nil
}

type Signers map[uint64]TxSigner

func (s Signers) Signer(chainID uint64) (TxSigner, error) {
	signer, ok := s[chainID]
	if !ok {
		return nil, fmt.Errorf("no signer for chain id %d", chainID)
	}
	return signer, nil
}

func NewSigners(chains []config.ChainConfig) (Signers, error) {
	signers := make(Signers, len(chains))
	for _, chain := range chains {
		signer, err := NewLocalSigner(chain.ChainID, chain.PrivateKey)
		if err != nil {
			return nil, err
		}
		signers[chain.ChainID] = signer
	}
	return signers, nil
}
