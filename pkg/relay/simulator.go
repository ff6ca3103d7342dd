package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
	"github.com/scalarorg/relayx/pkg/clients/evm"
	"github.com/scalarorg/relayx/pkg/types"
)

// Simulator dry-runs an intent against its chain before it is admitted.
type Simulator struct {
	clients   evm.Registry
	signers   evm.Signers
	selectors map[uint64][]byte
	fallback  []byte
	policy    map[types.PaymentKind]bool
	timeout   time.Duration
}

func NewSimulator(cfg *config.Config, clients evm.Registry, signers evm.Signers) (*Simulator, error) {
	fallback, err := hexutil.Decode(cfg.Relay.EntryPointSelector)
	if err != nil || len(fallback) != 4 {
		return nil, fmt.Errorf("invalid entry point selector %q", cfg.Relay.EntryPointSelector)
	}
	s := &Simulator{
		clients:   clients,
		signers:   signers,
		selectors: make(map[uint64][]byte),
		fallback:  fallback,
		policy:    make(map[types.PaymentKind]bool),
		timeout:   cfg.Relay.SimulationTimeout,
	}
	for _, chain := range cfg.Chains {
		if chain.EntryPointSelector == "" {
			continue
		}
		selector, err := hexutil.Decode(chain.EntryPointSelector)
		if err != nil || len(selector) != 4 {
			return nil, fmt.Errorf("invalid entry point selector %q for chain %d", chain.EntryPointSelector, chain.ChainID)
		}
		s.selectors[chain.ChainID] = selector
	}
	for _, kind := range cfg.Relay.SimulatePayments {
		s.policy[types.PaymentKind(kind)] = true
	}
	return s, nil
}

// Required reports whether admission simulates intents paying with kind.
func (s *Simulator) Required(kind types.PaymentKind) bool {
	return s.policy[kind]
}

func (s *Simulator) selector(chainID uint64) []byte {
	if selector, ok := s.selectors[chainID]; ok {
		return selector
	}
	return s.fallback
}

// Simulate checks the entry point selector, runs eth_call and returns the
// gas estimate. Reverts come back verbatim as Reverted errors; node and
// transport failures as Unavailable.
func (s *Simulator) Simulate(ctx context.Context, intent Intent) (uint64, error) {
	selector := s.selector(intent.ChainID)
	if len(intent.Data) < 4 || !bytes.Equal(intent.Data[:4], selector) {
		return 0, InvalidParams("calldata does not call the relay entry point %s", hexutil.Encode(selector))
	}
	client, err := s.clients.Client(intent.ChainID)
	if err != nil {
		return 0, InvalidParams("%v", err)
	}
	var from common.Address
	if signer, err := s.signers.Signer(intent.ChainID); err == nil {
		from = signer.Address()
	}
	msg := ethereum.CallMsg{
		From:              from,
		To:                &intent.To,
		Data:              intent.Data,
		AuthorizationList: intent.AuthorizationList,
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := client.Call(ctx, msg, nil); err != nil {
		return 0, s.classify(ctx, intent.ChainID, "call", err)
	}
	gas, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, s.classify(ctx, intent.ChainID, "estimateGas", err)
	}
	if gas == 0 {
		return 0, Unavailable("chain %d returned a zero gas estimate", intent.ChainID)
	}
	return gas, nil
}

func (s *Simulator) classify(ctx context.Context, chainID uint64, step string, err error) error {
	if evm.IsRevert(err) {
		data, _ := evm.RevertData(err)
		reason := evm.RevertReason(data)
		log.Debug().Uint64("chainId", chainID).Str("step", step).Str("reason", reason).
			Msg("[Simulator] [Simulate] intent reverted")
		return Reverted(reason, data)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Unavailable("simulation timed out on chain %d", chainID)
	}
	log.Warn().Err(err).Uint64("chainId", chainID).Str("step", step).
		Msg("[Simulator] [Simulate] chain call failed")
	return Unavailable("simulation failed on chain %d: %v", chainID, err)
}
