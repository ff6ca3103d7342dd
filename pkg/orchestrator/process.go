package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/pkg/clients/evm"
	"github.com/scalarorg/relayx/pkg/events"
	"github.com/scalarorg/relayx/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Process advances the request by one step: sign and broadcast a pending
// request, or poll, resubmit and resolve a submitted one. Terminal requests
// are left alone.
func (o *Orchestrator) Process(ctx context.Context, id string) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Process")
	span.SetAttributes(attribute.String("relay.id", id))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load relay request %s: %w", id, err)
	}
	span.SetAttributes(attribute.String("relay.status", string(req.Status)),
		attribute.Int64("chain.id", int64(req.ChainID)))
	if req.Status.IsTerminal() {
		return nil
	}
	client, err := o.clients.Client(req.ChainID)
	if err != nil {
		return o.failOffchain(ctx, req, err.Error())
	}
	signer, err := o.signers.Signer(req.ChainID)
	if err != nil {
		return o.failOffchain(ctx, req, err.Error())
	}

	switch req.Status {
	case types.StatusPending:
		return o.submit(ctx, req, client, signer)
	case types.StatusSubmitted, types.StatusResubmitted:
		latest := req.LatestAttempt()
		if latest != nil && !latest.Broadcast {
			// A replacement was signed and stored but never confirmed sent.
			return o.broadcastReplacement(ctx, req, client, latest)
		}
		return o.track(ctx, req, client, signer)
	}
	return nil
}

// save writes req and logs the transition. from is the status req had when
// it was loaded.
func (o *Orchestrator) save(ctx context.Context, req *types.RelayRequest, from types.Status) error {
	req.Touch(o.now())
	if err := o.store.Update(ctx, req, from); err != nil {
		return fmt.Errorf("failed to save relay request %s: %w", req.ID, err)
	}
	if from != req.Status {
		log.Info().Str("id", req.ID).Uint64("chainId", req.ChainID).
			Str("from", string(from)).Str("to", string(req.Status)).
			Msg("[Orchestrator] [save] relay request status changed")
	}
	if req.Status.IsTerminal() {
		o.bus.BroadcastEvent(&events.EventEnvelope{
			Topic:     events.EVENT_RELAY_RESOLVED,
			RequestID: req.ID,
			ChainID:   req.ChainID,
		})
	}
	return nil
}

func (o *Orchestrator) failOffchain(ctx context.Context, req *types.RelayRequest, message string) error {
	from := req.Status
	req.OffchainFailures = append(req.OffchainFailures, types.OffchainFailure{
		Message:   message,
		Timestamp: o.now().UTC(),
	})
	if err := req.TransitionTo(types.StatusFailedOffchain, o.now()); err != nil {
		return err
	}
	log.Warn().Str("id", req.ID).Uint64("chainId", req.ChainID).Str("reason", message).
		Msg("[Orchestrator] [failOffchain] relay request failed offchain")
	return o.save(ctx, req, from)
}

func attemptFees(a *types.Attempt) evm.Fees {
	return evm.Fees{
		GasPrice:  a.GasPrice.ToInt(),
		GasTipCap: a.GasTipCap.ToInt(),
		GasFeeCap: a.GasFeeCap.ToInt(),
	}
}

func toHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}

// sign builds and signs the request's transaction. The result is stored
// before it is broadcast, so a restart resends the same bytes.
func (o *Orchestrator) sign(req *types.RelayRequest, signer evm.TxSigner, nonce uint64, fees evm.Fees) (*types.Attempt, error) {
	tx, err := evm.BuildTx(evm.TxParams{
		ChainID:  req.ChainID,
		Nonce:    nonce,
		To:       req.To,
		Data:     req.Data,
		Gas:      req.GasLimit,
		Fees:     fees,
		AuthList: req.AuthorizationList,
	})
	if err != nil {
		return nil, err
	}
	signed, err := signer.SignTx(tx)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return &types.Attempt{
		Hash:      signed.Hash(),
		Nonce:     nonce,
		GasPrice:  toHexBig(fees.GasPrice),
		GasTipCap: toHexBig(fees.GasTipCap),
		GasFeeCap: toHexBig(fees.GasFeeCap),
		Raw:       raw,
		CreatedAt: o.now().UTC(),
	}, nil
}

// broadcast sends raw. A node that already holds the transaction counts as
// success.
func (o *Orchestrator) broadcast(ctx context.Context, client evm.ChainClient, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BroadcastTimeout)
	defer cancel()
	_, err := client.SendRawTransaction(ctx, raw)
	if err == nil || evm.IsAlreadyKnown(err) {
		return nil
	}
	return err
}

// broadcastFailed counts a failed broadcast and gives up once the failure is
// permanent or the budget is spent.
func (o *Orchestrator) broadcastFailed(ctx context.Context, req *types.RelayRequest, from types.Status, err error) error {
	o.nonces.Reset(req.ChainID)
	req.BroadcastErrors++
	if evm.IsPermanentBroadcastError(err) {
		return o.failOffchain(ctx, req, fmt.Sprintf("broadcast rejected: %v", err))
	}
	if req.BroadcastErrors >= o.cfg.MaxBroadcastErrors {
		return o.failOffchain(ctx, req, fmt.Sprintf("broadcast failed %d times: %v", req.BroadcastErrors, err))
	}
	log.Warn().Err(err).Str("id", req.ID).Int("errors", req.BroadcastErrors).
		Msg("[Orchestrator] [broadcast] broadcast failed, will retry")
	return o.save(ctx, req, from)
}

func (o *Orchestrator) submit(ctx context.Context, req *types.RelayRequest, client evm.ChainClient, signer evm.TxSigner) error {
	attempt := req.LatestAttempt()
	if attempt == nil {
		nonce, err := o.nonces.Next(ctx, req.ChainID, client, signer.Address())
		if err != nil {
			return o.pollFailed(ctx, req, req.Status, err)
		}
		fees, err := evm.SuggestFees(ctx, client)
		if err != nil {
			o.nonces.Reset(req.ChainID)
			return o.pollFailed(ctx, req, req.Status, err)
		}
		attempt, err = o.sign(req, signer, nonce, fees)
		if err != nil {
			o.nonces.Reset(req.ChainID)
			return o.failOffchain(ctx, req, fmt.Sprintf("failed to sign transaction: %v", err))
		}
		req.Attempts = append(req.Attempts, *attempt)
		if err := o.save(ctx, req, types.StatusPending); err != nil {
			o.nonces.Reset(req.ChainID)
			return err
		}
		attempt = req.LatestAttempt()
	}

	err := o.broadcast(ctx, client, attempt.Raw)
	if err != nil && !evm.IsNonceTooLow(err) {
		return o.broadcastFailed(ctx, req, types.StatusPending, err)
	}
	if err != nil {
		// The nonce is taken. If it was taken by this attempt before a
		// restart, tracking finds the receipt; otherwise the stall budget
		// ends the request.
		log.Warn().Err(err).Str("id", req.ID).Str("hash", attempt.Hash.Hex()).
			Msg("[Orchestrator] [submit] nonce already used, tracking the stored attempt")
	}
	attempt.Broadcast = true
	req.LastBroadcastAt = o.now().UTC()
	req.BroadcastErrors = 0
	if err := req.TransitionTo(types.StatusSubmitted, o.now()); err != nil {
		return err
	}
	log.Info().Str("id", req.ID).Uint64("chainId", req.ChainID).Str("hash", attempt.Hash.Hex()).
		Uint64("nonce", attempt.Nonce).Msg("[Orchestrator] [submit] transaction broadcast")
	return o.save(ctx, req, types.StatusPending)
}

// pollFailed counts a chain read failure against the poll budget.
func (o *Orchestrator) pollFailed(ctx context.Context, req *types.RelayRequest, from types.Status, err error) error {
	req.PollErrors++
	if req.PollErrors >= o.cfg.MaxPollErrors {
		return o.failOffchain(ctx, req, fmt.Sprintf("chain unavailable after %d attempts: %v", req.PollErrors, err))
	}
	log.Warn().Err(err).Str("id", req.ID).Int("errors", req.PollErrors).
		Msg("[Orchestrator] [poll] chain call failed, will retry")
	return o.save(ctx, req, from)
}

func (o *Orchestrator) receipt(ctx context.Context, client evm.ChainClient, hash common.Hash) (*ethTypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReceiptTimeout)
	defer cancel()
	return client.TransactionReceipt(ctx, hash)
}

func (o *Orchestrator) track(ctx context.Context, req *types.RelayRequest, client evm.ChainClient, signer evm.TxSigner) error {
	var pollErr error
	for i := len(req.Attempts) - 1; i >= 0; i-- {
		attempt := req.Attempts[i]
		if !attempt.Broadcast {
			continue
		}
		receipt, err := o.receipt(ctx, client, attempt.Hash)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			pollErr = err
			continue
		}
		return o.resolve(ctx, req, client, signer, receipt)
	}
	if pollErr != nil {
		return o.pollFailed(ctx, req, req.Status, pollErr)
	}
	if o.now().Sub(req.LastBroadcastAt) < o.cfg.StallTimeout {
		return nil
	}
	return o.resubmit(ctx, req, client, signer)
}

func (o *Orchestrator) resolve(ctx context.Context, req *types.RelayRequest, client evm.ChainClient, signer evm.TxSigner, receipt *ethTypes.Receipt) error {
	from := req.Status
	req.Receipts = append(req.Receipts, types.NewReceipt(req.ChainID, receipt))
	req.PollErrors = 0
	if receipt.Status == ethTypes.ReceiptStatusSuccessful {
		if err := req.TransitionTo(types.StatusSucceeded, o.now()); err != nil {
			return err
		}
		log.Info().Str("id", req.ID).Str("hash", receipt.TxHash.Hex()).
			Msg("[Orchestrator] [resolve] transaction succeeded")
		return o.save(ctx, req, from)
	}

	reason, data := o.replayRevert(ctx, req, client, signer, receipt)
	req.OnchainFailures = append(req.OnchainFailures, types.OnchainFailure{
		TransactionHash: receipt.TxHash,
		ChainID:         req.ChainIDString(),
		Message:         reason,
		Data:            data,
	})
	if err := req.TransitionTo(types.StatusFailedOnchain, o.now()); err != nil {
		return err
	}
	log.Warn().Str("id", req.ID).Str("hash", receipt.TxHash.Hex()).Str("reason", reason).
		Msg("[Orchestrator] [resolve] transaction reverted")
	return o.save(ctx, req, from)
}

// replayRevert re-executes the call at the receipt's block to recover the
// revert reason, which receipts do not carry.
func (o *Orchestrator) replayRevert(ctx context.Context, req *types.RelayRequest, client evm.ChainClient, signer evm.TxSigner, receipt *ethTypes.Receipt) (string, []byte) {
	if receipt.GasUsed >= req.GasLimit {
		return "out of gas", nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReceiptTimeout)
	defer cancel()
	msg := ethereum.CallMsg{
		From:              signer.Address(),
		To:                &req.To,
		Gas:               req.GasLimit,
		Data:              req.Data,
		AuthorizationList: req.AuthorizationList,
	}
	_, err := client.Call(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return "execution reverted", nil
	}
	if data, ok := evm.RevertData(err); ok {
		return evm.RevertReason(data), data
	}
	return fmt.Sprintf("execution reverted: %v", err), nil
}

// resubmit runs only after every broadcast attempt was polled without a
// receipt.
func (o *Orchestrator) resubmit(ctx context.Context, req *types.RelayRequest, client evm.ChainClient, signer evm.TxSigner) error {
	if len(req.Resubmissions) >= o.cfg.MaxResubmissions {
		return o.failOffchain(ctx, req, fmt.Sprintf("no receipt after %d resubmissions", len(req.Resubmissions)))
	}
	if req.BroadcastErrors >= o.cfg.MaxBroadcastErrors {
		return o.failOffchain(ctx, req, fmt.Sprintf("no receipt and replacement rejected %d times", req.BroadcastErrors))
	}
	prev := req.LatestAttempt()
	if prev == nil {
		return o.failOffchain(ctx, req, "submitted request has no transaction attempt")
	}
	current, err := evm.SuggestFees(ctx, client)
	if err != nil {
		return o.pollFailed(ctx, req, req.Status, err)
	}
	fees := evm.Replacement(attemptFees(prev), current, o.cfg.FeeBumpPercent)
	attempt, err := o.sign(req, signer, prev.Nonce, fees)
	if err != nil {
		return o.failOffchain(ctx, req, fmt.Sprintf("failed to sign replacement: %v", err))
	}
	req.Attempts = append(req.Attempts, *attempt)
	if err := o.save(ctx, req, req.Status); err != nil {
		return err
	}
	return o.broadcastReplacement(ctx, req, client, req.LatestAttempt())
}

// broadcastReplacement sends a stored replacement. On success it records
// the resubmission and moves the request to Resubmitted.
func (o *Orchestrator) broadcastReplacement(ctx context.Context, req *types.RelayRequest, client evm.ChainClient, attempt *types.Attempt) error {
	from := req.Status
	if err := o.broadcast(ctx, client, attempt.Raw); err != nil {
		return o.replacementFailed(ctx, req, from, attempt, err)
	}
	attempt.Broadcast = true
	req.LastBroadcastAt = o.now().UTC()
	req.BroadcastErrors = 0
	req.Resubmissions = append(req.Resubmissions, types.Resubmission{
		Status:          types.ResubmissionStatusCode,
		TransactionHash: attempt.Hash,
		ChainID:         req.ChainIDString(),
	})
	if err := req.TransitionTo(types.StatusResubmitted, o.now()); err != nil {
		return err
	}
	log.Info().Str("id", req.ID).Str("hash", attempt.Hash.Hex()).Uint64("nonce", attempt.Nonce).
		Int("resubmissions", len(req.Resubmissions)).
		Msg("[Orchestrator] [resubmit] replacement broadcast")
	return o.save(ctx, req, from)
}

// replacementFailed drops a replacement the node refused. The earlier
// attempts keep the nonce and may still be mined, so the request goes back
// to tracking them; only the resubmission path ends it.
func (o *Orchestrator) replacementFailed(ctx context.Context, req *types.RelayRequest, from types.Status, attempt *types.Attempt, err error) error {
	if !hasBroadcastAttempt(req.Attempts[:len(req.Attempts)-1]) {
		return o.broadcastFailed(ctx, req, from, err)
	}
	nonce := attempt.Nonce
	req.Attempts = req.Attempts[:len(req.Attempts)-1]
	req.LastBroadcastAt = o.now().UTC()
	req.BroadcastErrors++
	log.Warn().Err(err).Str("id", req.ID).Uint64("nonce", nonce).Int("errors", req.BroadcastErrors).
		Msg("[Orchestrator] [resubmit] replacement rejected, tracking earlier attempts")
	return o.save(ctx, req, from)
}

func hasBroadcastAttempt(attempts []types.Attempt) bool {
	for _, a := range attempts {
		if a.Broadcast {
			return true
		}
	}
	return false
}
