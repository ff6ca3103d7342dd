package relay

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
	"github.com/scalarorg/relayx/pkg/db"
	"github.com/scalarorg/relayx/pkg/events"
	"github.com/scalarorg/relayx/pkg/exchange"
	"github.com/scalarorg/relayx/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	TRACER_NAME              = "github.com/scalarorg/relayx/pkg/relay"
	maxConcurrentSimulations = 16
)

// Relayer admits submissions: validate, simulate, persist as pending and
// hand off to the orchestrator through the event bus.
type Relayer struct {
	validator *Validator
	simulator *Simulator
	store     db.RequestStore
	bus       *events.EventBus
	engine    *exchange.Engine
	gasLimits map[uint64]uint64
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

func NewRelayer(cfg *config.Config, validator *Validator, simulator *Simulator, store db.RequestStore,
	bus *events.EventBus, engine *exchange.Engine) *Relayer {
	gasLimits := make(map[uint64]uint64, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		gasLimits[chain.ChainID] = chain.GasLimit
	}
	return &Relayer{
		validator: validator,
		simulator: simulator,
		store:     store,
		bus:       bus,
		engine:    engine,
		gasLimits: gasLimits,
		tracer:    otel.Tracer(TRACER_NAME),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (r *Relayer) defaultGasLimit(chainID uint64) uint64 {
	if limit := r.gasLimits[chainID]; limit > 0 {
		return limit
	}
	return config.DefaultGasLimit
}

// gasLimit simulates when policy requires it for the payment kind and
// falls back to the chain's configured limit otherwise.
func (r *Relayer) gasLimit(ctx context.Context, intent Intent) (uint64, error) {
	if !r.simulator.Required(intent.Payment.Kind()) {
		return r.defaultGasLimit(intent.ChainID), nil
	}
	return r.simulator.Simulate(ctx, intent)
}

func (r *Relayer) newRequest(intent Intent, gasLimit uint64) *types.RelayRequest {
	req := types.NewRelayRequest(r.newID(), r.now())
	req.To = intent.To
	req.Data = intent.Data
	req.ChainID = intent.ChainID
	req.AuthorizationList = intent.AuthorizationList
	req.Payment = intent.Payment
	req.GasLimit = gasLimit
	return req
}

func (r *Relayer) publish(reqs ...*types.RelayRequest) {
	for _, req := range reqs {
		r.bus.BroadcastEvent(&events.EventEnvelope{
			Topic:     events.EVENT_RELAY_ADMITTED,
			RequestID: req.ID,
			ChainID:   req.ChainID,
		})
	}
}

func (r *Relayer) persist(ctx context.Context, reqs ...*types.RelayRequest) error {
	if err := r.store.Create(ctx, reqs...); err != nil {
		log.Error().Err(err).Int("count", len(reqs)).Msg("[Relayer] [persist] failed to store relay requests")
		return Internal("failed to store relay request")
	}
	return nil
}

func (r *Relayer) SendTransaction(ctx context.Context, req types.SendTransactionRequest) (*types.SendTransactionResult, error) {
	ctx, span := r.tracer.Start(ctx, "relay.SendTransaction")
	defer span.End()

	intent, err := r.validator.ValidateTransaction(req)
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.Int64("chain.id", int64(intent.ChainID)),
		attribute.String("payment.type", string(intent.Payment.Kind())))

	gasLimit, err := r.gasLimit(ctx, intent)
	if err != nil {
		return nil, spanError(span, err)
	}
	relayRequest := r.newRequest(intent, gasLimit)
	if err := r.persist(ctx, relayRequest); err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.String("relay.id", relayRequest.ID))
	r.publish(relayRequest)

	log.Info().Str("id", relayRequest.ID).Uint64("chainId", relayRequest.ChainID).
		Str("payment", string(intent.Payment.Kind())).Uint64("gasLimit", gasLimit).
		Msg("[Relayer] [SendTransaction] relay request admitted")
	return &types.SendTransactionResult{ChainID: relayRequest.ChainIDString(), ID: relayRequest.ID}, nil
}

// SendTransactionMultichain admits all members or none. Members are
// simulated concurrently; the lowest failing index is reported.
func (r *Relayer) SendTransactionMultichain(ctx context.Context, req types.SendTransactionMultichainRequest) ([]types.SendTransactionResult, error) {
	ctx, span := r.tracer.Start(ctx, "relay.SendTransactionMultichain")
	defer span.End()

	intents, paymentChainID, err := r.validator.ValidateMultichain(req)
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.Int("batch.size", len(intents)),
		attribute.Int64("payment.chain.id", int64(paymentChainID)))

	// No early cancel: the lowest failing index is reported.
	gasLimits := make([]uint64, len(intents))
	failures := make([]error, len(intents))
	var g errgroup.Group
	g.SetLimit(maxConcurrentSimulations)
	for i, intent := range intents {
		g.Go(func() error {
			gasLimits[i], failures[i] = r.gasLimit(ctx, intent)
			return nil
		})
	}
	_ = g.Wait()
	for i, failure := range failures {
		if failure != nil {
			return nil, spanError(span, AtIndex(i, failure))
		}
	}

	requests := make([]*types.RelayRequest, len(intents))
	for i, intent := range intents {
		requests[i] = r.newRequest(intent, gasLimits[i])
	}
	if err := r.persist(ctx, requests...); err != nil {
		return nil, spanError(span, err)
	}
	r.publish(requests...)

	results := make([]types.SendTransactionResult, len(requests))
	for i, relayRequest := range requests {
		results[i] = types.SendTransactionResult{ChainID: relayRequest.ChainIDString(), ID: relayRequest.ID}
	}
	log.Info().Int("count", len(results)).Uint64("paymentChainId", paymentChainID).
		Msg("[Relayer] [SendTransactionMultichain] relay batch admitted")
	return results, nil
}

func (r *Relayer) Capabilities() types.CapabilitiesResult {
	var result types.CapabilitiesResult
	result.Capabilities.Payment = r.engine.Tokens().PaymentCapabilities()
	return result
}

func (r *Relayer) ExchangeRates(ctx context.Context, requests []types.ExchangeRateRequest) []types.ExchangeRateResult {
	return r.engine.Quotes(ctx, requests)
}

// Quote simulates the intent and prices its gas in the requested payment
// token. Nothing is stored.
func (r *Relayer) Quote(ctx context.Context, req types.QuoteRequest) (*types.QuoteResult, error) {
	ctx, span := r.tracer.Start(ctx, "relay.Quote")
	defer span.End()

	intent, err := r.validator.transaction(req.To, req.Data, req.ChainID, req.AuthorizationList)
	if err != nil {
		return nil, spanError(span, err)
	}
	intent.Payment = types.NativePayment{}
	if req.Capabilities != nil && req.Capabilities.Payment != nil {
		if intent.Payment, err = r.validator.Payment(req.Capabilities.Payment); err != nil {
			return nil, spanError(span, err)
		}
	}
	gasLimit, err := r.simulator.Simulate(ctx, intent)
	if err != nil {
		return nil, spanError(span, err)
	}
	result := &types.QuoteResult{
		ChainID:  strconv.FormatUint(intent.ChainID, 10),
		GasLimit: hexutil.Uint64(gasLimit),
		Fee:      (*hexutil.Big)(new(big.Int)),
		Payment:  types.DescribePayment(intent.Payment),
	}
	if intent.Payment.Kind() == types.PaymentSponsored {
		return result, nil
	}
	quote, itemErr := r.engine.Quote(ctx, intent.ChainID, intent.Payment.Token())
	if itemErr != nil {
		if itemErr.Code == types.ErrCodePriceUnavailable {
			return nil, spanError(span, Unavailable("%s", itemErr.Message))
		}
		return nil, spanError(span, InvalidParams("%s", itemErr.Message))
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), quote.Rate.ToInt())
	result.Fee = (*hexutil.Big)(fee)
	result.Quote = quote
	return result, nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
