package rpc

import (
	"context"

	"github.com/scalarorg/relayx/pkg/relay"
	"github.com/scalarorg/relayx/pkg/types"
)

const (
	RelayerNamespace = "relayer"
	HealthNamespace  = "health"
)

// RelayerAPI is served under the relayer_ namespace. go-ethereum's rpc
// server maps each exported method to relayer_<lowerCamelName>.
type RelayerAPI struct {
	relayer *relay.Relayer
	status  *relay.StatusAggregator
	health  *relay.Health
}

func NewRelayerAPI(relayer *relay.Relayer, status *relay.StatusAggregator, health *relay.Health) *RelayerAPI {
	return &RelayerAPI{relayer: relayer, status: status, health: health}
}

func (api *RelayerAPI) GetCapabilities() types.CapabilitiesResult {
	return api.relayer.Capabilities()
}

func (api *RelayerAPI) GetExchangeRate(ctx context.Context, requests []types.ExchangeRateRequest) ([]types.ExchangeRateResult, error) {
	if len(requests) == 0 {
		return nil, relay.InvalidParams("at least one token is required")
	}
	return api.relayer.ExchangeRates(ctx, requests), nil
}

func (api *RelayerAPI) SendTransaction(ctx context.Context, req types.SendTransactionRequest) (*types.SendTransactionResult, error) {
	return api.relayer.SendTransaction(ctx, req)
}

func (api *RelayerAPI) SendTransactionMultichain(ctx context.Context, req types.SendTransactionMultichainRequest) ([]types.SendTransactionResult, error) {
	return api.relayer.SendTransactionMultichain(ctx, req)
}

func (api *RelayerAPI) GetStatus(ctx context.Context, req types.GetStatusRequest) ([]types.StatusResult, error) {
	if len(req.IDs) == 0 {
		return nil, relay.InvalidParams("ids must not be empty")
	}
	return api.status.Status(ctx, req.IDs), nil
}

func (api *RelayerAPI) GetQuote(ctx context.Context, req types.QuoteRequest) (*types.QuoteResult, error) {
	return api.relayer.Quote(ctx, req)
}

func (api *RelayerAPI) Health() types.HealthResult {
	return api.health.Check()
}

// HealthAPI serves health_check.
type HealthAPI struct {
	health *relay.Health
}

func (api *HealthAPI) Check() types.HealthResult {
	return api.health.Check()
}
