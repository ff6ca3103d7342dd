package relayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
	"github.com/scalarorg/relayx/pkg/clients/evm"
	"github.com/scalarorg/relayx/pkg/clients/price"
	"github.com/scalarorg/relayx/pkg/db"
	"github.com/scalarorg/relayx/pkg/events"
	"github.com/scalarorg/relayx/pkg/exchange"
	"github.com/scalarorg/relayx/pkg/orchestrator"
	"github.com/scalarorg/relayx/pkg/relay"
	"github.com/scalarorg/relayx/pkg/rpc"
	"github.com/scalarorg/relayx/pkg/telemetry"
)

const EventBusBufferSize = 1024

type Service struct {
	Config       *config.Config
	Store        *db.CountingStore
	EventBus     *events.EventBus
	EvmClients   evm.Clients
	Relayer      *relay.Relayer
	Orchestrator *orchestrator.Orchestrator
	Server       *rpc.Server

	shutdownTracing telemetry.ShutdownFunc
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to setup tracing: %w", err)
	}
	store, err := db.NewRequestStore(ctx, cfg.Database)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("failed to create request store: %w", err)
	}
	s := &Service{
		Config:          cfg,
		Store:           store,
		EventBus:        events.NewEventBus(EventBusBufferSize),
		shutdownTracing: shutdownTracing,
	}
	if err := s.init(ctx); err != nil {
		s.close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Service) init(ctx context.Context) error {
	cfg := s.Config
	var err error
	s.EvmClients, err = evm.NewEvmClients(ctx, cfg.Chains)
	if err != nil {
		return fmt.Errorf("failed to create evm clients: %w", err)
	}
	signers, err := evm.NewSigners(cfg.Chains)
	if err != nil {
		return fmt.Errorf("failed to create signers: %w", err)
	}

	static, err := price.NewStaticSource(cfg.Chains)
	if err != nil {
		return fmt.Errorf("failed to create static price source: %w", err)
	}
	prices := price.NewRouter(price.NewFeedSource(cfg.Chains, s.EvmClients, cfg.Price.MaxAge), static)
	engine := exchange.NewEngine(exchange.NewTokenRegistry(cfg.Chains), s.EvmClients, prices,
		cfg.FeeCollector(), cfg.Relay.QuoteValidity)

	simulator, err := relay.NewSimulator(cfg, s.EvmClients, signers)
	if err != nil {
		return fmt.Errorf("failed to create simulator: %w", err)
	}
	s.Relayer = relay.NewRelayer(cfg, relay.NewValidator(s.EvmClients), simulator, s.Store, s.EventBus, engine)
	api := rpc.NewRelayerAPI(s.Relayer, relay.NewStatusAggregator(s.Store),
		relay.NewHealth(s.Store.Counters(), time.Now()))
	s.Server, err = rpc.NewServer(cfg.Http, api)
	if err != nil {
		return fmt.Errorf("failed to create rpc server: %w", err)
	}
	s.Orchestrator = orchestrator.NewOrchestrator(cfg.Orchestrator, s.Store, s.EvmClients, signers, s.EventBus)
	return nil
}

// Start launches the orchestrator and the HTTP server and returns. Call
// Stop to shut both down.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	resolved := s.EventBus.Subscribe(events.EVENT_RELAY_RESOLVED)
	s.Orchestrator.Start(ctx)
	s.wg.Add(2)
	go s.watchResolutions(ctx, resolved)
	go func() {
		defer s.wg.Done()
		if err := s.Server.Start(ctx); err != nil {
			log.Error().Err(err).Msg("[Relayer] [Start] rpc server stopped with error")
		}
	}()
	log.Info().Uints64("chains", s.EvmClients.ChainIDs()).Msg("[Relayer] [Start] relayer service started")
	return nil
}

// watchResolutions logs the outcome of every request that reaches a
// terminal status.
func (s *Service) watchResolutions(ctx context.Context, resolved <-chan *events.EventEnvelope) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-resolved:
			if !ok {
				return
			}
			req, err := s.Store.Get(ctx, event.RequestID)
			if err != nil {
				log.Warn().Err(err).Str("id", event.RequestID).
					Msg("[Relayer] [watchResolutions] failed to load resolved request")
				continue
			}
			log.Info().Str("id", req.ID).Uint64("chainId", req.ChainID).Str("status", string(req.Status)).
				Int("code", req.Status.Code()).Int("attempts", len(req.Attempts)).
				Int("resubmissions", len(req.Resubmissions)).Dur("elapsed", req.UpdatedAt.Sub(req.CreatedAt)).
				Msg("[Relayer] [watchResolutions] relay request resolved")
		}
	}
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.Orchestrator != nil {
		s.Orchestrator.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.close(ctx)
	log.Info().Msg("[Relayer] [Stop] relayer service stopped")
}

func (s *Service) close(ctx context.Context) {
	s.EventBus.Close()
	for _, client := range s.EvmClients {
		if evmClient, ok := client.(*evm.EvmClient); ok {
			evmClient.Close()
		}
	}
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("[Relayer] [Stop] failed to close request store")
	}
	if err := s.shutdownTracing(ctx); err != nil {
		log.Warn().Err(err).Msg("[Relayer] [Stop] failed to flush traces")
	}
}
