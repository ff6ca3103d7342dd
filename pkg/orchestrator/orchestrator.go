package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/config"
	"github.com/scalarorg/relayx/pkg/clients/evm"
	"github.com/scalarorg/relayx/pkg/db"
	"github.com/scalarorg/relayx/pkg/events"
	"github.com/scalarorg/relayx/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const TRACER_NAME = "github.com/scalarorg/relayx/pkg/orchestrator"

// Orchestrator owns every admitted request after admission and drives it
// to a terminal status. Ids arrive from admission events and from the
// periodic scan; at most one worker handles a given id at a time.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	store   db.RequestStore
	clients evm.Registry
	signers evm.Signers
	nonces  *evm.NonceTracker
	bus     *events.EventBus
	tracer  trace.Tracer
	now     func() time.Time

	queue    chan string
	inFlight sync.Map
	wg       sync.WaitGroup
}

func NewOrchestrator(cfg config.OrchestratorConfig, store db.RequestStore, clients evm.Registry,
	signers evm.Signers, bus *events.EventBus) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		clients: clients,
		signers: signers,
		nonces:  evm.NewNonceTracker(),
		bus:     bus,
		tracer:  otel.Tracer(TRACER_NAME),
		now:     time.Now,
		queue:   make(chan string, cfg.QueueSize),
	}
}

// Start launches the workers, the admission listener and the scanner. They
// stop when ctx is done; Wait blocks until they have.
func (o *Orchestrator) Start(ctx context.Context) {
	admitted := o.bus.Subscribe(events.EVENT_RELAY_ADMITTED)
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
	o.wg.Add(2)
	go o.listen(ctx, admitted)
	go o.scan(ctx)
	log.Info().Int("workers", o.cfg.Workers).Dur("scanInterval", o.cfg.ScanInterval).
		Msg("[Orchestrator] [Start] orchestrator started")
}

func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Enqueue hands id to the workers unless it is already queued or being
// processed. A full queue drops the id; the next scan picks it up again.
func (o *Orchestrator) Enqueue(id string) bool {
	if _, loaded := o.inFlight.LoadOrStore(id, struct{}{}); loaded {
		return false
	}
	select {
	case o.queue <- id:
		return true
	default:
		o.inFlight.Delete(id)
		log.Warn().Str("id", id).Msg("[Orchestrator] [Enqueue] queue full, deferring to next scan")
		return false
	}
}

func (o *Orchestrator) worker(ctx context.Context, n int) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			if err := o.Process(ctx, id); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("id", id).Int("worker", n).
					Msg("[Orchestrator] [worker] processing step failed")
			}
			o.inFlight.Delete(id)
		}
	}
}

func (o *Orchestrator) listen(ctx context.Context, admitted <-chan *events.EventEnvelope) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-admitted:
			if !ok {
				return
			}
			o.Enqueue(event.RequestID)
		}
	}
}

// scan re-enqueues every active request. The first pass at startup is the
// recovery path after a restart.
func (o *Orchestrator) scan(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		reqs, err := o.store.ScanByStatus(ctx, types.ActiveStatuses...)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("[Orchestrator] [scan] failed to scan active requests")
		}
		for _, req := range reqs {
			o.Enqueue(req.ID)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
