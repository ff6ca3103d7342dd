package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/pkg/db"
	"github.com/scalarorg/relayx/pkg/types"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentLookups = 32

// StatusAggregator renders stored requests as client-facing status results.
type StatusAggregator struct {
	store db.RequestStore
}

func NewStatusAggregator(store db.RequestStore) *StatusAggregator {
	return &StatusAggregator{store: store}
}

// Status returns one result per id, in order. Unknown ids yield 404 and a
// failed lookup yields 500; neither affects the other results.
func (a *StatusAggregator) Status(ctx context.Context, ids []string) []types.StatusResult {
	results := make([]types.StatusResult, len(ids))
	var g errgroup.Group
	g.SetLimit(maxConcurrentLookups)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = a.status(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *StatusAggregator) status(ctx context.Context, id string) types.StatusResult {
	req, err := a.store.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return types.NewStatusResult(id, types.StatusCodeNotFound)
	}
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("[StatusAggregator] [Status] failed to load relay request")
		return types.NewStatusResult(id, types.StatusCodeInternal)
	}
	result := types.NewStatusResult(id, req.Status.Code())
	result.Receipts = append(result.Receipts, req.Receipts...)
	result.Resubmissions = append(result.Resubmissions, req.Resubmissions...)
	result.OffchainFailure = append(result.OffchainFailure, req.OffchainFailures...)
	result.OnchainFailure = append(result.OnchainFailure, req.OnchainFailures...)
	return result
}

// Health reports liveness and request counts from the store counters.
type Health struct {
	counters  *db.Counters
	startedAt time.Time
	now       func() time.Time
}

func NewHealth(counters *db.Counters, startedAt time.Time) *Health {
	return &Health{counters: counters, startedAt: startedAt, now: time.Now}
}

func (h *Health) Check() types.HealthResult {
	now := h.now()
	return types.HealthResult{
		Status:        "healthy",
		Timestamp:     now.UTC(),
		UptimeSeconds: uint64(now.Sub(h.startedAt).Seconds()),
		TotalRequests: h.counters.Total(),
		Requests:      h.counters.Snapshot(),
	}
}
