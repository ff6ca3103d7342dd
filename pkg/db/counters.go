package db

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/scalarorg/relayx/pkg/types"
)

// Counters tracks request totals per status without touching the store.
type Counters struct {
	total    atomic.Uint64
	byStatus map[types.Status]*atomic.Int64
}

func NewCounters() *Counters {
	c := &Counters{byStatus: make(map[types.Status]*atomic.Int64, len(types.AllStatuses))}
	for _, status := range types.AllStatuses {
		c.byStatus[status] = new(atomic.Int64)
	}
	return c
}

func (c *Counters) Seed(ctx context.Context, store RequestStore) error {
	var total uint64
	for _, status := range types.AllStatuses {
		n, err := store.CountByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to count %s requests: %w", status, err)
		}
		c.byStatus[status].Store(int64(n))
		total += n
	}
	c.total.Store(total)
	return nil
}

func (c *Counters) created(n int) {
	c.total.Add(uint64(n))
	c.byStatus[types.StatusPending].Add(int64(n))
}

func (c *Counters) moved(from, to types.Status) {
	if from == to {
		return
	}
	c.byStatus[from].Add(-1)
	c.byStatus[to].Add(1)
}

func (c *Counters) Total() uint64 {
	return c.total.Load()
}

func (c *Counters) Count(status types.Status) uint64 {
	counter, ok := c.byStatus[status]
	if !ok {
		return 0
	}
	if n := counter.Load(); n > 0 {
		return uint64(n)
	}
	return 0
}

func (c *Counters) Snapshot() map[types.Status]uint64 {
	snapshot := make(map[types.Status]uint64, len(c.byStatus))
	for _, status := range types.AllStatuses {
		snapshot[status] = c.Count(status)
	}
	return snapshot
}

// CountingStore keeps Counters in step with every successful write.
type CountingStore struct {
	RequestStore
	counters *Counters
}

func NewCountingStore(ctx context.Context, store RequestStore) (*CountingStore, error) {
	counters := NewCounters()
	if err := counters.Seed(ctx, store); err != nil {
		return nil, err
	}
	return &CountingStore{RequestStore: store, counters: counters}, nil
}

func (s *CountingStore) Create(ctx context.Context, reqs ...*types.RelayRequest) error {
	if err := s.RequestStore.Create(ctx, reqs...); err != nil {
		return err
	}
	s.counters.created(len(reqs))
	return nil
}

func (s *CountingStore) Update(ctx context.Context, req *types.RelayRequest, from types.Status) error {
	if err := s.RequestStore.Update(ctx, req, from); err != nil {
		return err
	}
	s.counters.moved(from, req.Status)
	return nil
}

func (s *CountingStore) Counters() *Counters {
	return s.counters
}
