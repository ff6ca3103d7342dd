package db

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/pkg/types"
)

const (
	requestPrefix = "request:"
	statusPrefix  = "status:"

	leveldbCache   = 16
	leveldbHandles = 16
)

// KeyValueStore is the subset of ethdb the request store needs.
type KeyValueStore interface {
	ethdb.KeyValueReader
	ethdb.KeyValueWriter
	ethdb.Iteratee
	ethdb.Batcher
	io.Closer
}

// KVStore keeps each request as JSON under request:<id> plus an index entry
// status:<status>:<id>, both written in one batch.
type KVStore struct {
	db    KeyValueStore
	locks *keyedMutex
}

var _ RequestStore = (*KVStore)(nil)

func NewKVStore(db KeyValueStore) *KVStore {
	return &KVStore{db: db, locks: newKeyedMutex()}
}

func NewMemoryStore() *KVStore {
	return NewKVStore(memorydb.New())
}

func OpenLevelDB(path string) (*KVStore, error) {
	ldb, err := leveldb.New(path, leveldbCache, leveldbHandles, "relayx/db/", false)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("[KVStore] [OpenLevelDB] opened request store")
	return NewKVStore(ldb), nil
}

func requestKey(id string) []byte {
	return []byte(requestPrefix + id)
}

func statusIndexPrefix(status types.Status) []byte {
	return []byte(statusPrefix + string(status) + ":")
}

func statusKey(status types.Status, id string) []byte {
	return append(statusIndexPrefix(status), id...)
}

func (s *KVStore) Create(ctx context.Context, reqs ...*types.RelayRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if err := checkNew(req); err != nil {
			return err
		}
		ids = append(ids, req.ID)
	}
	unlock := s.locks.LockAll(ids)
	defer unlock()

	batch := s.db.NewBatch()
	seen := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		exists, err := s.db.Has(requestKey(req.ID))
		if err != nil {
			return fmt.Errorf("failed to check request %s: %w", req.ID, err)
		}
		if exists || seen[req.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicate, req.ID)
		}
		seen[req.ID] = true
		payload, err := encodeRequest(req)
		if err != nil {
			return err
		}
		if err := batch.Put(requestKey(req.ID), payload); err != nil {
			return err
		}
		if err := batch.Put(statusKey(req.Status, req.ID), nil); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to write relay requests: %w", err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, id string) (*types.RelayRequest, error) {
	return s.get(id)
}

func (s *KVStore) get(id string) (*types.RelayRequest, error) {
	key := requestKey(id)
	exists, err := s.db.Has(key)
	if err != nil {
		return nil, fmt.Errorf("failed to check request %s: %w", id, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	payload, err := s.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read request %s: %w", id, err)
	}
	return decodeRequest(payload)
}

func (s *KVStore) Update(ctx context.Context, req *types.RelayRequest, from types.Status) error {
	if err := checkTransition(req, from); err != nil {
		return err
	}
	unlock := s.locks.Lock(req.ID)
	defer unlock()

	current, err := s.get(req.ID)
	if err != nil {
		return err
	}
	if current.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, req.ID, current.Status, from)
	}
	payload, err := encodeRequest(req)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	if err := batch.Put(requestKey(req.ID), payload); err != nil {
		return err
	}
	if from != req.Status {
		if err := batch.Delete(statusKey(from, req.ID)); err != nil {
			return err
		}
		if err := batch.Put(statusKey(req.Status, req.ID), nil); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to update request %s: %w", req.ID, err)
	}
	return nil
}

func (s *KVStore) ScanByStatus(ctx context.Context, statuses ...types.Status) ([]*types.RelayRequest, error) {
	var reqs []*types.RelayRequest
	for _, status := range statuses {
		ids, err := s.indexedIDs(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			req, err := s.get(id)
			if err != nil {
				// the record moved on between the index read and now
				log.Debug().Err(err).Str("id", id).Msg("[KVStore] [ScanByStatus] skip request")
				continue
			}
			if req.Status == status {
				reqs = append(reqs, req)
			}
		}
	}
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs, nil
}

func (s *KVStore) indexedIDs(ctx context.Context, status types.Status) ([]string, error) {
	prefix := statusIndexPrefix(status)
	it := s.db.NewIterator(prefix, nil)
	defer it.Release()
	var ids []string
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids = append(ids, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan status %s: %w", status, err)
	}
	return ids, nil
}

func (s *KVStore) CountByStatus(ctx context.Context, status types.Status) (uint64, error) {
	ids, err := s.indexedIDs(ctx, status)
	if err != nil {
		return 0, err
	}
	return uint64(len(ids)), nil
}

func (s *KVStore) Close() error {
	return s.db.Close()
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockAll locks keys in sorted order so two batches cannot deadlock.
func (k *keyedMutex) LockAll(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for i, key := range sorted {
		if i > 0 && sorted[i-1] == key {
			continue
		}
		unlocks = append(unlocks, k.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
