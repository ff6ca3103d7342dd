package evm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type chainNonce struct {
	mu     sync.Mutex
	next   uint64
	synced bool
}

// NonceTracker hands out nonces for the relayer account, one chain at a time.
// The next nonce is max(local counter, node pending nonce).
type NonceTracker struct {
	mu     sync.Mutex
	chains map[uint64]*chainNonce
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{chains: make(map[uint64]*chainNonce)}
}

func (t *NonceTracker) chain(chainID uint64) *chainNonce {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chains[chainID]
	if !ok {
		c = &chainNonce{}
		t.chains[chainID] = c
	}
	return c
}

func (t *NonceTracker) Next(ctx context.Context, chainID uint64, client ChainClient, account common.Address) (uint64, error) {
	c := t.chain(chainID)
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, err := client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce on chain %d: %w", chainID, err)
	}
	if !c.synced || pending > c.next {
		c.next = pending
		c.synced = true
	}
	nonce := c.next
	c.next++
	return nonce, nil
}

// Reset drops the local counter so the next call resyncs from the node.
func (t *NonceTracker) Reset(chainID uint64) {
	c := t.chain(chainID)
	c.mu.Lock()
	c.synced = false
	c.mu.Unlock()
}
