package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scalarorg/relayx/pkg/types"
)

var (
	ErrNotFound          = errors.New("relay request not found")
	ErrDuplicate         = errors.New("relay request already exists")
	ErrConflict          = errors.New("relay request status changed concurrently")
	ErrInvalidTransition = errors.New("invalid relay request status transition")
)

// RequestStore persists relay requests keyed by id.
//
// Update is a compare-and-set on the stored status: it succeeds only when the
// stored record is still in status from and from may move to req.Status.
type RequestStore interface {
	// Create inserts all requests or none of them.
	Create(ctx context.Context, reqs ...*types.RelayRequest) error
	Get(ctx context.Context, id string) (*types.RelayRequest, error)
	Update(ctx context.Context, req *types.RelayRequest, from types.Status) error
	ScanByStatus(ctx context.Context, statuses ...types.Status) ([]*types.RelayRequest, error)
	CountByStatus(ctx context.Context, status types.Status) (uint64, error)
	Close() error
}

func checkTransition(req *types.RelayRequest, from types.Status) error {
	if !from.CanTransitionTo(req.Status) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, req.Status, req.ID)
	}
	return nil
}

func checkNew(req *types.RelayRequest) error {
	if req.ID == "" {
		return fmt.Errorf("relay request has no id")
	}
	if req.Status != types.StatusPending {
		return fmt.Errorf("%w: new request %s must be pending, got %s", ErrInvalidTransition, req.ID, req.Status)
	}
	return nil
}

func encodeRequest(req *types.RelayRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay request %s: %w", req.ID, err)
	}
	return payload, nil
}

func decodeRequest(payload []byte) (*types.RelayRequest, error) {
	var req types.RelayRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("failed to decode relay request: %w", err)
	}
	return &req, nil
}
