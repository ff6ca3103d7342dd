package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/pkg/db/models"
	"github.com/scalarorg/relayx/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const createBatchSize = 100

type PostgresStore struct {
	PostgresClient *gorm.DB
}

var _ RequestStore = (*PostgresStore)(nil)

func NewPostgresClient(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore migrates the schema and wraps the connection.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&models.RelayRequest{}); err != nil {
		return nil, fmt.Errorf("failed to migrate relay_requests: %w", err)
	}
	return &PostgresStore{PostgresClient: db}, nil
}

func toModel(req *types.RelayRequest) (*models.RelayRequest, error) {
	payload, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	return &models.RelayRequest{
		ID:          req.ID,
		Status:      string(req.Status),
		ChainID:     req.ChainID,
		PaymentType: string(req.Payment.Kind()),
		Payload:     payload,
		CreatedAt:   req.CreatedAt,
		UpdatedAt:   req.UpdatedAt,
	}, nil
}

func (s *PostgresStore) Create(ctx context.Context, reqs ...*types.RelayRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	rows := make([]*models.RelayRequest, 0, len(reqs))
	for _, req := range reqs {
		if err := checkNew(req); err != nil {
			return err
		}
		row, err := toModel(req)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	err := s.PostgresClient.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, createBatchSize).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create relay requests: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.RelayRequest, error) {
	var row models.RelayRequest
	err := s.PostgresClient.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relay request %s: %w", id, err)
	}
	return decodeRequest(row.Payload)
}

func (s *PostgresStore) Update(ctx context.Context, req *types.RelayRequest, from types.Status) error {
	if err := checkTransition(req, from); err != nil {
		return err
	}
	row, err := toModel(req)
	if err != nil {
		return err
	}
	result := s.PostgresClient.WithContext(ctx).
		Model(&models.RelayRequest{}).
		Where("id = ? AND status = ?", req.ID, string(from)).
		Updates(map[string]interface{}{
			"status":     row.Status,
			"payload":    row.Payload,
			"updated_at": row.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update relay request %s: %w", req.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.PostgresClient.WithContext(ctx).Model(&models.RelayRequest{}).Where("id = ?", req.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check relay request %s: %w", req.ID, err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, req.ID)
		}
		return fmt.Errorf("%w: %s is no longer %s", ErrConflict, req.ID, from)
	}
	return nil
}

func (s *PostgresStore) ScanByStatus(ctx context.Context, statuses ...types.Status) ([]*types.RelayRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, string(status))
	}
	var rows []models.RelayRequest
	err := s.PostgresClient.WithContext(ctx).
		Where("status IN ?", names).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan relay requests: %w", err)
	}
	reqs := make([]*types.RelayRequest, 0, len(rows))
	for _, row := range rows {
		req, err := decodeRequest(row.Payload)
		if err != nil {
			log.Error().Err(err).Str("id", row.ID).Msg("[PostgresStore] [ScanByStatus] skip undecodable request")
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, status types.Status) (uint64, error) {
	var count int64
	err := s.PostgresClient.WithContext(ctx).
		Model(&models.RelayRequest{}).
		Where("status = ?", string(status)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count %s relay requests: %w", status, err)
	}
	return uint64(count), nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.PostgresClient.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
