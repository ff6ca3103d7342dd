package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/relayx/pkg/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoCollection     = "relay_requests"
	mongoConnectTimeout = 10 * time.Second
)

type requestDocument struct {
	ID          string    `bson:"_id"`
	Status      string    `bson:"status"`
	ChainID     int64     `bson:"chain_id"`
	PaymentType string    `bson:"payment_type"`
	Payload     []byte    `bson:"payload"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type MongoStore struct {
	MongoClient   *mongo.Client
	MongoDatabase *mongo.Database
	collection    *mongo.Collection
}

var _ RequestStore = (*MongoStore)(nil)

func NewMongoClient(ctx context.Context, uri string, database string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	log.Info().Str("database", database).Msg("[MongoStore] Connected to MongoDB")
	return client, client.Database(database), nil
}

func NewMongoStore(ctx context.Context, client *mongo.Client, database *mongo.Database) (*MongoStore, error) {
	collection := database.Collection(mongoCollection)
	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "chain_id", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create relay_requests indexes: %w", err)
	}
	return &MongoStore{MongoClient: client, MongoDatabase: database, collection: collection}, nil
}

func toDocument(req *types.RelayRequest) (*requestDocument, error) {
	payload, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	return &requestDocument{
		ID:          req.ID,
		Status:      string(req.Status),
		ChainID:     int64(req.ChainID),
		PaymentType: string(req.Payment.Kind()),
		Payload:     payload,
		CreatedAt:   req.CreatedAt,
		UpdatedAt:   req.UpdatedAt,
	}, nil
}

// Create has no transaction to lean on outside a replica set, so a failed
// InsertMany is undone by deleting the batch ids, none of which existed before.
func (s *MongoStore) Create(ctx context.Context, reqs ...*types.RelayRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(reqs))
	docs := make([]interface{}, 0, len(reqs))
	for _, req := range reqs {
		if err := checkNew(req); err != nil {
			return err
		}
		doc, err := toDocument(req)
		if err != nil {
			return err
		}
		ids = append(ids, req.ID)
		docs = append(docs, doc)
	}
	existing, err := s.collection.CountDocuments(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return fmt.Errorf("failed to check relay requests: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %d of %d ids", ErrDuplicate, existing, len(ids))
	}
	_, err = s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err == nil {
		return nil
	}
	if _, delErr := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); delErr != nil {
		log.Error().Err(delErr).Strs("ids", ids).Msg("[MongoStore] [Create] failed to roll back partial insert")
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return fmt.Errorf("failed to create relay requests: %w", err)
}

func (s *MongoStore) Get(ctx context.Context, id string) (*types.RelayRequest, error) {
	var doc requestDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relay request %s: %w", id, err)
	}
	return decodeRequest(doc.Payload)
}

func (s *MongoStore) Update(ctx context.Context, req *types.RelayRequest, from types.Status) error {
	if err := checkTransition(req, from); err != nil {
		return err
	}
	doc, err := toDocument(req)
	if err != nil {
		return err
	}
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": req.ID, "status": string(from)},
		bson.M{"$set": bson.M{
			"status":     doc.Status,
			"payload":    doc.Payload,
			"updated_at": doc.UpdatedAt,
		}})
	if err != nil {
		return fmt.Errorf("failed to update relay request %s: %w", req.ID, err)
	}
	if result.MatchedCount == 0 {
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": req.ID})
		if err != nil {
			return fmt.Errorf("failed to check relay request %s: %w", req.ID, err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, req.ID)
		}
		return fmt.Errorf("%w: %s is no longer %s", ErrConflict, req.ID, from)
	}
	return nil
}

func (s *MongoStore) ScanByStatus(ctx context.Context, statuses ...types.Status) ([]*types.RelayRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, string(status))
	}
	cursor, err := s.collection.Find(ctx,
		bson.M{"status": bson.M{"$in": names}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to scan relay requests: %w", err)
	}
	defer cursor.Close(ctx)

	var reqs []*types.RelayRequest
	for cursor.Next(ctx) {
		var doc requestDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode relay request document: %w", err)
		}
		req, err := decodeRequest(doc.Payload)
		if err != nil {
			log.Error().Err(err).Str("id", doc.ID).Msg("[MongoStore] [ScanByStatus] skip undecodable request")
			continue
		}
		reqs = append(reqs, req)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relay requests: %w", err)
	}
	return reqs, nil
}

func (s *MongoStore) CountByStatus(ctx context.Context, status types.Status) (uint64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": string(status)})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s relay requests: %w", status, err)
	}
	return uint64(count), nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	return s.MongoClient.Disconnect(ctx)
}
