// Package kmongo stores userkeys in a MongoDB collection.
//
// A unique index on (script, value) rejects duplicate keys and a TTL index on
// purge_at lets MongoDB evict keys once their grace period has passed.
package kmongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultCollectionName is the collection used when none is configured.
const DefaultCollectionName = "user_private_keys"

// DefaultGrace is how long an expired key is kept before MongoDB evicts it.
const DefaultGrace = 24 * time.Hour

type keyDoc struct {
	Script        string     `bson:"script"`
	Value         string     `bson:"value"`
	UserID        string     `bson:"user_id"`
	ValidUntil    *time.Time `bson:"valid_until,omitempty"`
	PurgeAt       *time.Time `bson:"purge_at,omitempty"`
	IPRestriction string     `bson:"ip_restriction,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
}

func (d *keyDoc) toCore() *domain.UserKey {
	return &domain.UserKey{
		Script:        d.Script,
		Value:         d.Value,
		UserID:        d.UserID,
		ValidUntil:    d.ValidUntil,
		IPRestriction: d.IPRestriction,
		CreatedAt:     d.CreatedAt,
	}
}

// KeyStore implements domain.KeyStore on MongoDB.
type KeyStore struct {
	c     *mongo.Collection
	grace time.Duration
	now   func() time.Time
}

var _ domain.KeyStore = (*KeyStore)(nil)

// NewKeyStore returns a KeyStore on the given collection. Call EnsureIndexes
// once before use.
func NewKeyStore(db *mongo.Database, collection string) *KeyStore {
	if collection == "" {
		collection = DefaultCollectionName
	}
	return &KeyStore{
		c:     db.Collection(collection),
		grace: DefaultGrace,
		now:   time.Now,
	}
}

// SetGrace overrides how long expired keys are retained. It applies to keys
// created afterwards.
func (s *KeyStore) SetGrace(d time.Duration) { s.grace = d }

// EnsureIndexes creates the unique and TTL indexes.
func (s *KeyStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "script", Value: 1}, {Key: "value", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "script", Value: 1}, {Key: "user_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "purge_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo keys: create indexes failed: %w", err)
	}
	return nil
}

func (s *KeyStore) CreateKey(ctx context.Context, key *domain.UserKey) error {
	doc := keyDoc{
		Script:        key.Script,
		Value:         key.Value,
		UserID:        key.UserID,
		ValidUntil:    key.ValidUntil,
		IPRestriction: key.IPRestriction,
		CreatedAt:     key.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	if key.ValidUntil != nil {
		purgeAt := key.ValidUntil.Add(s.grace)
		doc.PurgeAt = &purgeAt
	}

	if _, err := s.c.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrKeyExists
		}
		return fmt.Errorf("mongo keys: insert failed: %w", err)
	}
	return nil
}

// ConsumeKey relies on findAndModify being atomic per document.
func (s *KeyStore) ConsumeKey(ctx context.Context, script, value string) (*domain.UserKey, error) {
	var doc keyDoc
	err := s.c.FindOneAndDelete(ctx, bson.M{"script": script, "value": value}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo keys: consume failed: %w", err)
	}
	return doc.toCore(), nil
}

func (s *KeyStore) DeleteUserKeys(ctx context.Context, script, userID string) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"script": script, "user_id": userID})
	if err != nil {
		return 0, fmt.Errorf("mongo keys: revoke failed: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *KeyStore) DeleteExpiredKeys(ctx context.Context, script string, before time.Time) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{
		"script":      script,
		"valid_until": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, fmt.Errorf("mongo keys: purge failed: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *KeyStore) CountKeys(ctx context.Context, script, userID string) (int64, error) {
	filter := bson.M{"script": script}
	if userID != "" {
		filter["user_id"] = userID
	}
	n, err := s.c.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongo keys: count failed: %w", err)
	}
	return n, nil
}
