package kmongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// setupStore connects to USERKEY_TEST_MONGO_URI and skips the test when it
// is unset.
func setupStore(t *testing.T) *KeyStore {
	t.Helper()
	uri := os.Getenv("USERKEY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("USERKEY_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect(ctx) })

	db := client.Database("userkey_test")
	if err := db.Collection(DefaultCollectionName).Drop(ctx); err != nil {
		t.Fatalf("failed to reset collection: %v", err)
	}
	store := NewKeyStore(db, "")
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}
	return store
}

func TestKeyDocToCore(t *testing.T) {
	until := time.Unix(1700000000, 0)
	doc := keyDoc{Script: "auth/userkey", Value: "abc", UserID: "u1", ValidUntil: &until, IPRestriction: "10.0.0.1"}
	k := doc.toCore()
	if k.Value != "abc" || k.UserID != "u1" || !k.ValidUntil.Equal(until) || k.IPRestriction != "10.0.0.1" {
		t.Errorf("unexpected key %+v", k)
	}
}

func TestKeyStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	store.CreateKey(ctx, &domain.UserKey{Script: "auth/userkey", Value: "k1", UserID: "u1"})
	store.CreateKey(ctx, &domain.UserKey{Script: "auth/userkey", Value: "k2", UserID: "u1", ValidUntil: &past})
	store.CreateKey(ctx, &domain.UserKey{Script: "auth/userkey", Value: "k3", UserID: "u2"})

	if err := store.CreateKey(ctx, &domain.UserKey{Script: "auth/userkey", Value: "k1", UserID: "u9"}); !errors.Is(err, domain.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	k, err := store.ConsumeKey(ctx, "auth/userkey", "k1")
	if err != nil || k.UserID != "u1" {
		t.Fatalf("ConsumeKey failed: %v (%+v)", err, k)
	}
	if _, err := store.ConsumeKey(ctx, "auth/userkey", "k1"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected second consume to fail, got %v", err)
	}

	if n, _ := store.DeleteExpiredKeys(ctx, "auth/userkey", time.Now()); n != 1 {
		t.Errorf("expected 1 expired key purged, got %d", n)
	}
	if n, _ := store.DeleteUserKeys(ctx, "auth/userkey", "u2"); n != 1 {
		t.Errorf("expected 1 key revoked, got %d", n)
	}
	if n, _ := store.CountKeys(ctx, "auth/userkey", ""); n != 0 {
		t.Errorf("expected no keys left, got %d", n)
	}
}

func TestKeyStoreGrace(t *testing.T) {
	store := setupStore(t)
	store.SetGrace(2 * time.Hour)
	ctx := context.Background()
	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)

	store.CreateKey(ctx, &domain.UserKey{Script: "auth/userkey", Value: "g1", UserID: "u1", ValidUntil: &until})
	store.CreateKey(ctx, &domain.UserKey{Script: "auth/userkey", Value: "g2", UserID: "u1"})

	var doc keyDoc
	if err := store.c.FindOne(ctx, bson.M{"value": "g1"}).Decode(&doc); err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if doc.PurgeAt == nil || !doc.PurgeAt.Equal(until.Add(2*time.Hour)) {
		t.Errorf("expected purge_at %v, got %v", until.Add(2*time.Hour), doc.PurgeAt)
	}

	doc = keyDoc{}
	store.c.FindOne(ctx, bson.M{"value": "g2"}).Decode(&doc)
	if doc.PurgeAt != nil {
		t.Errorf("keys that never expire must not be purged, got %v", doc.PurgeAt)
	}
}
