package userkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
)

// --- Mocks ---

type mockKeyStore struct {
	mu        sync.Mutex
	keys      map[string]*domain.UserKey
	writes    int
	createErr error
}

func newMockKeyStore() *mockKeyStore {
	return &mockKeyStore{keys: make(map[string]*domain.UserKey)}
}

func keyID(script, value string) string { return script + "|" + value }

func (m *mockKeyStore) CreateKey(ctx context.Context, key *domain.UserKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	id := keyID(key.Script, key.Value)
	if _, ok := m.keys[id]; ok {
		return domain.ErrKeyExists
	}
	k := *key
	m.keys[id] = &k
	m.writes++
	return nil
}

func (m *mockKeyStore) ConsumeKey(ctx context.Context, script, value string) (*domain.UserKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := keyID(script, value)
	k, ok := m.keys[id]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	delete(m.keys, id)
	return k, nil
}

func (m *mockKeyStore) DeleteUserKeys(ctx context.Context, script, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, k := range m.keys {
		if k.Script == script && k.UserID == userID {
			delete(m.keys, id)
			n++
		}
	}
	return n, nil
}

func (m *mockKeyStore) DeleteExpiredKeys(ctx context.Context, script string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, k := range m.keys {
		if k.Script == script && k.Expired(before) {
			delete(m.keys, id)
			n++
		}
	}
	return n, nil
}

func (m *mockKeyStore) CountKeys(ctx context.Context, script, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range m.keys {
		if k.Script == script && (userID == "" || k.UserID == userID) {
			n++
		}
	}
	return n, nil
}

func (m *mockKeyStore) get(value string) (*domain.UserKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID(Script, value)]
	return k, ok
}

type mockUserStore struct {
	users   map[string]*identity.User
	touched []string
}

func newMockUserStore(users ...*identity.User) *mockUserStore {
	m := &mockUserStore{users: make(map[string]*identity.User)}
	for _, u := range users {
		if u.Realm == "" {
			u.Realm = identity.LocalRealm
		}
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserStore) GetUser(ctx context.Context, id string) (*identity.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, domain.ErrUserNotFound
}

func (m *mockUserStore) FindUsers(ctx context.Context, field, value, realm string) ([]*identity.User, error) {
	var found []*identity.User
	for _, u := range m.users {
		if !u.Deleted && u.Realm == realm && u.Field(field) == value {
			found = append(found, u)
		}
	}
	return found, nil
}

func (m *mockUserStore) TouchLastLogin(ctx context.Context, id string) error {
	m.touched = append(m.touched, id)
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestKeyManager(users ...*identity.User) (*CoreKeyManager, *mockKeyStore, *fakeClock) {
	store := newMockKeyStore()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewCoreKeyManager(store, newMockUserStore(users...))
	m.SetClock(clock.Now)
	return m, store, clock
}

// --- Tests ---

func TestKeyManagerSingleUse(t *testing.T) {
	m, _, _ := newTestKeyManager(&identity.User{ID: "u1", Email: "a@b.com"})
	ctx := context.Background()

	key, err := m.CreateKey(ctx, "u1", time.Minute, "")
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if len(key) != keyLength {
		t.Errorf("expected %d character key, got %q", keyLength, key)
	}

	userID, err := m.ValidateKey(ctx, key, "10.0.0.1")
	if err != nil {
		t.Fatalf("first ValidateKey failed: %v", err)
	}
	if userID != "u1" {
		t.Errorf("expected user u1, got %q", userID)
	}

	for i := 0; i < 3; i++ {
		_, err = m.ValidateKey(ctx, key, "10.0.0.1")
		if !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("replay %d: expected invalidkey, got %v", i, err)
		}
	}
}

func TestKeyManagerExpiry(t *testing.T) {
	m, store, clock := newTestKeyManager(&identity.User{ID: "u1"})
	ctx := context.Background()

	key, err := m.CreateKey(ctx, "u1", time.Second, "")
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	clock.Advance(2 * time.Second)

	_, err = m.ValidateKey(ctx, key, "")
	if KindOf(err) != KindExpiredKey {
		t.Fatalf("expected expiredkey, got %v", err)
	}

	// The rejected key is consumed anyway.
	if _, ok := store.get(key); ok {
		t.Error("expired key should be gone after its first presentation")
	}
	_, err = m.ValidateKey(ctx, key, "")
	if KindOf(err) != KindInvalidKey {
		t.Errorf("expected invalidkey on second presentation, got %v", err)
	}
}

func TestKeyManagerZeroTTLNeverExpires(t *testing.T) {
	m, store, clock := newTestKeyManager(&identity.User{ID: "u1"})
	ctx := context.Background()

	key, err := m.CreateKey(ctx, "u1", 0, "")
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	stored, _ := store.get(key)
	if stored.ValidUntil != nil {
		t.Fatalf("expected no expiry, got %v", stored.ValidUntil)
	}

	clock.Advance(24 * 365 * time.Hour)
	if _, err := m.ValidateKey(ctx, key, ""); err != nil {
		t.Errorf("expected key without expiry to validate, got %v", err)
	}
}

func TestKeyManagerIPBinding(t *testing.T) {
	m, store, _ := newTestKeyManager(&identity.User{ID: "u1"})
	ctx := context.Background()

	key, _ := m.CreateKey(ctx, "u1", time.Minute, "10.0.0.0/24")
	if _, err := m.ValidateKey(ctx, key, "10.0.0.5"); err != nil {
		t.Fatalf("expected 10.0.0.5 to match 10.0.0.0/24, got %v", err)
	}

	key, _ = m.CreateKey(ctx, "u1", time.Minute, "10.0.0.0/24")
	_, err := m.ValidateKey(ctx, key, "192.168.1.1")
	if !errors.Is(err, ErrIPMismatch) {
		t.Fatalf("expected ipmismatch, got %v", err)
	}
	if _, ok := store.get(key); ok {
		t.Error("mismatched key should be consumed")
	}

	key, _ = m.CreateKey(ctx, "u1", time.Minute, "10.0.0.0/24")
	if _, err := m.ValidateKey(ctx, key, ""); KindOf(err) != KindIPMismatch {
		t.Errorf("expected ipmismatch without remote address, got %v", err)
	}
}

func TestKeyManagerInvalidUser(t *testing.T) {
	m, _, _ := newTestKeyManager(&identity.User{ID: "gone", Deleted: true})
	ctx := context.Background()

	for _, userID := range []string{"missing", "gone"} {
		key, err := m.CreateKey(ctx, userID, time.Minute, "")
		if err != nil {
			t.Fatalf("CreateKey failed: %v", err)
		}
		if _, err := m.ValidateKey(ctx, key, ""); KindOf(err) != KindInvalidUser {
			t.Errorf("user %s: expected invaliduserid, got %v", userID, err)
		}
	}
}

func TestKeyManagerScriptDiscriminator(t *testing.T) {
	m, store, _ := newTestKeyManager(&identity.User{ID: "u1"})
	ctx := context.Background()

	foreign := &domain.UserKey{Script: "rss/feed", Value: "sharedvalue", UserID: "u1"}
	if err := store.CreateKey(ctx, foreign); err != nil {
		t.Fatalf("failed to seed foreign key: %v", err)
	}

	if _, err := m.ValidateKey(ctx, "sharedvalue", ""); KindOf(err) != KindInvalidKey {
		t.Errorf("expected keys of other scripts to be invisible, got %v", err)
	}
	if n, _ := store.CountKeys(ctx, "rss/feed", "u1"); n != 1 {
		t.Error("foreign key must not be consumed")
	}
}

func TestKeyManagerPersistenceError(t *testing.T) {
	m, store, _ := newTestKeyManager(&identity.User{ID: "u1"})
	store.createErr = fmt.Errorf("connection reset")

	_, err := m.CreateKey(context.Background(), "u1", time.Minute, "")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if errors.Unwrap(err) == nil {
		t.Error("expected storage error to be wrapped")
	}
}

func TestKeyManagerRegeneratesOnCollision(t *testing.T) {
	m, _, _ := newTestKeyManager(&identity.User{ID: "u1"})
	ctx := context.Background()

	values := []string{"AAA", "AAA", "BBB"}
	m.SetGenerator(func() (string, error) {
		v := values[0]
		values = values[1:]
		return v, nil
	})

	first, err := m.CreateKey(ctx, "u1", time.Minute, "")
	if err != nil || first != "AAA" {
		t.Fatalf("expected AAA, got %q (%v)", first, err)
	}
	second, err := m.CreateKey(ctx, "u1", time.Minute, "")
	if err != nil || second != "BBB" {
		t.Fatalf("expected collision to regenerate BBB, got %q (%v)", second, err)
	}
}

func TestKeyManagerDeleteKey(t *testing.T) {
	m, store, _ := newTestKeyManager(&identity.User{ID: "u1"}, &identity.User{ID: "u2"})
	ctx := context.Background()

	m.CreateKey(ctx, "u1", time.Minute, "")
	m.CreateKey(ctx, "u1", time.Minute, "")
	other, _ := m.CreateKey(ctx, "u2", time.Minute, "")

	if n, _ := store.CountKeys(ctx, Script, "u1"); n != 2 {
		t.Fatalf("expected 2 outstanding keys for u1, got %d", n)
	}

	if err := m.DeleteKey(ctx, "u1"); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if n, _ := store.CountKeys(ctx, Script, "u1"); n != 0 {
		t.Errorf("expected u1 keys to be revoked, %d left", n)
	}
	if _, err := m.ValidateKey(ctx, other, ""); err != nil {
		t.Errorf("u2 key should survive, got %v", err)
	}
}

func TestKeyManagerConcurrentRedemption(t *testing.T) {
	m, _, _ := newTestKeyManager(&identity.User{ID: "u1"})
	ctx := context.Background()

	key, _ := m.CreateKey(ctx, "u1", time.Minute, "")

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ValidateKey(ctx, key, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		switch KindOf(err) {
		case "":
			successes++
		case KindInvalidKey:
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly one successful redemption, got %d", successes)
	}
}
