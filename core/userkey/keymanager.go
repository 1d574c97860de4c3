package userkey

import (
	"context"
	"errors"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"github.com/hashicorp/go-secure-stdlib/base62"
)

// Script is the discriminator stored on every key issued by this mechanism.
const Script = "auth/userkey"

const (
	keyLength      = 32
	maxCreateTries = 3
)

// KeyManager issues and redeems userkeys. The resolver and the activator
// only depend on this interface so deployments can swap the implementation.
type KeyManager interface {
	// CreateKey issues a key for userID. A ttl of zero or less issues a key
	// that never expires; restriction is an address list as accepted by
	// MatchAddress, empty for none.
	CreateKey(ctx context.Context, userID string, ttl time.Duration, restriction string) (string, error)

	// DeleteKey revokes every outstanding key of userID.
	DeleteKey(ctx context.Context, userID string) error

	// ValidateKey consumes the key and returns the id of the user it
	// authenticates. The key is gone after the call whatever the outcome.
	ValidateKey(ctx context.Context, value, remoteAddr string) (string, error)
}

// CoreKeyManager is the default KeyManager backed by a domain.KeyStore.
type CoreKeyManager struct {
	keys     domain.KeyStore
	users    domain.UserStore
	script   string
	now      func() time.Time
	generate func() (string, error)
}

func NewCoreKeyManager(keys domain.KeyStore, users domain.UserStore) *CoreKeyManager {
	return &CoreKeyManager{
		keys:   keys,
		users:  users,
		script: Script,
		now:    time.Now,
		generate: func() (string, error) {
			return base62.Random(keyLength)
		},
	}
}

// SetClock overrides the time source used for expiry.
func (m *CoreKeyManager) SetClock(now func() time.Time) { m.now = now }

// SetGenerator overrides how key values are generated.
func (m *CoreKeyManager) SetGenerator(g func() (string, error)) { m.generate = g }

func (m *CoreKeyManager) CreateKey(ctx context.Context, userID string, ttl time.Duration, restriction string) (string, error) {
	now := m.now()
	key := &domain.UserKey{
		Script:        m.script,
		UserID:        userID,
		IPRestriction: restriction,
		CreatedAt:     now,
	}
	if ttl > 0 {
		until := now.Add(ttl)
		key.ValidUntil = &until
	}

	for try := 0; ; try++ {
		value, err := m.generate()
		if err != nil {
			return "", newError(KindPersistence, "generate key", err)
		}
		key.Value = value

		err = m.keys.CreateKey(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, domain.ErrKeyExists) || try+1 >= maxCreateTries {
			return "", newError(KindPersistence, "store key", err)
		}
	}
}

func (m *CoreKeyManager) DeleteKey(ctx context.Context, userID string) error {
	if _, err := m.keys.DeleteUserKeys(ctx, m.script, userID); err != nil {
		return newError(KindPersistence, "delete keys", err)
	}
	return nil
}

func (m *CoreKeyManager) ValidateKey(ctx context.Context, value, remoteAddr string) (string, error) {
	// 1. Consume first, so a presented key never survives its first use.
	key, err := m.keys.ConsumeKey(ctx, m.script, value)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return "", newError(KindInvalidKey, "", nil)
	}
	if err != nil {
		return "", newError(KindPersistence, "consume key", err)
	}

	// 2. Expiry
	if key.Expired(m.now()) {
		return "", newError(KindExpiredKey, "", nil)
	}

	// 3. Address restriction
	if key.IPRestriction != "" && !MatchAddress(remoteAddr, key.IPRestriction) {
		return "", newError(KindIPMismatch, "", nil)
	}

	// 4. Owner
	user, err := m.users.GetUser(ctx, key.UserID)
	if errors.Is(err, domain.ErrUserNotFound) || (err == nil && user.Deleted) {
		return "", newError(KindInvalidUser, "", nil)
	}
	if err != nil {
		return "", newError(KindPersistence, "load user", err)
	}

	return user.ID, nil
}
