package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned by KeyStore.ConsumeKey when no key matches.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists is returned by KeyStore.CreateKey when the value is taken.
	ErrKeyExists = errors.New("key already exists")
)

// UserKey is a single-use credential authenticating one user.
//
// Keys are namespaced by Script so that the same table can hold keys issued
// by other mechanisms; lookups always filter on (Script, Value).
type UserKey struct {
	Script        string     `json:"script"`
	Value         string     `json:"value"`
	UserID        string     `json:"user_id"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"` // nil never expires
	IPRestriction string     `json:"ip_restriction,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Expired reports whether the key has a ValidUntil strictly before now.
func (k *UserKey) Expired(now time.Time) bool {
	return k.ValidUntil != nil && k.ValidUntil.Before(now)
}

// KeyStore defines the interface for managing userkeys.
type KeyStore interface {
	CreateKey(ctx context.Context, key *UserKey) error
	// ConsumeKey fetches and deletes the key in one atomic step. When several
	// callers race on the same value exactly one receives the key; the others
	// get ErrKeyNotFound.
	ConsumeKey(ctx context.Context, script, value string) (*UserKey, error)
	DeleteUserKeys(ctx context.Context, script, userID string) (int64, error)
	DeleteExpiredKeys(ctx context.Context, script string, before time.Time) (int64, error)
	CountKeys(ctx context.Context, script, userID string) (int64, error)
}
