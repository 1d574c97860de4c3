// Package domain defines core storage interfaces for the userkey service.
//
// This package provides the contracts that storage implementations must fulfill.
// It abstracts persistence of users, userkeys, sessions, plugin settings and
// audit events, allowing deployments to pick a backend (GORM, Redis, MongoDB).
//
// # Interfaces
//
//   - Storage: Composite interface combining all storage operations
//   - UserStore: Read access to platform users
//   - KeyStore: Userkey lifecycle, including atomic consumption
//   - SessionStore: Session persistence
//   - SettingsStore: Plugin configuration persistence
//
// See the kgorm package for a complete GORM-based implementation of these interfaces.
package domain

import (
	"context"
	"errors"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/identity"
)

var (
	// ErrUserNotFound is returned by UserStore.GetUser when no user has the id.
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionNotFound is returned by SessionStore.GetSession for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// Storage defines the interface for all persistence operations.
type Storage interface {
	UserStore
	KeyStore
	SessionStore
	SettingsStore
	audit.Store
}

// UserStore gives read access to platform users.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*identity.User, error)
	// FindUsers returns every non-deleted user in realm whose field equals value.
	FindUsers(ctx context.Context, field, value, realm string) ([]*identity.User, error)
	// TouchLastLogin records a successful login.
	TouchLastLogin(ctx context.Context, id string) error
}

type SessionStore interface {
	SaveSession(ctx context.Context, s *identity.Session) error
	GetSession(ctx context.Context, id string) (*identity.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// SettingsStore persists plugin configuration as flat name/value pairs.
type SettingsStore interface {
	LoadSettings(ctx context.Context, plugin string) (map[string]string, error)
	SaveSettings(ctx context.Context, plugin string, values map[string]string) error
}
