package kgorm

import (
	"time"

	"github.com/getkayan/userkey/core/session"
	"github.com/getkayan/userkey/core/userkey"
	"gorm.io/gorm"
)

// NewDefaultKeyManager creates a KeyManager backed by GORM for both keys and users.
func NewDefaultKeyManager(db *gorm.DB) *userkey.CoreKeyManager {
	repo := NewRepository(db)
	return userkey.NewCoreKeyManager(repo, repo)
}

// NewDefaultSessionManager creates a session Manager backed by GORM.
func NewDefaultSessionManager(db *gorm.DB, lifetime time.Duration) *session.Manager {
	return session.NewManager(NewRepository(db), lifetime)
}

// NewDefaultSettingsService creates a SettingsService backed by GORM with
// the built-in defaults.
func NewDefaultSettingsService(db *gorm.DB) *userkey.SettingsService {
	return userkey.NewSettingsService(NewRepository(db), userkey.DefaultSettings())
}
