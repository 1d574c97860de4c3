// Package session provides session management for the userkey service.
//
// Every visitor gets a session, anonymous ones included, because the SSO
// gate remembers an opt-out before anyone has logged in. Sessions are stored
// through a domain.SessionStore and expire after an idle lifetime.
//
//	manager := session.NewManager(repo, 2*time.Hour)
//
//	sess, err := manager.Start(ctx, cookieValue)
//	// ... mutate sess ...
//	err = manager.Save(ctx, sess)
//
// # Logout Notifications
//
// Register notifiers to handle logout events (cleanup, audit, etc.):
//
//	manager.AddLogoutNotifier(myNotifier)
package session

import (
	"context"
	"errors"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
	"github.com/google/uuid"
)

// Manager handles session lifecycle operations.
type Manager struct {
	store     domain.SessionStore
	lifetime  time.Duration
	now       func() time.Time
	notifiers []LogoutNotifier
}

// LogoutNotifier is called when an authenticated session is destroyed.
// Use this to trigger cleanup, audit logging, or other side effects.
type LogoutNotifier interface {
	NotifyLogout(ctx context.Context, sess *identity.Session) error
}

// NewManager creates a new session Manager. A lifetime of zero or less
// defaults to two hours.
func NewManager(store domain.SessionStore, lifetime time.Duration) *Manager {
	if lifetime <= 0 {
		lifetime = 2 * time.Hour
	}
	return &Manager{store: store, lifetime: lifetime, now: time.Now}
}

func (m *Manager) AddLogoutNotifier(n LogoutNotifier) {
	m.notifiers = append(m.notifiers, n)
}

// SetClock overrides the time source used for expiry.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Start returns the live session with the given id, or a fresh anonymous
// session when id is empty, unknown or expired. Fresh sessions are not
// stored until Save.
func (m *Manager) Start(ctx context.Context, id string) (*identity.Session, error) {
	if id != "" {
		sess, err := m.store.GetSession(ctx, id)
		switch {
		case err == nil && m.now().Before(sess.ExpiresAt):
			return sess, nil
		case err == nil:
			_ = m.store.DeleteSession(ctx, id)
		case !errors.Is(err, domain.ErrSessionNotFound):
			return nil, err
		}
	}

	now := m.now()
	return &identity.Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.lifetime),
	}, nil
}

// Save persists sess and extends its expiry.
func (m *Manager) Save(ctx context.Context, sess *identity.Session) error {
	now := m.now()
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(m.lifetime)
	return m.store.SaveSession(ctx, sess)
}

// Regenerate saves sess under a new id and then deletes the old one. On
// failure sess and the stored session under the old id are left unchanged.
// Call it whenever the privilege level of the session changes.
func (m *Manager) Regenerate(ctx context.Context, sess *identity.Session) error {
	next := *sess
	next.ID = uuid.New().String()
	if err := m.Save(ctx, &next); err != nil {
		return err
	}
	if err := m.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		_ = m.store.DeleteSession(ctx, next.ID)
		return err
	}
	*sess = next
	return nil
}

// Destroy deletes sess and notifies logout listeners if it was authenticated.
func (m *Manager) Destroy(ctx context.Context, sess *identity.Session) error {
	if err := m.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}
	if sess.Authenticated() {
		for _, n := range m.notifiers {
			_ = n.NotifyLogout(ctx, sess)
		}
	}
	return nil
}
