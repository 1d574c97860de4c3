package userkey

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
	"github.com/getkayan/userkey/core/logger"
	"go.uber.org/zap"
)

// DefaultLanding is where a redeemed key leads when no wantsurl was given.
const DefaultLanding = "/"

// SessionSaver persists session state. *session.Manager implements it.
type SessionSaver interface {
	// Regenerate stores sess under a new id and deletes the old one. On
	// failure sess is unchanged.
	Regenerate(ctx context.Context, sess *identity.Session) error
}

// Activator logs a user in from a presented key.
type Activator struct {
	keys     KeyManager
	users    domain.UserStore
	sessions SessionSaver
	audit    *audit.Logger
}

func NewActivator(keys KeyManager, users domain.UserStore, sessions SessionSaver) *Activator {
	return &Activator{keys: keys, users: users, sessions: sessions}
}

func (a *Activator) SetAuditLogger(l *audit.Logger) { a.audit = l }

// Redeem validates key and, on success, authenticates sess as the key's
// owner and returns the redirect target. sess is left untouched on failure.
func (a *Activator) Redeem(ctx context.Context, sess *identity.Session, key, remoteAddr, wantsURL string) (string, error) {
	// 1. Key
	userID, err := a.keys.ValidateKey(ctx, key, remoteAddr)
	if err != nil {
		a.reject(ctx, sess, "", remoteAddr, err)
		return "", err
	}

	// 2. User
	user, err := a.users.GetUser(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) || (err == nil && user.Deleted) {
		err = newError(KindInvalidUser, "", nil)
	} else if err != nil {
		err = newError(KindPersistence, "load user", err)
	}
	if err != nil {
		a.reject(ctx, sess, userID, remoteAddr, err)
		return "", err
	}

	// 3. Session
	next := *sess
	next.UserID = user.ID
	next.UserKey = true
	next.RemoteAddr = remoteAddr
	if err := a.sessions.Regenerate(ctx, &next); err != nil {
		return "", newError(KindPersistence, "regenerate session", err)
	}
	*sess = next

	if err := a.users.TouchLastLogin(ctx, user.ID); err != nil {
		logger.Log.Warn("userkey: failed to record last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	a.audit.Record(ctx, audit.NewEvent(audit.EventKeyRedeemed).
		Actor(user.ID).
		Subject(user.ID).
		Success().
		IP(remoteAddr).
		Session(sess.ID))

	// 4. Target
	if wantsURL != "" {
		return wantsURL, nil
	}
	return DefaultLanding, nil
}

func (a *Activator) reject(ctx context.Context, sess *identity.Session, userID, remoteAddr string, err error) {
	logger.Log.Info("userkey: redemption rejected",
		zap.String("kind", string(KindOf(err))),
		zap.String("ip", remoteAddr),
		zap.Error(err),
	)
	a.audit.Record(ctx, audit.NewEvent(audit.EventKeyRejected).
		Subject(userID).
		Failure().
		IP(remoteAddr).
		Session(sess.ID).
		Message(string(KindOf(err))))
}

// CleanWantsURL returns raw when it is an absolute http(s) URL or a
// rooted path, and "" otherwise.
func CleanWantsURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	switch {
	case u.Scheme == "" && u.Host == "" && strings.HasPrefix(u.Path, "/") && !strings.HasPrefix(raw, "//"):
		return raw
	case (u.Scheme == "http" || u.Scheme == "https") && u.Host != "":
		return raw
	}
	return ""
}
