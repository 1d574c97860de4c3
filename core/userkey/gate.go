package userkey

import (
	"context"

	"github.com/getkayan/userkey/core/identity"
)

// Gate decides whether a login page visit is sent to the external SSO URL,
// and where a logout lands. It only mutates the session it is given; callers
// persist the session afterwards.
type Gate struct {
	settings SettingsSource
}

func NewGate(settings SettingsSource) *Gate {
	return &Gate{settings: settings}
}

// LoginPageHook runs on every login page visit. skipSSO is the visitor's
// opt-out flag for this request. It returns the SSO URL and true when the
// visit must be redirected.
//
// An opt-out recorded earlier in the session wins: the login form posts back
// to the login page without the flag and must not bounce to SSO.
func (g *Gate) LoginPageHook(ctx context.Context, sess *identity.Session, skipSSO bool) (string, bool, error) {
	if sess.SkipsSSO() {
		return "", false, nil
	}

	s, err := g.settings.Load(ctx)
	if err != nil {
		return "", false, err
	}

	skip := skipSSO
	sess.SkipSSO = &skip

	if s.SSOURL != "" && !skipSSO {
		return s.SSOURL, true, nil
	}
	return "", false, nil
}

// PreLoginPageHook runs when an anonymous visitor arrives on a protected
// page. A fresh deep link forgets any earlier opt-out before the login page
// check runs.
func (g *Gate) PreLoginPageHook(ctx context.Context, sess *identity.Session, skipSSO bool) (string, bool, error) {
	sess.SkipSSO = nil
	return g.LoginPageHook(ctx, sess, skipSSO)
}

// LogoutRedirect returns the configured redirect URL and true when sess was
// logged in by a userkey and a redirect URL is set.
func (g *Gate) LogoutRedirect(ctx context.Context, sess *identity.Session) (string, bool, error) {
	if !sess.UserKey {
		return "", false, nil
	}
	s, err := g.settings.Load(ctx)
	if err != nil {
		return "", false, err
	}
	if s.RedirectURL == "" {
		return "", false, nil
	}
	return s.RedirectURL, true, nil
}
