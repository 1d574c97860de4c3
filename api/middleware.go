package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/identity"
	"github.com/getkayan/userkey/core/userkey"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const sessionContextKey = "session"

// BearerAuth accepts requests carrying an HS256 JWT signed with secret and
// attributes them to the token's subject.
func BearerAuth(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" || len(secret) == 0 {
				return unauthorized(c, nil)
			}

			claims := &jwt.RegisteredClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil {
				return unauthorized(c, err)
			}
			if claims.Subject == "" {
				return unauthorized(c, errors.New("token has no subject"))
			}

			ctx := audit.WithActor(c.Request().Context(), claims.Subject)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, err error) error {
	resp := map[string]interface{}{
		"status": "Unauthorized",
		"code":   http.StatusUnauthorized,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(http.StatusUnauthorized, resp)
}

// SessionMiddleware loads the visitor's session, or starts an anonymous one.
func (h *Handler) SessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var id string
		if cookie, err := c.Cookie(SessionCookie); err == nil {
			id = cookie.Value
		}
		sess, err := h.Sessions.Start(c.Request().Context(), id)
		if err != nil {
			return h.errorPage(c, http.StatusInternalServerError, userkey.KindPersistence)
		}
		c.Set(sessionContextKey, sess)
		return next(c)
	}
}

// RequireLogin sends anonymous visitors to SSO, or to the login page when
// SSO is not configured or was skipped.
func (h *Handler) RequireLogin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess := currentSession(c)
		if sess.Authenticated() {
			return next(c)
		}

		ctx := c.Request().Context()
		target, redirect, err := h.Gate.PreLoginPageHook(ctx, sess, isTruthy(c.QueryParam("skipsso")))
		if err != nil {
			return h.errorPage(c, http.StatusInternalServerError, userkey.KindPersistence)
		}
		if err := h.saveSession(c, sess); err != nil {
			return h.errorPage(c, http.StatusInternalServerError, userkey.KindPersistence)
		}
		if redirect {
			return c.Redirect(http.StatusFound, target)
		}
		return c.Redirect(http.StatusFound, "/login/index?wantsurl="+url.QueryEscape(c.Request().URL.RequestURI()))
	}
}

func (h *Handler) saveSession(c echo.Context, sess *identity.Session) error {
	if err := h.Sessions.Save(c.Request().Context(), sess); err != nil {
		return err
	}
	h.setCookie(c, sess)
	return nil
}

func (h *Handler) setCookie(c echo.Context, sess *identity.Session) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func retryAfter(rl *userkey.RateLimitError) string {
	secs := int(rl.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
