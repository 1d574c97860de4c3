package api

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/identity"
	"github.com/getkayan/userkey/core/logger"
	"github.com/getkayan/userkey/core/session"
	"github.com/getkayan/userkey/core/telemetry"
	"github.com/getkayan/userkey/core/userkey"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// SessionCookie is the name of the cookie carrying the session id.
const SessionCookie = "USERKEYSESSION"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Deps are the components a Handler serves.
type Deps struct {
	Resolver  *userkey.Resolver
	Keys      userkey.KeyManager
	Activator *userkey.Activator
	Gate      *userkey.Gate
	Settings  *userkey.SettingsService
	Sessions  *session.Manager
	Audit     *audit.Logger
	Telemetry *telemetry.Provider

	// BaseURL prefixes issued login URLs, e.g. "https://lms.example.com".
	BaseURL string

	// CallerSecret and AdminSecret sign the HS256 bearer tokens of the
	// issuing system and of administrators.
	CallerSecret []byte
	AdminSecret  []byte
}

type Handler struct {
	Deps
	secureCookie bool
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		Deps:         deps,
		secureCookie: strings.HasPrefix(deps.BaseURL, "https://"),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	ws := e.Group("/webservice/userkey", BearerAuth(h.CallerSecret))
	ws.POST("/login-url", h.HandleLoginURL)
	ws.DELETE("/keys/:userid", h.HandleRevoke)

	admin := e.Group("/admin", BearerAuth(h.AdminSecret))
	admin.GET("/settings", h.HandleGetSettings)
	admin.PUT("/settings", h.HandlePutSettings)

	web := e.Group("", h.SessionMiddleware)
	web.GET("/login", h.HandleRedeem)
	web.GET("/login/index", h.HandleLoginPage)
	web.GET("/logout", h.HandleLogout)

	protected := web.Group("", h.RequireLogin)
	protected.GET("/", h.HandleHome)
}

// ---- Web service ----

func (h *Handler) HandleLoginURL(c echo.Context) error {
	var body struct {
		User map[string]string `json:"user"`
	}
	if err := c.Bind(&body); err != nil {
		return h.Error(c, http.StatusBadRequest, "invalidparameter", "Invalid request body", err)
	}

	ctx, span := h.Telemetry.SpanIssue(c.Request().Context(), body.User["ip"])
	loginURL, err := h.Resolver.LoginURL(ctx, body.User, h.BaseURL)
	h.Telemetry.RecordIssue(ctx, errorCode(err))
	telemetry.EndSpan(span, errorCode(err), err)
	if err != nil {
		return h.kindError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"loginurl": loginURL})
}

func (h *Handler) HandleRevoke(c echo.Context) error {
	userID := c.Param("userid")
	ctx, span := h.Telemetry.SpanRevoke(c.Request().Context(), userID)
	err := h.Keys.DeleteKey(ctx, userID)
	telemetry.EndSpan(span, errorCode(err), err)
	if err != nil {
		return h.kindError(c, err)
	}

	h.Audit.Record(ctx, audit.NewEvent(audit.EventKeysRevoked).
		Actor(audit.ActorFrom(ctx)).
		Subject(userID).
		Success())
	return c.NoContent(http.StatusNoContent)
}

// ---- Admin ----

func (h *Handler) HandleGetSettings(c echo.Context) error {
	ctx := c.Request().Context()
	s, err := h.Settings.Stored(ctx)
	if err != nil {
		return h.kindError(c, err)
	}
	resp := map[string]interface{}{
		"settings":      s,
		"mappingfields": userkey.AllowedMappingFields(),
	}
	// Invalid settings are shown with their errors so they can be repaired.
	if fieldErrs := s.Validate(); len(fieldErrs) > 0 {
		resp["errors"] = fieldErrs
		return c.JSON(http.StatusOK, resp)
	}
	params, err := h.Resolver.Parameters(ctx)
	if err != nil {
		return h.kindError(c, err)
	}
	resp["parameters"] = params
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) HandlePutSettings(c echo.Context) error {
	form := make(map[string]string)
	if err := c.Bind(&form); err != nil {
		return h.Error(c, http.StatusBadRequest, "invalidparameter", "Invalid request body", err)
	}

	ctx := c.Request().Context()
	fieldErrs, err := h.Settings.Save(ctx, audit.ActorFrom(ctx), form)
	if err != nil {
		return h.kindError(c, err)
	}
	if len(fieldErrs) > 0 {
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"status": "Invalid settings",
			"code":   http.StatusUnprocessableEntity,
			"errors": fieldErrs,
		})
	}

	s, err := h.Settings.Load(ctx)
	if err != nil {
		return h.kindError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"settings": s})
}

// ---- Browser ----

func (h *Handler) HandleRedeem(c echo.Context) error {
	sess := currentSession(c)
	start := time.Now()
	ctx, span := h.Telemetry.SpanRedeem(c.Request().Context(), sess.ID, c.RealIP())

	key := c.QueryParam("key")
	if !keyPattern.MatchString(key) {
		h.Telemetry.RecordRedemption(ctx, string(userkey.KindInvalidKey), time.Since(start))
		telemetry.EndSpan(span, string(userkey.KindInvalidKey), nil)
		return h.errorPage(c, http.StatusBadRequest, userkey.KindInvalidKey)
	}
	wantsURL := userkey.CleanWantsURL(c.QueryParam("wantsurl"))

	target, err := h.Activator.Redeem(ctx, sess, key, c.RealIP(), wantsURL)
	if rl, ok := userkey.AsRateLimitError(err); ok {
		h.Telemetry.RecordRateLimit(ctx)
		telemetry.EndSpan(span, "ratelimited", nil)
		c.Response().Header().Set("Retry-After", retryAfter(rl))
		return h.errorPage(c, http.StatusTooManyRequests, "ratelimited")
	}
	h.Telemetry.RecordRedemption(ctx, errorCode(err), time.Since(start))
	telemetry.EndSpan(span, errorCode(err), err)
	switch kind := userkey.KindOf(err); kind {
	case "":
		if err != nil {
			logger.Log.Error("userkey: redemption failed", zap.Error(err))
			return h.errorPage(c, http.StatusInternalServerError, userkey.KindPersistence)
		}
	case userkey.KindPersistence:
		logger.Log.Error("userkey: redemption failed", zap.Error(err))
		return h.errorPage(c, http.StatusInternalServerError, kind)
	default:
		return h.errorPage(c, http.StatusForbidden, kind)
	}

	h.setCookie(c, sess)
	return c.Redirect(http.StatusFound, target)
}

func (h *Handler) HandleLoginPage(c echo.Context) error {
	sess := currentSession(c)
	ctx := c.Request().Context()

	target, redirect, err := h.Gate.LoginPageHook(ctx, sess, isTruthy(c.QueryParam("skipsso")))
	if err != nil {
		return h.errorPage(c, http.StatusInternalServerError, userkey.KindPersistence)
	}
	if err := h.saveSession(c, sess); err != nil {
		return h.errorPage(c, http.StatusInternalServerError, userkey.KindPersistence)
	}
	if redirect {
		return c.Redirect(http.StatusFound, target)
	}
	return renderPage(c, http.StatusOK, "login", map[string]interface{}{
		"WantsURL": userkey.CleanWantsURL(c.QueryParam("wantsurl")),
	})
}

func (h *Handler) HandleLogout(c echo.Context) error {
	sess := currentSession(c)
	ctx := c.Request().Context()

	target, ok, err := h.Gate.LogoutRedirect(ctx, sess)
	if err != nil || !ok {
		target = userkey.DefaultLanding
	}

	if err := h.Sessions.Destroy(ctx, sess); err != nil {
		logger.Log.Warn("userkey: failed to destroy session", zap.String("session_id", sess.ID), zap.Error(err))
	}
	h.clearCookie(c)
	return c.Redirect(http.StatusFound, target)
}

func (h *Handler) HandleHome(c echo.Context) error {
	sess := currentSession(c)
	return renderPage(c, http.StatusOK, "home", map[string]interface{}{
		"UserID":  sess.UserID,
		"UserKey": sess.UserKey,
	})
}

// ---- Helpers ----

func currentSession(c echo.Context) *identity.Session {
	sess, _ := c.Get(sessionContextKey).(*identity.Session)
	return sess
}

// errorCode is the error code reported for err, "" on success.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if kind := userkey.KindOf(err); kind != "" {
		return string(kind)
	}
	return string(userkey.KindPersistence)
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (h *Handler) kindError(c echo.Context, err error) error {
	kind := userkey.KindOf(err)
	switch kind {
	case userkey.KindMissingField, userkey.KindMissingIP:
		return h.Error(c, http.StatusBadRequest, string(kind), "Invalid parameters", err)
	case userkey.KindUserNotFound:
		return h.Error(c, http.StatusNotFound, string(kind), "User not found", err)
	case userkey.KindInvalidConfig:
		return h.Error(c, http.StatusUnprocessableEntity, string(kind), "Invalid configuration", err)
	}
	logger.Log.Error("userkey: request failed", zap.String("path", c.Path()), zap.Error(err))
	return h.Error(c, http.StatusInternalServerError, string(userkey.KindPersistence), "Internal server error", nil)
}

// Error writes a JSON error response.
func (h *Handler) Error(c echo.Context, code int, errorCode, message string, err error) error {
	resp := map[string]interface{}{
		"status":    message,
		"code":      code,
		"errorcode": errorCode,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(code, resp)
}
