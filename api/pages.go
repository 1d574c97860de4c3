package api

import (
	"bytes"
	"html/template"

	"github.com/getkayan/userkey/core/logger"
	"github.com/getkayan/userkey/core/userkey"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var pages = template.Must(template.New("pages").Parse(`
{{define "layout-start"}}<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>{{.Title}}</title></head><body>{{end}}
{{define "layout-end"}}</body></html>{{end}}

{{define "error"}}{{template "layout-start" .}}
<h1 data-errorcode="{{.Kind}}">{{.Title}}</h1>
<p>{{.Message}}</p>
<p><a href="/login/index">Log in</a></p>
{{template "layout-end" .}}{{end}}

{{define "login"}}{{template "layout-start" .}}
<h1>Log in</h1>
<form method="post" action="/login/index">
<input type="hidden" name="wantsurl" value="{{.WantsURL}}">
<label>Username <input name="username"></label>
<label>Password <input type="password" name="password"></label>
<button type="submit">Log in</button>
</form>
{{template "layout-end" .}}{{end}}

{{define "home"}}{{template "layout-start" .}}
<h1>Welcome</h1>
<p>Logged in as {{.UserID}}{{if .UserKey}} via single sign-on{{end}}.</p>
<p><a href="/logout">Log out</a></p>
{{template "layout-end" .}}{{end}}
`))

var errorMessages = map[userkey.ErrorKind]string{
	userkey.KindInvalidKey:  "Incorrect key. The login link is invalid or has already been used.",
	userkey.KindExpiredKey:  "Expired key. Please request a new login link.",
	userkey.KindIPMismatch:  "Client IP address mismatch. The login link cannot be used from this address.",
	userkey.KindInvalidUser: "Invalid user id. The account behind this login link no longer exists.",
	userkey.KindPersistence: "The login could not be completed. Please try again later.",
	"ratelimited":           "Too many login attempts. Please wait before trying again.",
}

func (h *Handler) errorPage(c echo.Context, code int, kind userkey.ErrorKind) error {
	msg, ok := errorMessages[kind]
	if !ok {
		msg = errorMessages[userkey.KindPersistence]
	}
	return renderPage(c, code, "error", map[string]interface{}{
		"Kind":    string(kind),
		"Message": msg,
	})
}

func renderPage(c echo.Context, code int, name string, data map[string]interface{}) error {
	if _, ok := data["Title"]; !ok {
		data["Title"] = "Log in"
		if name == "error" {
			data["Title"] = "Error"
		}
	}
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		logger.Log.Error("api: failed to render page", zap.String("page", name), zap.Error(err))
		return err
	}
	return c.HTMLBlob(code, buf.Bytes())
}
