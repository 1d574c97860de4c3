package api

import (
	"context"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/identity"
	"github.com/getkayan/userkey/core/session"
	"github.com/getkayan/userkey/core/telemetry"
)

// LogoutRecorder audits and counts the logout of authenticated sessions.
// Register it with session.Manager.AddLogoutNotifier.
type LogoutRecorder struct {
	Audit     *audit.Logger
	Telemetry *telemetry.Provider
}

var _ session.LogoutNotifier = (*LogoutRecorder)(nil)

func (r *LogoutRecorder) NotifyLogout(ctx context.Context, sess *identity.Session) error {
	r.Telemetry.RecordLogout(ctx, sess.UserKey)
	r.Audit.Record(ctx, audit.NewEvent(audit.EventLogout).
		Actor(sess.UserID).
		Subject(sess.UserID).
		Success().
		IP(sess.RemoteAddr).
		Session(sess.ID))
	return nil
}
