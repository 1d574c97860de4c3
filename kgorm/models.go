package kgorm

import (
	"time"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
)

type gormUser struct {
	ID        string `gorm:"primaryKey"`
	Username  string `gorm:"index"`
	Email     string `gorm:"index"`
	IDNumber  string `gorm:"column:idnumber;index"`
	Realm     string `gorm:"index;default:local"`
	Auth      string
	FirstName string
	LastName  string
	Suspended bool
	Deleted   bool `gorm:"index"`
	LastLogin *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (gormUser) TableName() string { return "users" }

// userColumns maps mapping fields to the columns FindUsers may filter on.
var userColumns = map[string]string{
	identity.FieldUsername: "username",
	identity.FieldEmail:    "email",
	identity.FieldIDNumber: "idnumber",
}

func toCoreUser(gu *gormUser) *identity.User {
	if gu == nil {
		return nil
	}
	return &identity.User{
		ID:        gu.ID,
		Username:  gu.Username,
		Email:     gu.Email,
		IDNumber:  gu.IDNumber,
		Realm:     gu.Realm,
		Auth:      gu.Auth,
		FirstName: gu.FirstName,
		LastName:  gu.LastName,
		Suspended: gu.Suspended,
		Deleted:   gu.Deleted,
		LastLogin: gu.LastLogin,
		CreatedAt: gu.CreatedAt,
		UpdatedAt: gu.UpdatedAt,
	}
}

func fromCoreUser(u *identity.User) *gormUser {
	if u == nil {
		return nil
	}
	realm := u.Realm
	if realm == "" {
		realm = identity.LocalRealm
	}
	return &gormUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		IDNumber:  u.IDNumber,
		Realm:     realm,
		Auth:      u.Auth,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Suspended: u.Suspended,
		Deleted:   u.Deleted,
		LastLogin: u.LastLogin,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// gormUserKey rows are shared with other key-issuing scripts; the unique
// index covers (script, value).
type gormUserKey struct {
	ID            uint       `gorm:"primaryKey;autoIncrement"`
	Script        string     `gorm:"size:128;not null;uniqueIndex:idx_user_private_keys_script_value"`
	Value         string     `gorm:"size:128;not null;uniqueIndex:idx_user_private_keys_script_value"`
	UserID        string     `gorm:"index;not null"`
	ValidUntil    *time.Time `gorm:"index"`
	IPRestriction string
	CreatedAt     time.Time
}

func (gormUserKey) TableName() string { return "user_private_keys" }

func toCoreUserKey(k *gormUserKey) *domain.UserKey {
	return &domain.UserKey{
		Script:        k.Script,
		Value:         k.Value,
		UserID:        k.UserID,
		ValidUntil:    k.ValidUntil,
		IPRestriction: k.IPRestriction,
		CreatedAt:     k.CreatedAt,
	}
}

func fromCoreUserKey(k *domain.UserKey) *gormUserKey {
	return &gormUserKey{
		Script:        k.Script,
		Value:         k.Value,
		UserID:        k.UserID,
		ValidUntil:    k.ValidUntil,
		IPRestriction: k.IPRestriction,
		CreatedAt:     k.CreatedAt,
	}
}

type gormSession struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"index"`
	UserKey    bool
	SkipSSO    *bool
	RemoteAddr string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time `gorm:"index"`
}

func (gormSession) TableName() string { return "sessions" }

func toCoreSession(gs *gormSession) *identity.Session {
	return &identity.Session{
		ID:         gs.ID,
		UserID:     gs.UserID,
		UserKey:    gs.UserKey,
		SkipSSO:    gs.SkipSSO,
		RemoteAddr: gs.RemoteAddr,
		CreatedAt:  gs.CreatedAt,
		UpdatedAt:  gs.UpdatedAt,
		ExpiresAt:  gs.ExpiresAt,
	}
}

func fromCoreSession(s *identity.Session) *gormSession {
	return &gormSession{
		ID:         s.ID,
		UserID:     s.UserID,
		UserKey:    s.UserKey,
		SkipSSO:    s.SkipSSO,
		RemoteAddr: s.RemoteAddr,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		ExpiresAt:  s.ExpiresAt,
	}
}

type gormSetting struct {
	Plugin string `gorm:"primaryKey;size:100"`
	Name   string `gorm:"primaryKey;size:100"`
	Value  string
}

func (gormSetting) TableName() string { return "config_plugins" }

type gormAuditEvent struct {
	ID        string `gorm:"primaryKey"`
	Type      string `gorm:"index"`
	ActorID   string `gorm:"index"`
	SubjectID string `gorm:"index"`
	Status    string `gorm:"index"`
	Message   string
	IPAddress string
	SessionID string
	Metadata  identity.JSON `gorm:"type:json"`
	CreatedAt time.Time     `gorm:"index"`
}

func (gormAuditEvent) TableName() string { return "audit_events" }

func fromCoreAuditEvent(e *audit.Event) *gormAuditEvent {
	return &gormAuditEvent{
		ID:        e.ID,
		Type:      e.Type,
		ActorID:   e.ActorID,
		SubjectID: e.SubjectID,
		Status:    e.Status,
		Message:   e.Message,
		IPAddress: e.IPAddress,
		SessionID: e.SessionID,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
	}
}

func toCoreAuditEvent(e *gormAuditEvent) audit.Event {
	return audit.Event{
		ID:        e.ID,
		Type:      e.Type,
		ActorID:   e.ActorID,
		SubjectID: e.SubjectID,
		Status:    e.Status,
		Message:   e.Message,
		IPAddress: e.IPAddress,
		SessionID: e.SessionID,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
	}
}
