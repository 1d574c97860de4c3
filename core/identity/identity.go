// Package identity provides the entity types shared by the userkey service.
//
// Users are owned by the surrounding platform: the service only reads them
// and never creates or mutates them beyond recording the last login time.
// Sessions carry the small amount of per-visitor state that the redemption
// endpoint, the SSO gate and the logout redirect consult.
//
// # Core Types
//
//   - User: A platform account, addressable by id, username, email or idnumber
//   - Session: Request-scoped session state, persisted between requests
//   - JSON: Custom type for flexible JSON data storage in various databases
package identity

import (
	"database/sql/driver"
	"errors"
	"time"
)

// Mapping fields a user can be resolved by.
const (
	FieldUsername = "username"
	FieldEmail    = "email"
	FieldIDNumber = "idnumber"
)

// LocalRealm is the realm of accounts managed by this platform, as opposed
// to federated accounts mirrored from another host.
const LocalRealm = "local"

// JSON is a custom type for handling JSON data in various storages.
type JSON []byte

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = []byte(v)
	default:
		return errors.New("invalid type for JSON")
	}
	return nil
}

// User represents a platform account.
type User struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	IDNumber  string     `json:"idnumber"`
	Realm     string     `json:"realm"`
	Auth      string     `json:"auth"`
	FirstName string     `json:"firstname"`
	LastName  string     `json:"lastname"`
	Suspended bool       `json:"suspended"`
	Deleted   bool       `json:"-"`
	LastLogin *time.Time `json:"lastlogin,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Field returns the value of a mapping field, or "" for unknown fields.
func (u *User) Field(name string) string {
	switch name {
	case FieldUsername:
		return u.Username
	case FieldEmail:
		return u.Email
	case FieldIDNumber:
		return u.IDNumber
	}
	return ""
}

// Session is the state kept for a visitor between requests.
//
// SkipSSO is tri-state: nil means the login page was never visited in this
// session, false that it was visited without opting out of SSO, and true that
// the visitor explicitly opted out.
type Session struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	UserKey    bool      `json:"userkey"`
	SkipSSO    *bool     `json:"skip_sso,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Authenticated reports whether a user is logged in on this session.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != ""
}

// SkipsSSO reports whether the visitor explicitly opted out of SSO.
func (s *Session) SkipsSSO() bool {
	return s.SkipSSO != nil && *s.SkipSSO
}
