package userkey

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
	sockaddr "github.com/hashicorp/go-sockaddr"
)

// ClaimIP is the claim carrying the address the user will redeem from.
const ClaimIP = "ip"

// SettingsSource supplies the settings in effect for a request.
type SettingsSource interface {
	Load(ctx context.Context) (Settings, error)
}

// StaticSettings is a SettingsSource that never changes.
type StaticSettings Settings

func (s StaticSettings) Load(context.Context) (Settings, error) {
	if err := CheckSettings(Settings(s)); err != nil {
		return Settings{}, err
	}
	return Settings(s), nil
}

// Parameter kinds accepted by the issuance call.
const (
	ParamUsername = "username"
	ParamEmail    = "email"
	ParamRaw      = "raw"
	ParamHost     = "host"
)

// Parameter describes one input of the issuance call.
type Parameter struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

var (
	emailPattern       = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
	usernameDisallowed = regexp.MustCompile(`[^-.@_a-z0-9]`)
)

// Resolver maps identity claims to a user and issues a login URL for them.
type Resolver struct {
	users    domain.UserStore
	keys     KeyManager
	settings SettingsSource
	audit    *audit.Logger
}

func NewResolver(users domain.UserStore, keys KeyManager, settings SettingsSource) *Resolver {
	return &Resolver{
		users:    users,
		keys:     keys,
		settings: settings,
	}
}

func (r *Resolver) SetAuditLogger(l *audit.Logger) { r.audit = l }

// Parameters describes the claims the issuance call accepts under the
// current settings.
func (r *Resolver) Parameters(ctx context.Context) ([]Parameter, error) {
	s, err := r.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	return parametersFor(s), nil
}

func parametersFor(s Settings) []Parameter {
	var params []Parameter
	switch s.Mapping() {
	case identity.FieldUsername:
		params = append(params, Parameter{Name: identity.FieldUsername, Kind: ParamUsername, Description: "Username"})
	case identity.FieldEmail:
		params = append(params, Parameter{Name: identity.FieldEmail, Kind: ParamEmail, Description: "A valid email address"})
	case identity.FieldIDNumber:
		params = append(params, Parameter{Name: identity.FieldIDNumber, Kind: ParamRaw, Description: "An arbitrary ID code number perhaps from the institution"})
	}
	if s.IPRestriction {
		params = append(params, Parameter{Name: ClaimIP, Kind: ParamHost, Description: "User IP address"})
	}
	return params
}

// CleanParam normalises value for kind. Values that do not fit the kind
// clean to "".
func CleanParam(kind, value string) string {
	value = strings.TrimSpace(value)
	switch kind {
	case ParamUsername:
		value = strings.ReplaceAll(strings.ToLower(value), " ", "")
		return usernameDisallowed.ReplaceAllString(value, "")
	case ParamEmail:
		if !emailPattern.MatchString(value) {
			return ""
		}
		return value
	case ParamHost:
		if _, err := sockaddr.NewIPAddr(value); err != nil {
			return ""
		}
		return value
	}
	return value
}

// LoginURL resolves claims to exactly one local user and returns
// baseURL + "/login?key=" + a freshly issued key.
func (r *Resolver) LoginURL(ctx context.Context, claims map[string]string, baseURL string) (string, error) {
	s, err := r.settings.Load(ctx)
	if err != nil {
		return "", err
	}

	cleaned := make(map[string]string, len(claims))
	for _, p := range parametersFor(s) {
		if v, ok := claims[p.Name]; ok {
			cleaned[p.Name] = CleanParam(p.Kind, v)
		}
	}

	// 1. Mapping field
	field := s.Mapping()
	value := cleaned[field]
	if value == "" {
		return "", newError(KindMissingField, `required field "`+field+`" is not set or empty`, nil)
	}

	// 2. Address claim
	ip := cleaned[ClaimIP]
	if s.IPRestriction && ip == "" {
		return "", newError(KindMissingIP, `required parameter "ip" is not set`, nil)
	}

	// 3. User
	user, err := r.findUser(ctx, field, value)
	if err != nil {
		r.audit.Record(ctx, audit.NewEvent(audit.EventKeyIssued).
			Actor(audit.ActorFrom(ctx)).
			Failure().
			IP(ip).
			Message(string(KindOf(err))))
		return "", err
	}

	// 4. Key
	var restriction string
	if s.IPRestriction {
		restriction = JoinRestrictions(ip, s.IPWhitelist)
	}
	key, err := r.keys.CreateKey(ctx, user.ID, time.Duration(s.KeyLifetime)*time.Second, restriction)
	if err != nil {
		return "", err
	}

	r.audit.Record(ctx, audit.NewEvent(audit.EventKeyIssued).
		Actor(audit.ActorFrom(ctx)).
		Subject(user.ID).
		Success().
		IP(ip))

	return strings.TrimRight(baseURL, "/") + "/login?key=" + key, nil
}

func (r *Resolver) findUser(ctx context.Context, field, value string) (*identity.User, error) {
	users, err := r.users.FindUsers(ctx, field, value, identity.LocalRealm)
	if err != nil {
		return nil, newError(KindPersistence, "find user", err)
	}

	switch len(users) {
	case 1:
		return users[0], nil
	case 0:
		// Account creation is not supported, whatever createuser says.
		return nil, newError(KindUserNotFound, "user does not exist", nil)
	default:
		return nil, newError(KindUserNotFound, "more than one user matches "+field, nil)
	}
}
