package userkey

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
)

// PluginName namespaces the settings in the SettingsStore.
const PluginName = "auth_userkey"

// Setting names, as stored and as reported in field errors.
const (
	SettingMappingField  = "mappingfield"
	SettingKeyLifetime   = "keylifetime"
	SettingIPRestriction = "iprestriction"
	SettingIPWhitelist   = "ipwhitelist"
	SettingRedirectURL   = "redirecturl"
	SettingSSOURL        = "ssourl"
	SettingCreateUser    = "createuser"
	SettingUpdateUser    = "updateuser"
)

// DefaultMappingField is used when no mapping field is configured.
const DefaultMappingField = identity.FieldEmail

// Settings is the plugin configuration. It is read once per request and never
// mutated while a request is being served.
type Settings struct {
	MappingField  string `json:"mappingfield"`
	KeyLifetime   int    `json:"keylifetime"` // seconds
	IPRestriction bool   `json:"iprestriction"`
	IPWhitelist   string `json:"ipwhitelist"`
	RedirectURL   string `json:"redirecturl"`
	SSOURL        string `json:"ssourl"`

	// Provisioning is not implemented; these are stored but ignored.
	CreateUser bool `json:"createuser"`
	UpdateUser bool `json:"updateuser"`
}

// DefaultSettings returns the settings used before an administrator saves any.
func DefaultSettings() Settings {
	return Settings{
		MappingField: DefaultMappingField,
		KeyLifetime:  60,
	}
}

// AllowedMappingFields lists the user fields a claim can be mapped to.
func AllowedMappingFields() []string {
	return []string{identity.FieldUsername, identity.FieldEmail, identity.FieldIDNumber}
}

// Mapping returns the configured mapping field, falling back to the default.
func (s Settings) Mapping() string {
	if s.MappingField == "" {
		return DefaultMappingField
	}
	return s.MappingField
}

// Validate checks the settings and returns one message per invalid field.
// An empty map means the settings are valid.
func (s Settings) Validate() map[string]string {
	errs := make(map[string]string)

	if !isAllowedMappingField(s.Mapping()) {
		errs[SettingMappingField] = "Unsupported mapping field"
	}
	if s.KeyLifetime <= 0 {
		errs[SettingKeyLifetime] = "User key lifetime is incorrect"
	}
	if s.RedirectURL != "" && !isAbsoluteURL(s.RedirectURL) {
		errs[SettingRedirectURL] = "Redirect URL is incorrect"
	}
	if s.SSOURL != "" && !isAbsoluteURL(s.SSOURL) {
		errs[SettingSSOURL] = "SSO URL is incorrect"
	}
	if s.IPWhitelist != "" {
		if err := ValidateRestriction(s.IPWhitelist); err != nil {
			errs[SettingIPWhitelist] = "Whitelisted IPs are incorrect: " + err.Error()
		}
	}

	return errs
}

// CheckSettings returns a KindInvalidConfig error naming every invalid field,
// or nil when s is valid.
func CheckSettings(s Settings) error {
	errs := s.Validate()
	if len(errs) == 0 {
		return nil
	}
	fields := make([]string, 0, len(errs))
	for field, msg := range errs {
		fields = append(fields, field+": "+msg)
	}
	sort.Strings(fields)
	return newError(KindInvalidConfig, "invalid settings: "+strings.Join(fields, "; "), nil)
}

// ParseForm reads submitted form values on top of base. Values that cannot be
// parsed are reported alongside validation errors.
func ParseForm(values map[string]string, base Settings) (Settings, map[string]string) {
	s := base
	errs := make(map[string]string)

	if v, ok := values[SettingMappingField]; ok {
		s.MappingField = strings.TrimSpace(v)
	}
	if v, ok := values[SettingKeyLifetime]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs[SettingKeyLifetime] = "User key lifetime is incorrect"
		}
		s.KeyLifetime = n
	}
	if v, ok := values[SettingIPRestriction]; ok {
		s.IPRestriction = parseBool(v)
	}
	if v, ok := values[SettingIPWhitelist]; ok {
		s.IPWhitelist = strings.TrimSpace(v)
	}
	if v, ok := values[SettingRedirectURL]; ok {
		s.RedirectURL = strings.TrimSpace(v)
	}
	if v, ok := values[SettingSSOURL]; ok {
		s.SSOURL = strings.TrimSpace(v)
	}
	if v, ok := values[SettingCreateUser]; ok {
		s.CreateUser = parseBool(v)
	}
	if v, ok := values[SettingUpdateUser]; ok {
		s.UpdateUser = parseBool(v)
	}

	for field, msg := range s.Validate() {
		if _, seen := errs[field]; !seen {
			errs[field] = msg
		}
	}
	return s, errs
}

func (s Settings) values() map[string]string {
	return map[string]string{
		SettingMappingField:  s.Mapping(),
		SettingKeyLifetime:   strconv.Itoa(s.KeyLifetime),
		SettingIPRestriction: formatBool(s.IPRestriction),
		SettingIPWhitelist:   s.IPWhitelist,
		SettingRedirectURL:   s.RedirectURL,
		SettingSSOURL:        s.SSOURL,
		SettingCreateUser:    formatBool(s.CreateUser),
		SettingUpdateUser:    formatBool(s.UpdateUser),
	}
}

func isAllowedMappingField(field string) bool {
	for _, f := range AllowedMappingFields() {
		if f == field {
			return true
		}
	}
	return false
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ---- Settings Service ----

// SettingsService loads and saves Settings through a domain.SettingsStore.
type SettingsService struct {
	store    domain.SettingsStore
	defaults Settings
	audit    *audit.Logger
}

func NewSettingsService(store domain.SettingsStore, defaults Settings) *SettingsService {
	return &SettingsService{store: store, defaults: defaults}
}

// SetAuditLogger enables recording of settings changes.
func (s *SettingsService) SetAuditLogger(l *audit.Logger) { s.audit = l }

// Load returns the stored settings merged over the defaults. Settings that
// fail validation are reported as KindInvalidConfig and must not be used.
func (s *SettingsService) Load(ctx context.Context) (Settings, error) {
	settings, err := s.Stored(ctx)
	if err != nil {
		return Settings{}, err
	}
	if err := CheckSettings(settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Stored returns the stored settings merged over the defaults without
// validating them, so an administrator can inspect and repair them.
func (s *SettingsService) Stored(ctx context.Context) (Settings, error) {
	stored, err := s.store.LoadSettings(ctx, PluginName)
	if err != nil {
		return Settings{}, newError(KindPersistence, "load settings", err)
	}
	settings, _ := ParseForm(stored, s.defaults)
	return settings, nil
}

// Save validates the submitted values and persists the ones that changed.
// When any field is invalid nothing is written and the field errors are
// returned with a nil error.
func (s *SettingsService) Save(ctx context.Context, actor string, form map[string]string) (map[string]string, error) {
	current, err := s.Stored(ctx)
	if err != nil {
		return nil, err
	}

	next, fieldErrs := ParseForm(form, current)
	if len(fieldErrs) > 0 {
		return fieldErrs, nil
	}

	stored, err := s.store.LoadSettings(ctx, PluginName)
	if err != nil {
		return nil, newError(KindPersistence, "load settings", err)
	}

	changed := make(map[string]string)
	for name, value := range next.values() {
		if old, ok := stored[name]; !ok || old != value {
			changed[name] = value
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}

	if err := s.store.SaveSettings(ctx, PluginName, changed); err != nil {
		return nil, newError(KindPersistence, "save settings", err)
	}

	names := make([]string, 0, len(changed))
	for name := range changed {
		names = append(names, name)
	}
	sort.Strings(names)
	s.audit.Record(ctx, audit.NewEvent(audit.EventSettingsUpdate).
		Actor(actor).
		Success().
		Message("changed: "+strings.Join(names, ",")))

	return nil, nil
}
