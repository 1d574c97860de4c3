// Package audit records security events raised by key issuance, redemption,
// logout and settings changes.
package audit

import (
	"context"
	"time"

	"github.com/getkayan/userkey/core/identity"
	"github.com/google/uuid"
)

// Event represents a structured security event record.
type Event struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`       // e.g., "userkey.redeemed"
	ActorID   string        `json:"actor_id"`   // The caller performing the action
	SubjectID string        `json:"subject_id"` // The affected user
	Status    string        `json:"status"`     // "success", "failure", "blocked"
	Message   string        `json:"message"`
	IPAddress string        `json:"ip_address,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Metadata  identity.JSON `json:"metadata,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store defines the interface for persisting and querying audit events.
type Store interface {
	SaveEvent(ctx context.Context, event *Event) error

	// Query returns events matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]Event, error)

	// Purge deletes events older than the specified time and returns how many
	// were deleted.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Filter for querying audit events.
type Filter struct {
	SubjectID string
	Types     []string
	Statuses  []string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

const (
	EventKeyIssued      = "userkey.issued"
	EventKeyRedeemed    = "userkey.redeemed"
	EventKeyRejected    = "userkey.rejected"
	EventKeysRevoked    = "userkey.revoked"
	EventRateLimited    = "security.rate_limited"
	EventSettingsUpdate = "settings.updated"
	EventLogout         = "auth.logout"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusBlocked = "blocked"
)

// ---- Event Builder ----

// EventBuilder provides a fluent API for creating audit events.
type EventBuilder struct {
	event *Event
}

// NewEvent starts building a new audit event.
func NewEvent(eventType string) *EventBuilder {
	return &EventBuilder{
		event: &Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			CreatedAt: time.Now(),
		},
	}
}

func (b *EventBuilder) Actor(actorID string) *EventBuilder {
	b.event.ActorID = actorID
	return b
}

func (b *EventBuilder) Subject(subjectID string) *EventBuilder {
	b.event.SubjectID = subjectID
	return b
}

func (b *EventBuilder) Success() *EventBuilder {
	b.event.Status = StatusSuccess
	return b
}

func (b *EventBuilder) Failure() *EventBuilder {
	b.event.Status = StatusFailure
	return b
}

func (b *EventBuilder) Blocked() *EventBuilder {
	b.event.Status = StatusBlocked
	return b
}

func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

func (b *EventBuilder) IP(ip string) *EventBuilder {
	b.event.IPAddress = ip
	return b
}

func (b *EventBuilder) Session(sessionID string) *EventBuilder {
	b.event.SessionID = sessionID
	return b
}

func (b *EventBuilder) Metadata(meta identity.JSON) *EventBuilder {
	b.event.Metadata = meta
	return b
}

// Build returns the constructed event.
func (b *EventBuilder) Build() *Event {
	return b.event
}

// ---- Logger Wrapper ----

// Hooks provides extension points for audit behavior.
type Hooks struct {
	// BeforeSave is called before persisting an event.
	// Modify the event or return error to prevent saving.
	BeforeSave func(ctx context.Context, event *Event) error

	// OnError is called when the store fails. Audit failures never abort the
	// operation being audited.
	OnError func(ctx context.Context, event *Event, err error)
}

// Logger wraps a Store and applies hooks. A nil *Logger discards events.
type Logger struct {
	store Store
	hooks Hooks
}

// NewLogger creates a new audit logger.
func NewLogger(store Store, hooks Hooks) *Logger {
	return &Logger{store: store, hooks: hooks}
}

// Record persists the event built by b.
func (l *Logger) Record(ctx context.Context, b *EventBuilder) {
	if l == nil || l.store == nil {
		return
	}
	event := b.Build()

	if l.hooks.BeforeSave != nil {
		if err := l.hooks.BeforeSave(ctx, event); err != nil {
			return
		}
	}

	if err := l.store.SaveEvent(ctx, event); err != nil && l.hooks.OnError != nil {
		l.hooks.OnError(ctx, event, err)
	}
}

// Query delegates to the store.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]Event, error) {
	return l.store.Query(ctx, filter)
}

type actorKey struct{}

// WithActor attaches the authenticated caller to ctx for event attribution.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the caller attached by WithActor, or "".
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
