// Package retention removes expired userkeys, expired sessions and old audit
// events.
//
// The Manager runs one cleanup on demand or periodically:
//
//	policy := retention.DefaultPolicy()
//	manager := retention.NewManager(store, policy)
//	report := manager.RunCleanup(ctx)
//	go manager.Run(ctx, time.Hour)
package retention

import (
	"context"
	"fmt"
	"time"
)

// Policy defines how long expired data is kept.
type Policy struct {
	// ExpiredKeyGrace keeps expired keys around so a late redemption is still
	// reported as expired rather than invalid. Zero purges them immediately.
	ExpiredKeyGrace time.Duration

	// SessionGrace keeps expired sessions before deleting them.
	SessionGrace time.Duration

	// AuditLogAge is how long audit events are kept. Zero keeps them forever.
	AuditLogAge time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		ExpiredKeyGrace: 24 * time.Hour,
		AuditLogAge:     365 * 24 * time.Hour,
	}
}

// Store deletes expired data. Each method returns how many records it
// removed.
type Store interface {
	PurgeExpiredKeys(ctx context.Context, before time.Time) (int64, error)
	PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error)
	PurgeAuditLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Hooks provides callbacks for retention operations.
type Hooks struct {
	// AfterPurge is called after each purge operation completes.
	AfterPurge func(ctx context.Context, dataType string, count int64, err error)

	// OnError is called when a purge operation fails.
	OnError func(ctx context.Context, dataType string, err error)
}

// Manager handles data retention and cleanup.
type Manager struct {
	store  Store
	policy *Policy
	hooks  Hooks
	now    func() time.Time
}

// NewManager creates a new retention manager. A nil policy uses
// DefaultPolicy.
func NewManager(store Store, policy *Policy) *Manager {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Manager{store: store, policy: policy, now: time.Now}
}

func (m *Manager) SetHooks(hooks Hooks) { m.hooks = hooks }

// SetClock overrides the time source used for cutoffs.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// RunCleanup executes all retention cleanup operations. A failing operation
// does not stop the others; its error is listed in the report.
func (m *Manager) RunCleanup(ctx context.Context) *Report {
	now := m.now()
	report := &Report{StartTime: now}

	report.KeysDeleted = m.purge(ctx, report, "userkeys", func() (int64, error) {
		return m.store.PurgeExpiredKeys(ctx, now.Add(-m.policy.ExpiredKeyGrace))
	})

	report.SessionsDeleted = m.purge(ctx, report, "sessions", func() (int64, error) {
		return m.store.PurgeExpiredSessions(ctx, now.Add(-m.policy.SessionGrace))
	})

	if m.policy.AuditLogAge > 0 {
		report.AuditLogsDeleted = m.purge(ctx, report, "audit_logs", func() (int64, error) {
			return m.store.PurgeAuditLogs(ctx, now.Add(-m.policy.AuditLogAge))
		})
	}

	report.EndTime = m.now()
	return report
}

func (m *Manager) purge(ctx context.Context, report *Report, dataType string, purgeFunc func() (int64, error)) int64 {
	count, err := purgeFunc()

	if m.hooks.AfterPurge != nil {
		m.hooks.AfterPurge(ctx, dataType, count, err)
	}
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", dataType, err))
		if m.hooks.OnError != nil {
			m.hooks.OnError(ctx, dataType, err)
		}
	}
	return count
}

// Run cleans up every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCleanup(ctx)
		}
	}
}

// Report summarizes a cleanup operation.
type Report struct {
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	KeysDeleted      int64     `json:"keys_deleted"`
	SessionsDeleted  int64     `json:"sessions_deleted"`
	AuditLogsDeleted int64     `json:"audit_logs_deleted"`
	Errors           []string  `json:"errors,omitempty"`
}
