package kgorm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
	"github.com/getkayan/userkey/core/userkey"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open("sqlite", filepath.Join(t.TempDir(), "userkey.db"))
	if err != nil {
		t.Fatalf("failed to setup repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestUsers(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	seed := []*identity.User{
		{ID: "u1", Username: "alice", Email: "alice@example.com", IDNumber: "A1"},
		{ID: "u2", Username: "bob", Email: "shared@example.com"},
		{ID: "u3", Username: "carol", Email: "shared@example.com"},
		{ID: "u4", Username: "dave", Email: "dave@example.com", Deleted: true},
		{ID: "u5", Username: "erin", Email: "erin@example.com", Realm: "mnet"},
	}
	for _, u := range seed {
		if err := repo.CreateUser(ctx, u); err != nil {
			t.Fatalf("failed to create user %s: %v", u.ID, err)
		}
	}

	tests := []struct {
		field, value string
		want         int
	}{
		{identity.FieldEmail, "alice@example.com", 1},
		{identity.FieldUsername, "alice", 1},
		{identity.FieldIDNumber, "A1", 1},
		{identity.FieldEmail, "shared@example.com", 2},
		{identity.FieldEmail, "dave@example.com", 0},
		{identity.FieldEmail, "erin@example.com", 0},
		{identity.FieldEmail, "nobody@example.com", 0},
	}
	for _, tt := range tests {
		users, err := repo.FindUsers(ctx, tt.field, tt.value, identity.LocalRealm)
		if err != nil {
			t.Fatalf("FindUsers(%s, %s) failed: %v", tt.field, tt.value, err)
		}
		if len(users) != tt.want {
			t.Errorf("FindUsers(%s, %s): expected %d users, got %d", tt.field, tt.value, tt.want, len(users))
		}
	}

	if _, err := repo.FindUsers(ctx, "password", "x", identity.LocalRealm); err == nil {
		t.Error("expected unsupported field to be rejected")
	}

	if _, err := repo.GetUser(ctx, "missing"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}

	if err := repo.TouchLastLogin(ctx, "u1"); err != nil {
		t.Fatalf("TouchLastLogin failed: %v", err)
	}
	u, _ := repo.GetUser(ctx, "u1")
	if u.LastLogin == nil {
		t.Error("expected last login to be recorded")
	}
}

func TestKeys(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	keys := []*domain.UserKey{
		{Script: userkey.Script, Value: "k1", UserID: "u1", ValidUntil: &future, IPRestriction: "10.0.0.0/24"},
		{Script: userkey.Script, Value: "k2", UserID: "u1", ValidUntil: &past},
		{Script: userkey.Script, Value: "k3", UserID: "u2"},
		{Script: "rss/feed", Value: "k1", UserID: "u1"},
	}
	for _, k := range keys {
		if err := repo.CreateKey(ctx, k); err != nil {
			t.Fatalf("failed to create key %s/%s: %v", k.Script, k.Value, err)
		}
	}

	// 1. Duplicate value in the same script
	err := repo.CreateKey(ctx, &domain.UserKey{Script: userkey.Script, Value: "k1", UserID: "u9"})
	if !errors.Is(err, domain.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	// 2. Consume once
	k, err := repo.ConsumeKey(ctx, userkey.Script, "k1")
	if err != nil {
		t.Fatalf("ConsumeKey failed: %v", err)
	}
	if k.UserID != "u1" || k.IPRestriction != "10.0.0.0/24" || k.ValidUntil == nil || !k.ValidUntil.Equal(future) {
		t.Errorf("unexpected key %+v", k)
	}
	if _, err := repo.ConsumeKey(ctx, userkey.Script, "k1"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected second consume to fail, got %v", err)
	}
	if n, _ := repo.CountKeys(ctx, "rss/feed", "u1"); n != 1 {
		t.Error("key of another script must survive")
	}

	// 3. Purge expired
	n, err := repo.DeleteExpiredKeys(ctx, userkey.Script, now)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired key purged, got %d (%v)", n, err)
	}
	if n, _ := repo.CountKeys(ctx, userkey.Script, ""); n != 1 {
		t.Errorf("expected the key without expiry to remain, got %d", n)
	}

	// 4. Revoke per user
	n, err = repo.DeleteUserKeys(ctx, userkey.Script, "u2")
	if err != nil || n != 1 {
		t.Errorf("expected 1 key revoked, got %d (%v)", n, err)
	}
}

func TestSessions(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	skip := true
	sess := &identity.Session{ID: "s1", SkipSSO: &skip, ExpiresAt: now.Add(time.Hour)}
	if err := repo.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	sess.UserID = "u1"
	sess.UserKey = true
	if err := repo.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession update failed: %v", err)
	}

	got, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.UserID != "u1" || !got.UserKey || !got.SkipsSSO() {
		t.Errorf("unexpected session %+v", got)
	}

	repo.SaveSession(ctx, &identity.Session{ID: "old", ExpiresAt: now.Add(-time.Hour)})
	if n, _ := repo.DeleteExpiredSessions(ctx, now); n != 1 {
		t.Errorf("expected 1 expired session purged, got %d", n)
	}

	if err := repo.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := repo.GetSession(ctx, "s1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := repo.DeleteSession(ctx, "s1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on second delete, got %v", err)
	}
}

func TestSettings(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.SaveSettings(ctx, "auth_userkey", map[string]string{"keylifetime": "60", "mappingfield": "email"}); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	if err := repo.SaveSettings(ctx, "auth_userkey", map[string]string{"keylifetime": "300"}); err != nil {
		t.Fatalf("SaveSettings update failed: %v", err)
	}
	repo.SaveSettings(ctx, "other", map[string]string{"keylifetime": "1"})

	values, err := repo.LoadSettings(ctx, "auth_userkey")
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if len(values) != 2 || values["keylifetime"] != "300" || values["mappingfield"] != "email" {
		t.Errorf("unexpected settings %v", values)
	}
}

func TestAuditEvents(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	logger := audit.NewLogger(repo, audit.Hooks{})

	logger.Record(ctx, audit.NewEvent(audit.EventKeyIssued).Subject("u1").Success())
	logger.Record(ctx, audit.NewEvent(audit.EventKeyRejected).Subject("u1").Failure().Message("expiredkey"))
	logger.Record(ctx, audit.NewEvent(audit.EventKeyIssued).Subject("u2").Success())

	events, err := logger.Query(ctx, audit.Filter{SubjectID: "u1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for u1, got %d", len(events))
	}

	events, _ = logger.Query(ctx, audit.Filter{Statuses: []string{audit.StatusFailure}})
	if len(events) != 1 || events[0].Message != "expiredkey" {
		t.Errorf("unexpected failure events %+v", events)
	}

	n, err := repo.Purge(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 3 {
		t.Errorf("expected 3 events purged, got %d (%v)", n, err)
	}
}

func TestKeyManagerOverGorm(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	repo.CreateUser(ctx, &identity.User{ID: "u1", Email: "alice@example.com"})

	keys := NewDefaultKeyManager(repo.DB())
	settings := NewDefaultSettingsService(repo.DB())
	resolver := userkey.NewResolver(repo, keys, settings)
	activator := userkey.NewActivator(keys, repo, NewDefaultSessionManager(repo.DB(), time.Hour))

	loginURL, err := resolver.LoginURL(ctx, map[string]string{"email": "alice@example.com"}, "https://lms.example.com")
	if err != nil {
		t.Fatalf("LoginURL failed: %v", err)
	}
	key := loginURL[len("https://lms.example.com/login?key="):]

	sess := &identity.Session{ID: "anon"}
	if _, err := activator.Redeem(ctx, sess, key, "10.0.0.1", ""); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if _, err := repo.GetSession(ctx, sess.ID); err != nil {
		t.Errorf("expected authenticated session to be stored: %v", err)
	}
	if _, err := activator.Redeem(ctx, &identity.Session{ID: "anon2"}, key, "10.0.0.1", ""); userkey.KindOf(err) != userkey.KindInvalidKey {
		t.Errorf("expected replay to fail with invalidkey, got %v", err)
	}
}
