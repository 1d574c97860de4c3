package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
)

type mockStorage struct {
	sessions map[string]*identity.Session
	saveErr  error
}

func newMockStorage() *mockStorage {
	return &mockStorage{sessions: make(map[string]*identity.Session)}
}

func (m *mockStorage) SaveSession(ctx context.Context, s *identity.Session) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m *mockStorage) GetSession(ctx context.Context, id string) (*identity.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	c := *s
	return &c, nil
}

func (m *mockStorage) DeleteSession(ctx context.Context, id string) error {
	if _, ok := m.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

type recordingNotifier struct {
	logouts []string
}

func (r *recordingNotifier) NotifyLogout(ctx context.Context, sess *identity.Session) error {
	r.logouts = append(r.logouts, sess.UserID)
	return nil
}

func TestManagerLifecycle(t *testing.T) {
	storage := newMockStorage()
	manager := NewManager(storage, time.Hour)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	manager.SetClock(func() time.Time { return now })
	ctx := context.Background()

	// Test Start
	sess, err := manager.Start(ctx, "")
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	if sess.ID == "" || sess.Authenticated() {
		t.Fatalf("expected fresh anonymous session, got %+v", sess)
	}
	if len(storage.sessions) != 0 {
		t.Error("fresh sessions must not be stored before Save")
	}

	// Test Save and resume
	skip := true
	sess.SkipSSO = &skip
	if err := manager.Save(ctx, sess); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}
	resumed, err := manager.Start(ctx, sess.ID)
	if err != nil {
		t.Fatalf("failed to resume session: %v", err)
	}
	if resumed.ID != sess.ID || !resumed.SkipsSSO() {
		t.Errorf("expected stored session to resume, got %+v", resumed)
	}

	// Test Regenerate
	oldID := sess.ID
	if err := manager.Regenerate(ctx, sess); err != nil {
		t.Fatalf("failed to regenerate session: %v", err)
	}
	if sess.ID == oldID {
		t.Error("expected session ID to rotate")
	}
	if _, ok := storage.sessions[oldID]; ok {
		t.Error("expected old session to be deleted")
	}
	if stored, ok := storage.sessions[sess.ID]; !ok || !stored.SkipsSSO() {
		t.Error("expected session state to be stored under the new id")
	}
}

func TestManagerRegenerateSaveFailure(t *testing.T) {
	storage := newMockStorage()
	manager := NewManager(storage, time.Hour)
	ctx := context.Background()

	sess, _ := manager.Start(ctx, "")
	manager.Save(ctx, sess)
	oldID := sess.ID

	storage.saveErr = errors.New("disk full")
	sess.UserID = "u1"
	if err := manager.Regenerate(ctx, sess); err == nil {
		t.Fatal("expected regeneration to fail")
	}
	if sess.ID != oldID {
		t.Error("session id must not change when the save fails")
	}
	if stored, ok := storage.sessions[oldID]; !ok || stored.Authenticated() {
		t.Error("the old session must be kept as it was")
	}
}

func TestManagerExpiry(t *testing.T) {
	storage := newMockStorage()
	manager := NewManager(storage, time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	manager.SetClock(func() time.Time { return now })
	ctx := context.Background()

	sess, _ := manager.Start(ctx, "")
	sess.UserID = "u1"
	manager.Save(ctx, sess)

	now = now.Add(2 * time.Minute)
	next, err := manager.Start(ctx, sess.ID)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	if next.ID == sess.ID || next.Authenticated() {
		t.Errorf("expected expired session to be replaced, got %+v", next)
	}
	if _, ok := storage.sessions[sess.ID]; ok {
		t.Error("expected expired session to be deleted")
	}
}

func TestManagerUnknownID(t *testing.T) {
	manager := NewManager(newMockStorage(), 0)
	sess, err := manager.Start(context.Background(), "forged")
	if err != nil {
		t.Fatalf("unknown id should start a new session, got %v", err)
	}
	if sess.ID == "forged" {
		t.Error("client supplied ids must not be adopted")
	}
}

func TestManagerDestroyNotifies(t *testing.T) {
	storage := newMockStorage()
	manager := NewManager(storage, time.Hour)
	notifier := &recordingNotifier{}
	manager.AddLogoutNotifier(notifier)
	ctx := context.Background()

	anon, _ := manager.Start(ctx, "")
	manager.Save(ctx, anon)
	if err := manager.Destroy(ctx, anon); err != nil {
		t.Fatalf("failed to destroy session: %v", err)
	}
	if len(notifier.logouts) != 0 {
		t.Error("anonymous sessions must not notify")
	}

	sess, _ := manager.Start(ctx, "")
	sess.UserID = "u1"
	manager.Save(ctx, sess)
	if err := manager.Destroy(ctx, sess); err != nil {
		t.Fatalf("failed to destroy session: %v", err)
	}
	if len(notifier.logouts) != 1 || notifier.logouts[0] != "u1" {
		t.Errorf("expected logout of u1, got %v", notifier.logouts)
	}
	if len(storage.sessions) != 0 {
		t.Errorf("expected no sessions left, got %d", len(storage.sessions))
	}
}
