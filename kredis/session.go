package kredis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/identity"
	"github.com/redis/go-redis/v9"
)

// SessionStore implements domain.SessionStore using Redis hashes that expire
// with the session.
type SessionStore struct {
	client *redis.Client
	prefix string
}

var _ domain.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a new Redis-based session store.
func NewSessionStore(client *redis.Client, prefix string) *SessionStore {
	if prefix == "" {
		prefix = "userkey:session:"
	}
	return &SessionStore{client: client, prefix: prefix}
}

func (s *SessionStore) key(id string) string {
	return s.prefix + id
}

func (s *SessionStore) SaveSession(ctx context.Context, sess *identity.Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return s.DeleteSession(ctx, sess.ID)
	}

	key := s.key(sess.ID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, encodeSession(sess))
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis session: save failed: %w", err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*identity.Session, error) {
	result, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis session: get failed: %w", err)
	}
	if len(result) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return decodeSession(id, result)
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis session: delete failed: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func encodeSession(sess *identity.Session) map[string]interface{} {
	skip := ""
	if sess.SkipSSO != nil {
		skip = "0"
		if *sess.SkipSSO {
			skip = "1"
		}
	}
	userKey := "0"
	if sess.UserKey {
		userKey = "1"
	}
	return map[string]interface{}{
		"user_id":     sess.UserID,
		"userkey":     userKey,
		"skip_sso":    skip,
		"remote_addr": sess.RemoteAddr,
		"created_at":  formatTime(&sess.CreatedAt),
		"updated_at":  formatTime(&sess.UpdatedAt),
		"expires_at":  formatTime(&sess.ExpiresAt),
	}
}

func decodeSession(id string, fields map[string]string) (*identity.Session, error) {
	sess := &identity.Session{
		ID:         id,
		UserID:     fields["user_id"],
		UserKey:    fields["userkey"] == "1",
		RemoteAddr: fields["remote_addr"],
	}
	switch fields["skip_sso"] {
	case "1":
		skip := true
		sess.SkipSSO = &skip
	case "0":
		skip := false
		sess.SkipSSO = &skip
	}

	for name, dst := range map[string]*time.Time{
		"created_at": &sess.CreatedAt,
		"updated_at": &sess.UpdatedAt,
		"expires_at": &sess.ExpiresAt,
	} {
		t, err := parseTime(fields[name])
		if err != nil {
			return nil, errors.New("redis session: corrupt " + name)
		}
		if t != nil {
			*dst = *t
		}
	}
	return sess, nil
}
