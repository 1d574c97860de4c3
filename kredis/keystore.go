// Package kredis stores userkeys, sessions and rate limit windows in Redis.
//
// Each key is a hash under <prefix>key:<script>:<value>. A set under
// <prefix>user:<script>:<userid> indexes the values issued to a user so they
// can be revoked together. Hashes carry a TTL of their validity plus a grace
// period: within the grace period an expired key still reports as expired
// rather than unknown. The index set lives at least as long as its longest
// lived member. Every script touches a single key, so the store also works
// against Redis Cluster.
package kredis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/getkayan/userkey/core/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultGrace is how long an expired key is kept before Redis evicts it.
const DefaultGrace = 24 * time.Hour

var createKeyScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'valid_until', ARGV[2], 'ip', ARGV[3], 'created_at', ARGV[4])
	local ttl = tonumber(ARGV[5])
	if ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
	end
	return 1
`)

// indexKeyScript adds a value to a user's index set and extends the set's
// TTL to cover it. A TTL of 0 marks a key that never expires.
var indexKeyScript = redis.NewScript(`
	local fresh = redis.call('EXISTS', KEYS[1]) == 0
	redis.call('SADD', KEYS[1], ARGV[1])
	local ttl = tonumber(ARGV[2])
	if ttl <= 0 then
		redis.call('PERSIST', KEYS[1])
		return 1
	end
	local current = redis.call('PTTL', KEYS[1])
	if fresh or (current >= 0 and current < ttl) then
		redis.call('PEXPIRE', KEYS[1], ttl)
	end
	return 1
`)

var consumeKeyScript = redis.NewScript(`
	local fields = redis.call('HGETALL', KEYS[1])
	if #fields > 0 then
		redis.call('DEL', KEYS[1])
	end
	return fields
`)

// KeyStore implements domain.KeyStore on Redis.
type KeyStore struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
}

var _ domain.KeyStore = (*KeyStore)(nil)

// NewKeyStore creates a new Redis-based key store.
func NewKeyStore(client *redis.Client, prefix string) *KeyStore {
	if prefix == "" {
		prefix = "userkey:"
	}
	return &KeyStore{
		client: client,
		prefix: prefix,
		grace:  DefaultGrace,
		now:    time.Now,
	}
}

// SetGrace overrides how long expired keys are retained.
func (s *KeyStore) SetGrace(d time.Duration) { s.grace = d }

func (s *KeyStore) keyPrefix(script string) string {
	return s.prefix + "key:" + script + ":"
}

func (s *KeyStore) userPrefix(script string) string {
	return s.prefix + "user:" + script + ":"
}

func (s *KeyStore) CreateKey(ctx context.Context, key *domain.UserKey) error {
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var ttl int64
	if key.ValidUntil != nil {
		ttl = key.ValidUntil.Add(s.grace).Sub(s.now()).Milliseconds()
		if ttl <= 0 {
			ttl = 1
		}
	}

	res, err := createKeyScript.Run(ctx, s.client,
		[]string{s.keyPrefix(key.Script) + key.Value},
		key.UserID,
		formatTime(key.ValidUntil),
		key.IPRestriction,
		createdAt.UnixNano(),
		ttl,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis keys: create failed: %w", err)
	}
	if res == 0 {
		return domain.ErrKeyExists
	}

	err = indexKeyScript.Run(ctx, s.client,
		[]string{s.userPrefix(key.Script) + key.UserID},
		key.Value,
		ttl,
	).Err()
	if err != nil {
		// An unindexed key could not be revoked; take it back.
		s.client.Del(ctx, s.keyPrefix(key.Script)+key.Value)
		return fmt.Errorf("redis keys: index failed: %w", err)
	}
	return nil
}

func (s *KeyStore) ConsumeKey(ctx context.Context, script, value string) (*domain.UserKey, error) {
	res, err := consumeKeyScript.Run(ctx, s.client,
		[]string{s.keyPrefix(script) + value},
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis keys: consume failed: %w", err)
	}
	if len(res) == 0 {
		return nil, domain.ErrKeyNotFound
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	// A member left behind here is pruned by CountKeys or expires with the set.
	s.client.SRem(ctx, s.userPrefix(script)+fields["user_id"], value)
	return decodeKey(script, value, fields)
}

// DeleteUserKeys deletes every key indexed for userID. Only the members it
// read are removed from the index, so a key issued concurrently stays
// revocable.
func (s *KeyStore) DeleteUserKeys(ctx context.Context, script, userID string) (int64, error) {
	indexKey := s.userPrefix(script) + userID
	values, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis keys: revoke failed: %w", err)
	}
	if len(values) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	dels := make([]*redis.IntCmd, len(values))
	members := make([]interface{}, len(values))
	for i, v := range values {
		dels[i] = pipe.Del(ctx, s.keyPrefix(script)+v)
		members[i] = v
	}
	pipe.SRem(ctx, indexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis keys: revoke failed: %w", err)
	}

	var deleted int64
	for _, d := range dels {
		deleted += d.Val()
	}
	return deleted, nil
}

// DeleteExpiredKeys scans the keys of script and deletes those that expired
// before the given time. Redis evicts them on its own after the grace
// period; this only shortens the wait.
func (s *KeyStore) DeleteExpiredKeys(ctx context.Context, script string, before time.Time) (int64, error) {
	var deleted int64
	prefix := s.keyPrefix(script)
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		fields, err := s.client.HMGet(ctx, redisKey, "user_id", "valid_until").Result()
		if err != nil {
			return deleted, fmt.Errorf("redis keys: purge failed: %w", err)
		}
		validUntil, _ := parseTime(toString(fields[1]))
		if validUntil == nil || !validUntil.Before(before) {
			continue
		}

		value := redisKey[len(prefix):]
		pipe := s.client.Pipeline()
		del := pipe.Del(ctx, redisKey)
		pipe.SRem(ctx, s.userPrefix(script)+toString(fields[0]), value)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("redis keys: purge failed: %w", err)
		}
		deleted += del.Val()
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis keys: purge failed: %w", err)
	}
	return deleted, nil
}

func (s *KeyStore) CountKeys(ctx context.Context, script, userID string) (int64, error) {
	var n int64
	if userID != "" {
		values, err := s.client.SMembers(ctx, s.userPrefix(script)+userID).Result()
		if err != nil {
			return 0, fmt.Errorf("redis keys: count failed: %w", err)
		}
		for _, v := range values {
			exists, err := s.client.Exists(ctx, s.keyPrefix(script)+v).Result()
			if err != nil {
				return 0, fmt.Errorf("redis keys: count failed: %w", err)
			}
			if exists == 0 {
				s.client.SRem(ctx, s.userPrefix(script)+userID, v)
			}
			n += exists
		}
		return n, nil
	}

	iter := s.client.Scan(ctx, 0, s.keyPrefix(script)+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis keys: count failed: %w", err)
	}
	return n, nil
}

func decodeKey(script, value string, fields map[string]string) (*domain.UserKey, error) {
	validUntil, err := parseTime(fields["valid_until"])
	if err != nil {
		return nil, fmt.Errorf("redis keys: corrupt valid_until: %w", err)
	}
	createdAt, _ := parseTime(fields["created_at"])

	key := &domain.UserKey{
		Script:        script,
		Value:         value,
		UserID:        fields["user_id"],
		ValidUntil:    validUntil,
		IPRestriction: fields["ip"],
	}
	if createdAt != nil {
		key.CreatedAt = *createdAt
	}
	return key, nil
}

// formatTime encodes t as unix nanoseconds; nil and zero encode as "0".
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" || s == "0" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.Unix(0, n)
	return &t, nil
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
