package stores

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/magiclink/tokenstore"
	"github.com/redis/go-redis/v9"
)

// saveTokenLua creates a token hash only if the key does not exist yet.
// KEYS[1] = record key
// ARGV[1] = key TTL in milliseconds
// ARGV[2..] = field/value pairs
var saveTokenLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {err='duplicate'}
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// claimTokenLua marks a record used iff it exists, the email matches, it is
// unused and now < expires_at. Every failure is the same 'not_claimed' reply.
// KEYS[1] = record key
// ARGV[1] = normalized email
// ARGV[2] = now in unix milliseconds
//
// Returns the record fields (with used_at set) on success.
var claimTokenLua = redis.NewScript(`
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
  return {err='not_claimed'}
end

local rec = {}
for i = 1, #fields, 2 do
  rec[fields[i]] = fields[i + 1]
end

if rec['email'] ~= ARGV[1] then
  return {err='not_claimed'}
end
if rec['used_at'] and rec['used_at'] ~= '' then
  return {err='not_claimed'}
end

local expiresAt = tonumber(rec['expires_at'])
local now = tonumber(ARGV[2])
if not expiresAt or now >= expiresAt then
  return {err='not_claimed'}
end

redis.call('HSET', KEYS[1], 'used_at', ARGV[2])
table.insert(fields, 'used_at')
table.insert(fields, ARGV[2])
return fields
`)

// linkUserLua sets user_id on an existing record without recreating an
// expired key.
var linkUserLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {err='not_found'}
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[1])
return 1
`)

// RedisTokenStore keeps magic-link records as Redis hashes keyed by the
// token hash. Retention is the key TTL.
type RedisTokenStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisTokenStore returns a store using prefix as key namespace ("mlt" if empty).
func NewRedisTokenStore(redisClient redis.UniversalClient, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = "mlt"
	}
	return &RedisTokenStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisTokenStore) key(hash [32]byte) string {
	return s.prefix + ":" + base64.RawURLEncoding.EncodeToString(hash[:])
}

func (s *RedisTokenStore) Save(ctx context.Context, rec *tokenstore.Record, retention time.Duration) error {
	if rec == nil {
		return errors.New("nil token record")
	}

	ttl := rec.ExpiresAt.Sub(rec.IssuedAt) + retention
	if ttl <= 0 {
		ttl = retention
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	args := []interface{}{ttl.Milliseconds()}
	args = append(args,
		"id", rec.ID,
		"email", rec.SubjectEmail,
		"purpose", int(rec.Purpose),
		"issued_at", rec.IssuedAt.UnixMilli(),
		"expires_at", rec.ExpiresAt.UnixMilli(),
		"ip", rec.OriginIP,
		"ua", rec.OriginUserAgent,
	)
	if rec.LinkedUserID != "" {
		args = append(args, "user_id", rec.LinkedUserID)
	}
	if rec.UsedAt != nil {
		args = append(args, "used_at", rec.UsedAt.UnixMilli())
	}

	if err := saveTokenLua.Run(ctx, s.redis, []string{s.key(rec.TokenHash)}, args...).Err(); err != nil {
		if err.Error() == "duplicate" {
			return tokenstore.ErrDuplicateToken
		}
		return tokenstore.Unavailable(err)
	}
	return nil
}

func (s *RedisTokenStore) Claim(ctx context.Context, hash [32]byte, email string, now time.Time) (*tokenstore.Record, error) {
	result, err := claimTokenLua.Run(ctx, s.redis,
		[]string{s.key(hash)},
		email,
		now.UnixMilli(),
	).Result()
	if err != nil {
		if err.Error() == "not_claimed" {
			return nil, tokenstore.ErrNotClaimed
		}
		return nil, tokenstore.Unavailable(err)
	}

	values, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", tokenstore.ErrUnavailable)
	}
	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}

	rec, err := decodeTokenFields(hash, fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tokenstore.ErrUnavailable, err)
	}
	return rec, nil
}

func (s *RedisTokenStore) Lookup(ctx context.Context, hash [32]byte) (*tokenstore.Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(hash)).Result()
	if err != nil {
		return nil, tokenstore.Unavailable(err)
	}
	if len(fields) == 0 {
		return nil, tokenstore.ErrNotFound
	}

	rec, err := decodeTokenFields(hash, fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tokenstore.ErrUnavailable, err)
	}
	return rec, nil
}

func (s *RedisTokenStore) LinkUser(ctx context.Context, hash [32]byte, userID string) error {
	if err := linkUserLua.Run(ctx, s.redis, []string{s.key(hash)}, userID).Err(); err != nil {
		if err.Error() == "not_found" {
			return tokenstore.ErrNotFound
		}
		return tokenstore.Unavailable(err)
	}
	return nil
}

// PurgeBefore is a no-op: Redis expires records through key TTL.
func (s *RedisTokenStore) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisTokenStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return tokenstore.Unavailable(err)
	}
	return nil
}

func decodeTokenFields(hash [32]byte, fields map[string]string) (*tokenstore.Record, error) {
	purpose, err := strconv.Atoi(fields["purpose"])
	if err != nil {
		return nil, fmt.Errorf("invalid purpose field: %w", err)
	}
	issuedAt, err := parseMillis(fields["issued_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid issued_at field: %w", err)
	}
	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at field: %w", err)
	}

	rec := &tokenstore.Record{
		ID:              fields["id"],
		SubjectEmail:    fields["email"],
		TokenHash:       hash,
		Purpose:         tokenstore.Purpose(purpose),
		IssuedAt:        issuedAt,
		ExpiresAt:       expiresAt,
		OriginIP:        fields["ip"],
		OriginUserAgent: fields["ua"],
		LinkedUserID:    fields["user_id"],
	}
	if raw := fields["used_at"]; raw != "" {
		usedAt, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid used_at field: %w", err)
		}
		rec.UsedAt = &usedAt
	}
	return rec, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
