package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mavrin/marketauth/internal/apperrors"
	"github.com/mavrin/marketauth/internal/models"
)

// TokenRepo keeps tokens in redis instead of postgres.
// Row-level atomicity comes from Lua scripts; expiry comes from key TTLs,
// so the periodic sweep has nothing to do here.
type TokenRepo struct {
	client redis.UniversalClient
}

func NewTokenRepo(client redis.UniversalClient) *TokenRepo {
	return &TokenRepo{client: client}
}

// Stored record. Value is not duplicated inside the payload: it is the key
type tokenRecord struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Type        string `json:"type"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Blacklisted bool   `json:"blacklisted"`
}

func tokenKey(tokenType models.TokenType, value string) string {
	return "token:" + string(tokenType) + ":" + value
}

func tokenIDKey(id uuid.UUID) string {
	return "tokenid:" + id.String()
}

func userTokensKey(userID uuid.UUID, tokenType models.TokenType) string {
	return "usertokens:" + string(tokenType) + ":" + userID.String()
}

// saveLua inserts the record unless the value exists already.
// KEYS[1] = token key, KEYS[2] = id index key, KEYS[3] = user set key
// ARGV[1] = record json, ARGV[2] = ttl ms, ARGV[3] = token value
var saveLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {err='conflict'}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[2], KEYS[1], 'PX', ARGV[2])
redis.call('SADD', KEYS[3], ARGV[3])
local setTTL = redis.call('PTTL', KEYS[3])
if setTTL >= 0 and setTTL < tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[3], ARGV[2])
end
return 'OK'
`)

// consumeLua flips blacklisted exactly once.
// KEYS[1] = token key
var consumeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end
local record = cjson.decode(data)
if record['blacklisted'] then
  return {err='reused'}
end
record['blacklisted'] = true
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
return cjson.encode(record)
`)

// blacklistLua flips blacklisted whatever state the record is in.
// KEYS[1] = token key. Returns 1 if the record existed
var blacklistLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end
local record = cjson.decode(data)
record['blacklisted'] = true
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
return 1
`)

func (r *TokenRepo) Save(ctx context.Context, token models.Token) (models.Token, error) {
	payload, err := json.Marshal(tokenRecord{
		ID:          token.ID.String(),
		UserID:      token.UserID.String(),
		Type:        string(token.Type),
		IssuedAt:    token.IssuedAt.Unix(),
		ExpiresAt:   token.ExpiresAt.Unix(),
		Blacklisted: token.Blacklisted,
	})
	if err != nil {
		return token, fmt.Errorf("encode error: %w", err)
	}

	// Redis reaps the key at expires_at on its own. A token expiring in the
	// past still gets a moment on the wire so lookups see it uniformly gone
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	keys := []string{
		tokenKey(token.Type, token.Value),
		tokenIDKey(token.ID),
		userTokensKey(token.UserID, token.Type),
	}
	err = saveLua.Run(ctx, r.client, keys, payload, ttl.Milliseconds(), token.Value).Err()

	switch {
	case err == nil:
		return token, nil
	case isLuaErr(err, "conflict"):
		return token, apperrors.ErrTokenValueConflict
	default:
		return token, fmt.Errorf("redis error: %w", err)
	}
}

func (r *TokenRepo) Get(ctx context.Context, tokenType models.TokenType, value string) (models.Token, error) {
	var token models.Token

	data, err := r.client.Get(ctx, tokenKey(tokenType, value)).Bytes()
	switch {
	case err == nil:
		return decodeToken(data, value)
	case errors.Is(err, redis.Nil):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrTokenNotFound)
	default:
		return token, fmt.Errorf("redis error: %w", err)
	}
}

func (r *TokenRepo) Consume(ctx context.Context, tokenType models.TokenType, value string) (models.Token, error) {
	var token models.Token

	data, err := consumeLua.Run(ctx, r.client, []string{tokenKey(tokenType, value)}).Text()
	switch {
	case err == nil:
		return decodeToken([]byte(data), value)
	case isLuaErr(err, "not_found"):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrTokenNotFound)
	case isLuaErr(err, "reused"):
		got, getErr := r.Get(ctx, tokenType, value)
		if getErr != nil {
			return got, getErr
		}
		return got, fmt.Errorf("repo error: %w", apperrors.ErrTokenReused)
	default:
		return token, fmt.Errorf("redis error: %w", err)
	}
}

func (r *TokenRepo) Blacklist(ctx context.Context, tokenID uuid.UUID) error {
	key, err := r.client.Get(ctx, tokenIDKey(tokenID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil // token gone already, nothing to do
	case err != nil:
		return fmt.Errorf("redis error: %w", err)
	}

	if err := blacklistLua.Run(ctx, r.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (r *TokenRepo) BlacklistUserTokens(ctx context.Context, userID uuid.UUID, tokenType models.TokenType) (int64, error) {
	values, err := r.client.SMembers(ctx, userTokensKey(userID, tokenType)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}

	var count int64
	for _, value := range values {
		_, err := r.Consume(ctx, tokenType, value)
		switch {
		case err == nil:
			count++
		case errors.Is(err, apperrors.ErrTokenNotFound), errors.Is(err, apperrors.ErrTokenReused):
			// expired away or blacklisted already, not ours to count
		default:
			return count, err
		}
	}

	return count, nil
}

// DeleteExpiredBefore is a no-op: redis drops expired keys by itself
func (r *TokenRepo) DeleteExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func decodeToken(data []byte, value string) (models.Token, error) {
	var record tokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.Token{}, fmt.Errorf("decode error: %w", err)
	}

	id, err := uuid.Parse(record.ID)
	if err != nil {
		return models.Token{}, fmt.Errorf("decode error: %w", err)
	}
	userID, err := uuid.Parse(record.UserID)
	if err != nil {
		return models.Token{}, fmt.Errorf("decode error: %w", err)
	}

	return models.Token{
		ID:          id,
		UserID:      userID,
		Value:       value,
		Type:        models.TokenType(record.Type),
		IssuedAt:    time.Unix(record.IssuedAt, 0).UTC(),
		ExpiresAt:   time.Unix(record.ExpiresAt, 0).UTC(),
		Blacklisted: record.Blacklisted,
	}, nil
}

func isLuaErr(err error, code string) bool {
	return err != nil && err.Error() == code
}
