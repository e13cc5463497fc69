package oauth2

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"epayment-client/internal/clock"
	"epayment-client/internal/common/errors"
)

const redisTokenPrefix = "epayment:token:"

// RedisInterface is the part of the redis client the token store uses.
// *redis.Client from internal/redis satisfies it.
type RedisInterface interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisTokenStore implements TokenStore on Redis. Entries expire together
// with the token they hold.
type RedisTokenStore struct {
	client RedisInterface
	prefix string
	clock  clock.Clock
}

// NewRedisTokenStore creates a Redis-backed token store. clk decides the
// remaining lifetime used as key TTL; nil means wall clock.
func NewRedisTokenStore(client RedisInterface, clk clock.Clock) *RedisTokenStore {
	return &RedisTokenStore{
		client: client,
		prefix: redisTokenPrefix,
		clock:  clock.OrReal(clk),
	}
}

// Save implements TokenStore. Tokens that are already expired are not stored.
func (s *RedisTokenStore) Save(ctx context.Context, key string, token AccessToken) error {
	ttl := token.Remaining(s.clock.Now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return errors.InternalError("failed to encode access token", err)
	}

	if err := s.client.Set(ctx, s.prefix+key, data, ttl); err != nil {
		return errors.ConnectionError("failed to store access token", err)
	}
	return nil
}

// Load implements TokenStore
func (s *RedisTokenStore) Load(ctx context.Context, key string) (*AccessToken, error) {
	data, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		if stderrors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, errors.ConnectionError("failed to load access token", err)
	}

	var token AccessToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, errors.MalformedError("stored access token is not valid JSON", err)
	}
	return &token, nil
}

// Delete implements TokenStore
func (s *RedisTokenStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Delete(ctx, s.prefix+key); err != nil {
		return errors.ConnectionError("failed to delete access token", err)
	}
	return nil
}
