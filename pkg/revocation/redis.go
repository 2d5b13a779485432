package revocation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "revoked_tokens"

// RedisSource stores revoked ids in a sorted set scored by the token's own
// expiry, so entries stop mattering once the token could not be used anyway.
type RedisSource struct {
	Client redis.Cmdable
	Key    string
	Now    func() time.Time
}

func NewRedisSource(client redis.Cmdable, key string) *RedisSource {
	if key == "" {
		key = DefaultKey
	}
	return &RedisSource{Client: client, Key: key, Now: time.Now}
}

// RevokedIDs lists ids whose tokens have not yet expired.
func (s *RedisSource) RevokedIDs(ctx context.Context) ([]string, error) {
	if s.Client == nil {
		return nil, errors.New("revocation store unavailable")
	}
	return s.Client.ZRangeByScore(ctx, s.Key, &redis.ZRangeBy{
		Min: strconv.FormatInt(s.now().Unix(), 10),
		Max: "+inf",
	}).Result()
}

// Revoke records jti until expiresAt and prunes entries that have aged out.
func (s *RedisSource) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if s.Client == nil {
		return errors.New("revocation store unavailable")
	}
	if jti == "" {
		return errors.New("jti required")
	}
	_, err := s.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.Key, redis.Z{Score: float64(expiresAt.Unix()), Member: jti})
		p.ZRemRangeByScore(ctx, s.Key, "-inf", "("+strconv.FormatInt(s.now().Unix(), 10))
		return nil
	})
	return err
}

func (s *RedisSource) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
