package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by GetDel when the key is absent or expired.
var ErrNotFound = errors.New("key not found")

// KV is the slice of the shared key-value store the gateway relies on.
// GetDel must be a single atomic operation: of two concurrent callers for the
// same key at most one observes the value.
type KV interface {
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	GetDel(ctx context.Context, key string) (string, error)
	Ping(ctx context.Context) error
}

// RedisKV wraps go-redis. GetDel maps to the GETDEL command.
type RedisKV struct{ client redis.Cmdable }

func NewRedisKV(client redis.Cmdable) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) GetDel(ctx context.Context, key string) (string, error) {
	v, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MemoryKV is a process-local KV with lazy expiry. It is only correct for a
// single gateway instance.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: map[string]memItem{}, now: time.Now}
}

func (m *MemoryKV) SetEX(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.items[key] = memItem{value: value, expiresAt: exp}
	return nil
}

func (m *MemoryKV) GetDel(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	delete(m.items, key)
	return item.value, nil
}

func (m *MemoryKV) Ping(context.Context) error { return nil }

func (m *MemoryKV) cleanupLocked() {
	now := m.now()
	for k, v := range m.items {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewKV uses redis when it answers a ping and falls back to memory otherwise.
func NewKV(ctx context.Context, client *redis.Client, logger *slog.Logger) KV {
	if client != nil {
		err := client.Ping(ctx).Err()
		if err == nil {
			return NewRedisKV(client)
		}
		if logger != nil {
			logger.Warn("redis unreachable, using in-memory store", "error", err)
		}
	}
	return NewMemoryKV()
}
