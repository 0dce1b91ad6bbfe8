package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// casScript swaps the value only while the stored generation still matches
// the caller's expectation. An expectation of 0 means the key must be absent.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
  local decoded = cjson.decode(current)
  if tostring(decoded['generation']) ~= ARGV[1] then
    return 0
  end
elseif ARGV[1] ~= '0' then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore implements Store on a Redis instance.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client, timeout: 500 * time.Millisecond}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, key, payload, ttl).Err()
}

// CompareAndSwap implements Store via a Lua script so the generation check
// and the write happen in one round trip.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value Versioned, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := casScript.Run(ctx, s.client, []string{key}, expected, payload, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrConflict
	}
	return nil
}

// Increment implements Store. The TTL is attached on first write, mirroring
// the INCR/EXPIRE counter idiom.
func (s *RedisStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	value, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, err
	}
	if value == delta && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return value, err
		}
	}
	return value, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Del(ctx, key).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
