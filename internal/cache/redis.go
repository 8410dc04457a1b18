package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Remote is the networked cache tier. Get returns ErrMiss for absent
// keys; MGet returns a nil slot for each absent key.
type Remote interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	IOTimeout   time.Duration
	PoolSize    int
}

// RedisRemote is a Remote backed by a go-redis client. One client (and
// its connection pool) is shared by every concurrent turn.
type RedisRemote struct {
	client *redis.Client
}

// NewRedis builds a client without connecting; Manager.Initialize pings.
// Connect and socket timeouts are kept short so an unreachable server
// degrades the tier quickly instead of stalling a turn.
func NewRedis(opts RedisOptions) *RedisRemote {
	return &RedisRemote{
		client: redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.IOTimeout,
			WriteTimeout: opts.IOTimeout,
			PoolSize:     opts.PoolSize,
			MaxRetries:   -1, // degradation, not retries, handles failures
		}),
	}
}

// Ping checks connectivity.
func (r *RedisRemote) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get fetches one key.
func (r *RedisRemote) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

// MGet fetches many keys in one round trip.
func (r *RedisRemote) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		switch s := v.(type) {
		case string:
			out[i] = []byte(s)
		case []byte:
			out[i] = s
		}
	}
	return out, nil
}

// Set writes one key with a TTL. A zero TTL stores without expiry.
func (r *RedisRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Close releases the connection pool.
func (r *RedisRemote) Close() error {
	return r.client.Close()
}
