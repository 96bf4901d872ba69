package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
)

// DefaultTTL bounds how long a crashed holder keeps a key.
const DefaultTTL = 30 * time.Second

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares per-key locks across kernel replicas.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger Logger
	owned  bool
}

// NewRedisLocker connects to the server in cfg and verifies it answers.
func NewRedisLocker(cfg config.LockConfig, logger Logger) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	l := NewRedisLockerFromClient(client, cfg.Prefix, cfg.TTL, logger)
	l.owned = true
	return l, nil
}

// NewRedisLockerFromClient wraps an existing client. The client is not
// closed by Close.
func NewRedisLockerFromClient(client *redis.Client, prefix string, ttl time.Duration, logger Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// TryLock sets key with NX and a random token.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	full := l.prefix + key
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled; release regardless.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := unlockScript.Run(rctx, l.client, []string{full}, token).Err(); err != nil && l.logger != nil {
				l.logger.Warn("lock_release_failed", "key", full, "error", err.Error())
			}
		})
	}, true, nil
}

// Ping checks the server answers.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the client when the locker created it.
func (l *RedisLocker) Close() error {
	if !l.owned {
		return nil
	}
	return l.client.Close()
}
