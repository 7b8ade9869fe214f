package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/guidebook/internal/booking/domain"
)

const defaultLockPrefix = "lock:slot:"

// ErrLockUnavailable is returned when the slot stayed locked for every attempt.
var ErrLockUnavailable = errors.New("slot lock unavailable")

// RedisLockerConfig tunes acquisition retries.
type RedisLockerConfig struct {
	Prefix      string
	TTL         time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// RedisLocker coordinates slot locks across instances using SET NX PX. Each
// holder writes a random token so release never deletes a lock that expired
// and was taken by someone else.
type RedisLocker struct {
	client  redis.Cmdable
	cfg     RedisLockerConfig
	release *redis.Script
	logger  *zap.Logger
}

// NewRedisLocker constructs the distributed locker.
func NewRedisLocker(client redis.Cmdable, logger *zap.Logger, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultLockPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, cfg: cfg, release: redis.NewScript(releaseLua), logger: logger}
}

// Acquire retries with exponential backoff, capped at 16x the base delay.
func (r *RedisLocker) Acquire(ctx context.Context, slot domain.Slot) (func(), error) {
	key := r.cfg.Prefix + slot.Key()
	token := uuid.NewString()
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
		if err != nil {
			lockWaits.WithLabelValues("redis", "error").Inc()
			return nil, fmt.Errorf("redis setnx: %w: %w", domain.ErrStorage, err)
		}
		if ok {
			lockWaits.WithLabelValues("redis", "acquired").Inc()
			return r.releaseFunc(key, token), nil
		}
		if attempt < r.cfg.MaxAttempts-1 {
			backoff := r.cfg.Backoff << min(attempt, 4)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lockWaits.WithLabelValues("redis", "cancelled").Inc()
				return nil, ctx.Err()
			}
		}
	}
	lockWaits.WithLabelValues("redis", "exhausted").Inc()
	return nil, fmt.Errorf("%s: %w: %w", slot.Key(), domain.ErrStorage, ErrLockUnavailable)
}

func (r *RedisLocker) releaseFunc(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even when the caller's context is already cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := r.release.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn("slot lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`
