package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the key only while it still carries the caller's token, so
// an expired holder cannot release a lock someone else has since taken.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisLocker shares lot locks between server replicas. The TTL bounds how long
// a crashed holder can block a key.
type RedisLocker struct {
	rdb        *redis.Client
	unlockSc   *redis.Script
	ttl        time.Duration
	wait       time.Duration
	retryEvery time.Duration
}

func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{
		rdb:        rdb,
		unlockSc:   redis.NewScript(unlockLua),
		ttl:        ttl,
		wait:       wait,
		retryEvery: 25 * time.Millisecond,
	}
}

func redisKey(key string) string {
	return "lock:" + key
}

func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lk := redisKey(key)
	deadline := time.Now().Add(r.wait)
	for {
		ok, err := r.rdb.SetNX(ctx, lk, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, ErrBusy
		}
		timer := time.NewTimer(r.retryEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.unlockSc.Run(unlockCtx, r.rdb, []string{lk}, token).Err()
	}, nil
}

var _ Locker = (*RedisLocker)(nil)
var _ Locker = (*Local)(nil)
