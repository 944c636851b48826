package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// defaultRedisLockTTL ttl 不合法时使用, redis 的 key 必须有过期时间
const defaultRedisLockTTL = 10 * time.Minute

// NewRedisRunLock 基于 redis 的 RunLock, 多个进程运行同一个 engine 任务时使用
func NewRedisRunLock(redisClient redis.Cmdable) RunLock {
	return &redisRunLock{redisClient: redisClient}
}

type redisRunLock struct {
	redisClient redis.Cmdable
}

func (d *redisRunLock) TryRun(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if _, held := heldLockValue(ctx, key); held {
		return f(ctx)
	}
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}

	value := newLockValue()
	isLock, err := d.redisClient.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockFailed, "[redisRunLock.TryRun] key %s, err: %v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockFailed, "[redisRunLock.TryRun] key %s has been locked", key)
	}
	defer d.release(key, value)
	return f(withHeldLock(ctx, key, value))
}

// release 原来的 ctx 可能已经被 cancel, 释放锁使用新的 context
func (d *redisRunLock) release(key string, value string) {
	reply, err := d.redisClient.Eval(context.Background(), releaseScript, []string{key}, value).Int64()
	if err != nil {
		slog.Warn("[redisRunLock.release] release key failed", "key", key, "error", err)
		return
	}
	if reply != 1 {
		slog.Warn("[redisRunLock.release] lock was not held any more", "key", key, "reply", reply)
	}
}
