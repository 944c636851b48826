package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RunLock 保证同一个 key 的 engine 同一时间只有一个运行
type RunLock interface {
	// TryRun
	//  @Description:  1.非阻塞, 没有拿到锁立刻返回 ErrLockFailed
	//                 2.可以重入, ctx 里面已经持有同一个 key 时直接执行
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param ttl 锁最长持有时间, 超时自动释放
	//  @param f 持有锁期间执行的闭包
	//  @return error
	TryRun(ctx context.Context, key string, ttl time.Duration, f func(ctx context.Context) error) error
}

type lockKey string

func heldLockValue(ctx context.Context, key string) (string, bool) {
	value, ok := ctx.Value(lockKey(key)).(string)
	return value, ok
}

func withHeldLock(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, lockKey(key), value)
}

func newLockValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}
