package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLockBehaviour(t *testing.T, lock RunLock) {
	ctx := context.Background()

	t.Run("执行闭包", func(t *testing.T) {
		executed := false
		err := lock.TryRun(ctx, "engine:a", time.Minute, func(context.Context) error {
			executed = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("已经被锁定时立刻失败", func(t *testing.T) {
		err := lock.TryRun(ctx, "engine:b", time.Minute, func(context.Context) error {
			inner := lock.TryRun(ctx, "engine:b", time.Minute, func(context.Context) error {
				t.Fatal("should not run while locked")
				return nil
			})
			assert.ErrorIs(t, inner, ErrLockFailed)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("可以重入", func(t *testing.T) {
		depth := 0
		err := lock.TryRun(ctx, "engine:c", time.Minute, func(lockedCtx context.Context) error {
			return lock.TryRun(lockedCtx, "engine:c", time.Minute, func(context.Context) error {
				depth++
				return nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})

	t.Run("返回闭包的错误并且释放锁", func(t *testing.T) {
		boom := errors.New("boom")
		err := lock.TryRun(ctx, "engine:d", time.Minute, func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, lock.TryRun(ctx, "engine:d", time.Minute, func(context.Context) error { return nil }))
	})
}

func TestLocalRunLock(t *testing.T) {
	runLockBehaviour(t, NewLocalRunLock())
}

func TestLocalRunLock_ExpiresAfterTTL(t *testing.T) {
	lock := NewLocalRunLock()
	ctx := context.Background()
	release := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		_ = lock.TryRun(ctx, "engine:ttl", 20*time.Millisecond, func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired
	require.Eventually(t, func() bool {
		return lock.TryRun(ctx, "engine:ttl", time.Minute, func(context.Context) error { return nil }) == nil
	}, 2*time.Second, 10*time.Millisecond)
	close(release)
}

func TestRedisRunLock(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lock := NewRedisRunLock(client)
	runLockBehaviour(t, lock)

	t.Run("释放之后 key 被删除", func(t *testing.T) {
		err := lock.TryRun(context.Background(), "engine:e", time.Minute, func(context.Context) error {
			assert.True(t, server.Exists("engine:e"))
			return nil
		})
		require.NoError(t, err)
		assert.False(t, server.Exists("engine:e"))
	})

	t.Run("redis 不可用", func(t *testing.T) {
		broken := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
		t.Cleanup(func() { _ = broken.Close() })
		err := NewRedisRunLock(broken).TryRun(context.Background(), "engine:f", time.Minute, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrLockFailed)
	})
}
