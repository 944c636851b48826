package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalRunLock 进程内的 RunLock, engine 默认使用它
func NewLocalRunLock() RunLock {
	return &localRunLock{}
}

type localRunLock struct {
	stateMu sync.Mutex
	locks   sync.Map // key -> *localLockEntry
}

type localLockEntry struct {
	mu    sync.Mutex
	value string
	timer *time.Timer
}

func (l *localRunLock) TryRun(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if _, held := heldLockValue(ctx, key); held {
		return f(ctx)
	}

	value := newLockValue()
	entryInterface, _ := l.locks.LoadOrStore(key, &localLockEntry{})
	entry := entryInterface.(*localLockEntry)
	if !entry.mu.TryLock() {
		return errors.WithMessagef(ErrLockFailed, "[localRunLock.TryRun] key %s has been locked", key)
	}

	l.stateMu.Lock()
	// 拿到的可能是刚刚被释放并且从 map 中删除的 entry
	if current, ok := l.locks.Load(key); !ok || current != entry {
		l.stateMu.Unlock()
		entry.mu.Unlock()
		return errors.WithMessagef(ErrLockFailed, "[localRunLock.TryRun] key %s is being released", key)
	}
	entry.value = value
	if ttl > 0 {
		entry.timer = time.AfterFunc(ttl, func() {
			l.release(key, entry, value)
		})
	}
	l.stateMu.Unlock()

	defer l.release(key, entry, value)
	return f(withHeldLock(ctx, key, value))
}

// release 只释放自己持有的锁, 超时释放之后再次释放直接忽略
func (l *localRunLock) release(key string, entry *localLockEntry, value string) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	current, ok := l.locks.Load(key)
	if !ok || current != entry {
		return
	}
	if entry.value != value {
		slog.Debug("[localRunLock.release] value mismatch", "key", key)
		return
	}
	entry.value = ""
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	l.locks.Delete(key)
	entry.mu.Unlock()
}
