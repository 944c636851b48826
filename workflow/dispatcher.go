package workflow

import (
	"context"
	"sync"
)

// Dispatcher 把订阅者回调投递到 engine 的 owner 上执行, 必须保持投递顺序
type Dispatcher interface {
	Dispatch(fn func())
}

// Drainer 可以由 owner 主动执行积压回调的 Dispatcher
type Drainer interface {
	Drain() int
}

// Pumper 可以阻塞等待并执行回调的 Dispatcher
type Pumper interface {
	Pump(ctx context.Context, done <-chan struct{}) error
}

// InlineDispatcher 直接在发布事件的 goroutine 上执行回调, 用于测试和单 goroutine 场景
type InlineDispatcher struct{}

func (InlineDispatcher) Dispatch(fn func()) {
	fn()
}

// QueueDispatcher 先进先出队列, 回调只会在调用 Drain/Pump 的 goroutine 上执行
type QueueDispatcher struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
	signal   chan struct{}
}

var (
	_ Dispatcher = (*QueueDispatcher)(nil)
	_ Drainer    = (*QueueDispatcher)(nil)
	_ Pumper     = (*QueueDispatcher)(nil)
)

func NewQueueDispatcher() *QueueDispatcher {
	return &QueueDispatcher{signal: make(chan struct{}, 1)}
}

func (q *QueueDispatcher) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pending 队列里还没有执行的回调数量
func (q *QueueDispatcher) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Drain 逐个执行积压的回调直到队列为空, 返回执行的数量
// 回调里面再次调用 Drain 直接返回 0, 新的回调由外层继续执行, 保证顺序
func (q *QueueDispatcher) Drain() int {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	n := 0
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return n
		}
		fn := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()
		fn()
		n++
	}
}

// Pump 持续执行回调直到 done 关闭(关闭后再清空一次队列)或者 ctx 结束
func (q *QueueDispatcher) Pump(ctx context.Context, done <-chan struct{}) error {
	for {
		q.Drain()
		select {
		case <-q.signal:
		case <-done:
			q.Drain()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
