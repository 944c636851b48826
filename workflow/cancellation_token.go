package workflow

import "sync/atomic"

// CancellationToken 一次性的协作式取消标志
// 由 EngineContext 持有, CancelAsync 设置, 在每个 workflow 和每个 activity 之前检查
type CancellationToken struct {
	pending atomic.Bool
}

func NewCancellationToken() *CancellationToken {
	return &CancellationToken{}
}

func (t *CancellationToken) CancellationPending() bool {
	return t.pending.Load()
}

// Cancel 请求取消, 已经处于取消中则返回错误
func (t *CancellationToken) Cancel() error {
	if !t.pending.CompareAndSwap(false, true) {
		return invalidOperation("cancellation is already pending")
	}
	return nil
}

func (t *CancellationToken) Reset() {
	t.pending.Store(false)
}
