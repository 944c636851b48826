package workflow

import "context"

type WorkflowEngine interface {
	/**
	 * @description: engine 的唯一标识, 也是默认运行锁 key 的一部分
	 * @return string
	 */
	ID() string
	/**
	 * @description: 追加 workflow 到执行队列, 运行中追加的 workflow 在下一次运行时执行
	 * @param workflow WorkflowRunner
	 * @return error
	 */
	Queue(workflow WorkflowRunner) error
	/**
	 * @description: 执行队列快照
	 * @return []WorkflowRunner
	 */
	Workflows() []WorkflowRunner
	/**
	 * @description: 在当前 goroutine 上阻塞运行队列中的所有 workflow
	 *				 已经在运行或者队列为空时返回 ErrInvalidOperation
	 *				 另一个相同运行锁 key 的 engine 正在运行时返回 ErrLockFailed
	 *				 ctx 结束等价于调用 CancelAsync
	 * @param ctx context.Context
	 * @return *EngineExecutionResult, error
	 */
	Run(ctx context.Context) (*EngineExecutionResult, error)
	/**
	 * @description: 在后台 goroutine 上运行, 前置条件和 Run 一样, 检查失败时同步返回错误
	 *				 订阅者回调通过 RunFuture.Wait 在调用者的 goroutine 上执行
	 * @param ctx context.Context
	 * @return *RunFuture, error
	 */
	RunAsync(ctx context.Context) (*RunFuture, error)
	/**
	 * @description: 请求取消, 当前正在执行的 activity 会执行完
	 *				 没有运行或者已经请求过取消时返回 ErrInvalidOperation
	 * @return error
	 */
	CancelAsync() error
	/**
	 * @description: 执行状态
	 * @return ExecutionState
	 */
	State() ExecutionState
	/**
	 * @description: 最近一次运行的结果, 没有运行过时返回 ErrInvalidOperation
	 * @return *EngineExecutionResult, error
	 */
	Result() (*EngineExecutionResult, error)
	/**
	 * @description: 订阅 engine 对外发布的事件, 回调在 owner 的 goroutine 上执行
	 * @param owner any 订阅者, UnsubscribeAll 使用
	 * @param kind EventKind
	 * @param handler EventHandler
	 * @return *Subscription
	 */
	Subscribe(owner any, kind EventKind, handler EventHandler) *Subscription
	/**
	 * @description: 撤销 owner 的全部订阅
	 * @param owner any
	 */
	UnsubscribeAll(owner any)
}
