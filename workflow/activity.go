package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActivityWorker activity 的具体执行逻辑,需要外部实现
type ActivityWorker interface {
	/**
	 * @description: 描述, 会出现在 activity 事件里面
	 */
	Description() string
	/**
	 * @description: 是否可以取消, 为 true 时 workflow 会在它停止之后检查取消标志
	 */
	IsCancellable() bool
	/**
	 * @description: 执行
	 * @param ctx context.Context 上下文
	 * @param scope *ActivityScope 本次执行注入的 workflow/engine 上下文
	 * @return ActivityResult 必须是 successful/failed/canceled 之一
	 * @return error 非预期错误, workflow 会发布 error-occurred 并且失败
	 */
	Run(ctx context.Context, scope *ActivityScope) (ActivityResult, error)
}

// ContextBinder workflow 在执行 activity 之前注入上下文
type ContextBinder interface {
	BindWorkflowContext(wfCtx WorkflowContext)
	BindEngineContext(engineCtx *EngineContext)
}

// Activity workflow 中的一个执行单元, 状态 NotStarted -> Running -> Stopped
type Activity interface {
	ContextBinder
	ID() string
	Description() string
	IsCancellable() bool
	State() ExecutionState
	// Result 只有 Stopped 时可读
	Result() (ActivityResult, error)
	Execute(ctx context.Context) (ActivityResult, error)
	Reset()
}

type RunFunc func(ctx context.Context, scope *ActivityScope) (ActivityResult, error)

// NormalActivityWorker 函数形式的 ActivityWorker
type NormalActivityWorker struct {
	description string
	cancellable bool
	runHandler  RunFunc
}

func NewNormalActivityWorker(description string, cancellable bool, run RunFunc) *NormalActivityWorker {
	return &NormalActivityWorker{
		description: description,
		cancellable: cancellable,
		runHandler:  run,
	}
}

func (w *NormalActivityWorker) Description() string {
	return w.description
}

func (w *NormalActivityWorker) IsCancellable() bool {
	return w.cancellable
}

// Run 没有提供执行函数时直接成功
func (w *NormalActivityWorker) Run(ctx context.Context, scope *ActivityScope) (ActivityResult, error) {
	if w.runHandler == nil {
		return ActivityResultSuccessful, nil
	}
	return w.runHandler(ctx, scope)
}

// ActivityScope activity 执行期间可以访问的上下文
type ActivityScope struct {
	activityID  string
	description string
	workflowCtx WorkflowContext
	engineCtx   *EngineContext
}

func (s *ActivityScope) ActivityID() string {
	return s.activityID
}

// WorkflowContext 没有注入时返回 nil
func (s *ActivityScope) WorkflowContext() WorkflowContext {
	return s.workflowCtx
}

// EngineContext 没有注入时返回 nil
func (s *ActivityScope) EngineContext() *EngineContext {
	return s.engineCtx
}

// Cache workflow 的运行时缓存, 没有注入 workflow 上下文时返回 nil
func (s *ActivityScope) Cache() RuntimeCache {
	if s.workflowCtx == nil {
		return nil
	}
	return s.workflowCtx.Cache()
}

func (s *ActivityScope) Logger() *slog.Logger {
	if s.engineCtx == nil {
		return slog.Default()
	}
	return s.engineCtx.logger()
}

func (s *ActivityScope) CancellationPending() bool {
	if s.engineCtx == nil || s.engineCtx.CancellationToken == nil {
		return false
	}
	return s.engineCtx.CancellationToken.CancellationPending()
}

// PublishEvent 发布 event-occurred
func (s *ActivityScope) PublishEvent(event any) {
	if !s.engineCtx.valid() {
		return
	}
	s.engineCtx.Aggregator.Publish(&EventMessage{Source: s.source(), Event: event})
}

// PublishError 发布 error-occurred, engine 最终结果会变成 CompletedWithErrors
func (s *ActivityScope) PublishError(err error) {
	if !s.engineCtx.valid() || err == nil {
		return
	}
	s.engineCtx.Aggregator.Publish(&ErrorMessage{Source: s.source(), Error: err})
}

func (s *ActivityScope) source() string {
	return fmt.Sprintf("activity(%s,%s)", s.description, s.activityID)
}

// BaseActivity Activity 的默认实现, 执行逻辑委托给 ActivityWorker
type BaseActivity struct {
	id     string
	worker ActivityWorker

	mu          sync.RWMutex
	state       ExecutionState
	result      ActivityResult
	workflowCtx WorkflowContext
	engineCtx   *EngineContext
}

var _ Activity = (*BaseActivity)(nil)

type ActivityOption func(*BaseActivity)

func WithActivityID(id string) ActivityOption {
	return func(a *BaseActivity) {
		if id != "" {
			a.id = id
		}
	}
}

func NewActivity(worker ActivityWorker, opts ...ActivityOption) *BaseActivity {
	if worker == nil {
		worker = NewNormalActivityWorker("", true, nil)
	}
	a := &BaseActivity{
		id:     uuid.NewString(),
		worker: worker,
		state:  StateNotStarted,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFuncActivity 等价于 NewActivity(NewNormalActivityWorker(...))
func NewFuncActivity(description string, cancellable bool, run RunFunc, opts ...ActivityOption) *BaseActivity {
	return NewActivity(NewNormalActivityWorker(description, cancellable, run), opts...)
}

func (a *BaseActivity) ID() string {
	return a.id
}

// Description 描述为空时使用 id
func (a *BaseActivity) Description() string {
	if d := a.worker.Description(); d != "" {
		return d
	}
	return a.id
}

func (a *BaseActivity) IsCancellable() bool {
	return a.worker.IsCancellable()
}

func (a *BaseActivity) Worker() ActivityWorker {
	return a.worker
}

func (a *BaseActivity) State() ExecutionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *BaseActivity) Result() (ActivityResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != StateStopped {
		return "", invalidOperation("activity %s has no result because it is %s", a.id, a.state)
	}
	return a.result, nil
}

func (a *BaseActivity) BindWorkflowContext(wfCtx WorkflowContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workflowCtx = wfCtx
}

func (a *BaseActivity) BindEngineContext(engineCtx *EngineContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.engineCtx = engineCtx
}

// Execute 执行 activity, 不论以何种方式返回, 状态都会变成 Stopped
// worker 返回 error 或者 panic 时结果记为 failed, error 和 panic 继续向上传递
func (a *BaseActivity) Execute(ctx context.Context) (result ActivityResult, err error) {
	a.mu.Lock()
	if a.state == StateRunning {
		a.mu.Unlock()
		return "", invalidOperation("activity %s is already running", a.id)
	}
	a.state = StateRunning
	a.result = ""
	scope := &ActivityScope{
		activityID:  a.id,
		description: a.Description(),
		workflowCtx: a.workflowCtx,
		engineCtx:   a.engineCtx,
	}
	a.mu.Unlock()

	if scope.engineCtx != nil {
		var span trace.Span
		ctx, span = scope.engineCtx.tracer().Start(ctx, "activity.execute", trace.WithAttributes(
			attribute.String("activity.id", a.id),
			attribute.String("activity.description", scope.description)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetAttributes(attribute.String("activity.result", string(result)))
			}
			span.End()
		}()
	}

	completed := false
	defer func() {
		a.mu.Lock()
		a.state = StateStopped
		if completed {
			a.result = result
		} else {
			a.result = ActivityResultFailed
		}
		a.mu.Unlock()
	}()

	logger := scope.Logger()
	a.publish(scope, &ActivityStartedEvent{
		ActivityInfo:  ActivityInfo{ID: a.id, Description: scope.description},
		IsCancellable: a.IsCancellable(),
	})
	logger.DebugContext(ctx, "activity is running", "activity_id", a.id, "description", scope.description)

	result, err = a.worker.Run(ctx, scope)
	if err != nil {
		return ActivityResultFailed, errors.WithMessagef(err, "activity %s run failed", scope.description)
	}
	if !isValidActivityResult(result) {
		return ActivityResultFailed, errors.Wrapf(ErrInvalidActivityResult, "activity %s returned %q", scope.description, result)
	}
	completed = true

	a.publish(scope, &ActivityCompletedEvent{
		ActivityInfo: ActivityInfo{ID: a.id, Description: scope.description},
		Result:       result,
	})
	logger.DebugContext(ctx, "activity has completed execution", "activity_id", a.id, "result", result)
	return result, nil
}

func (a *BaseActivity) publish(scope *ActivityScope, event Event) {
	if !scope.engineCtx.valid() {
		return
	}
	scope.engineCtx.Aggregator.Publish(event)
}

func (a *BaseActivity) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateNotStarted
	a.result = ""
}
