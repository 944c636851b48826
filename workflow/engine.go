package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EngineExecutionResult 一次运行的结果
type EngineExecutionResult struct {
	Kind      EngineResult
	workflows []WorkflowRunner
}

// Workflows 本次运行队列中的 workflow
func (r *EngineExecutionResult) Workflows() []WorkflowRunner {
	workflows := make([]WorkflowRunner, len(r.workflows))
	copy(workflows, r.workflows)
	return workflows
}

// Count 统计满足条件的 workflow 数量
func (r *EngineExecutionResult) Count(predicate func(WorkflowRunner) bool) int {
	n := 0
	for _, wf := range r.workflows {
		if predicate == nil || predicate(wf) {
			n++
		}
	}
	return n
}

// WorkflowResultIs Count 使用的条件: workflow 已经停止并且结果是 result
func WorkflowResultIs(result WorkflowResult) func(WorkflowRunner) bool {
	return func(wf WorkflowRunner) bool {
		r, err := wf.Result()
		return err == nil && r == result
	}
}

// WorkflowStateIs Count 使用的条件
func WorkflowStateIs(state ExecutionState) func(WorkflowRunner) bool {
	return func(wf WorkflowRunner) bool {
		return wf.State() == state
	}
}

type engineOptions struct {
	ID         string        `validate:"required"`
	Dispatcher Dispatcher    `validate:"-"`
	Logger     *slog.Logger  `validate:"-"`
	Tracer     trace.Tracer  `validate:"-"`
	RunLock    RunLock       `validate:"-"`
	RunLockKey string        `validate:"required"`
	RunLockTTL time.Duration `validate:"gt=0"`
}

func (o *engineOptions) validate() error {
	if err := getValidator().Struct(o); err != nil {
		return err
	}
	switch {
	case o.Dispatcher == nil:
		return errors.New("dispatcher is nil")
	case o.Logger == nil:
		return errors.New("logger is nil")
	case o.Tracer == nil:
		return errors.New("tracer is nil")
	case o.RunLock == nil:
		return errors.New("run lock is nil")
	}
	return nil
}

type EngineOption func(*engineOptions)

func WithEngineID(id string) EngineOption {
	return func(o *engineOptions) {
		o.ID = id
	}
}

// WithDispatcher 订阅者回调的投递方式, 默认是 QueueDispatcher
func WithDispatcher(dispatcher Dispatcher) EngineOption {
	return func(o *engineOptions) {
		o.Dispatcher = dispatcher
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.Logger = logger
	}
}

func WithTracer(tracer trace.Tracer) EngineOption {
	return func(o *engineOptions) {
		o.Tracer = tracer
	}
}

// WithRunLock 运行期间持有 key 对应的锁, key 为空时使用 "workflow-engine:<engine id>"
func WithRunLock(lock RunLock, key string, ttl time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.RunLock = lock
		o.RunLockKey = key
		o.RunLockTTL = ttl
	}
}

// Engine 顺序执行队列中的 workflow, 把所有事件投递到 owner 上
type Engine struct {
	id         string
	engineCtx  *EngineContext
	external   *EventAggregator
	dispatcher Dispatcher
	runLock    RunLock
	lockKey    string
	lockTTL    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer

	mu        sync.RWMutex
	workflows []WorkflowRunner
	state     ExecutionState
	kind      EngineResult
	result    *EngineExecutionResult

	cancelling  atomic.Bool
	drainInline atomic.Bool

	// 下面的字段只在运行的 goroutine 上访问
	running         []WorkflowRunner
	detectedErrors  bool
	progress        float64
	currentProgress float64
}

var _ WorkflowEngine = (*Engine)(nil)

func NewEngine(opts ...EngineOption) (*Engine, error) {
	o := &engineOptions{
		ID:         uuid.NewString(),
		Dispatcher: NewQueueDispatcher(),
		Logger:     slog.Default(),
		Tracer:     otel.Tracer(instrumentationName),
		RunLock:    NewLocalRunLock(),
		RunLockTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.RunLockKey == "" {
		o.RunLockKey = "workflow-engine:" + o.ID
	}
	if err := o.validate(); err != nil {
		return nil, errors.WithMessage(err, "NewEngine invalid options")
	}

	logger := o.Logger.With("engine_id", o.ID)
	e := &Engine{
		id:         o.ID,
		engineCtx:  NewEngineContext(WithContextLogger(logger), WithContextTracer(o.Tracer)),
		external:   NewEventAggregator(),
		dispatcher: o.Dispatcher,
		runLock:    o.RunLock,
		lockKey:    o.RunLockKey,
		lockTTL:    o.RunLockTTL,
		logger:     logger,
		tracer:     o.Tracer,
		workflows:  make([]WorkflowRunner, 0),
		state:      StateNotStarted,
	}
	e.subscribeToInternalEvents()
	return e, nil
}

func (e *Engine) ID() string {
	return e.id
}

// Context 运行共享的上下文
func (e *Engine) Context() *EngineContext {
	return e.engineCtx
}

func (e *Engine) Dispatcher() Dispatcher {
	return e.dispatcher
}

func (e *Engine) State() ExecutionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Result 运行开始之后可读, 运行期间返回当前的结果
func (e *Engine) Result() (*EngineExecutionResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == StateNotStarted || e.result == nil {
		return nil, invalidOperation("workflow engine has not started yet")
	}
	return &EngineExecutionResult{Kind: e.kind, workflows: e.result.workflows}, nil
}

// Queue 追加 workflow, 运行中追加的 workflow 在下一次运行时执行
func (e *Engine) Queue(workflow WorkflowRunner) error {
	if workflow == nil {
		return errors.New("workflow is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows = append(e.workflows, workflow)
	return nil
}

func (e *Engine) Workflows() []WorkflowRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	workflows := make([]WorkflowRunner, len(e.workflows))
	copy(workflows, e.workflows)
	return workflows
}

func (e *Engine) Subscribe(owner any, kind EventKind, handler EventHandler) *Subscription {
	return e.external.Subscribe(owner, kind, handler)
}

// UnsubscribeAll 撤销 owner 在所有 engine 事件上的订阅
func (e *Engine) UnsubscribeAll(owner any) {
	e.external.UnsubscribeAll(owner)
}

// Run 在当前 goroutine 上阻塞运行, 默认的 QueueDispatcher 会在每次投递之后立刻执行回调
func (e *Engine) Run(ctx context.Context) (*EngineExecutionResult, error) {
	result, restore, err := e.begin()
	if err != nil {
		return nil, err
	}
	e.drainInline.Store(true)
	defer func() {
		e.drainInline.Store(false)
		e.drain()
	}()
	return e.run(ctx, result, restore)
}

// RunAsync 在一个后台 goroutine 上运行, 前置条件检查失败时同步返回错误
// 回调由 owner 调用 RunFuture.Wait 或者 Dispatcher().(Drainer).Drain() 执行
func (e *Engine) RunAsync(ctx context.Context) (*RunFuture, error) {
	result, restore, err := e.begin()
	if err != nil {
		return nil, err
	}
	e.logger.DebugContext(ctx, "executing workflows on a background goroutine")
	future := &RunFuture{done: make(chan struct{}), dispatcher: e.dispatcher}
	go func() {
		runResult, runErr := e.run(ctx, result, restore)
		future.complete(runResult, runErr)
	}()
	return future, nil
}

// CancelAsync 请求取消, 正在执行的 activity 不会被打断
// 可能在任意 goroutine 上调用, 这里只投递事件, 回调由 owner 在下一次 drain 时执行
func (e *Engine) CancelAsync() error {
	if e.State() != StateRunning || e.engineCtx.CancellationToken.CancellationPending() ||
		!e.cancelling.CompareAndSwap(false, true) {
		return invalidOperation("workflow engine is not running or already canceled")
	}
	e.logger.Info("workflow engine received cancellation request")
	e.dispatch(&IsCancellableChangedEvent{IsCancellable: false})
	e.dispatch(&CancellationPendingEvent{})
	return e.engineCtx.CancellationToken.Cancel()
}

// begin 检查前置条件并且占用运行状态, 同时创建这次运行的结果, 进入 Running 之后 Result 立刻可读
// restore 在运行被拒绝时恢复之前的状态和结果
func (e *Engine) begin() (*EngineExecutionResult, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		return nil, nil, invalidOperation("workflow engine is already running")
	}
	if len(e.workflows) == 0 {
		return nil, nil, invalidOperation("there are no workflows queued for execution")
	}
	previousState, previousKind, previousResult := e.state, e.kind, e.result
	workflows := make([]WorkflowRunner, len(e.workflows))
	copy(workflows, e.workflows)
	result := &EngineExecutionResult{Kind: EngineResultCompleted, workflows: workflows}

	e.state = StateRunning
	e.kind = EngineResultCompleted
	e.result = result
	e.cancelling.Store(false)
	e.engineCtx.CancellationToken.Reset()

	restore := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.state, e.kind, e.result = previousState, previousKind, previousResult
	}
	return result, restore, nil
}

func (e *Engine) run(ctx context.Context, result *EngineExecutionResult, restore func()) (*EngineExecutionResult, error) {
	err := e.runLock.TryRun(ctx, e.lockKey, e.lockTTL, func(lockedCtx context.Context) error {
		e.execute(lockedCtx, result)
		return nil
	})
	if err != nil {
		restore()
		e.logger.WarnContext(ctx, "workflow engine run refused", "error", err)
		return nil, errors.WithMessage(err, "acquire workflow engine run lock failed")
	}
	return result, nil
}

// execute 已经处于 Running 状态, 依次执行 workflow
//  1. 请求了取消 -> canceled, 后面的 workflow 保持 NotStarted
//  2. workflow 返回 canceled -> canceled
//  3. 非预期错误或者 panic -> completed with errors
//
// 最后如果没有取消并且有 workflow 失败或者出现过 error-occurred, 结果升级成 completed with errors
//
// 订阅者的 panic 继续向上传递, 传递之前保证状态不会停留在 Running
func (e *Engine) execute(ctx context.Context, result *EngineExecutionResult) {
	workflows := result.workflows
	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("engine.id", e.id),
		attribute.Int("engine.workflow_count", len(workflows))))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "workflow engine stopped by panic", "panic", r, "stack", string(debug.Stack()))
			e.mu.Lock()
			if e.state == StateRunning {
				e.state = StateStopped
				e.kind = EngineResultCompletedWithErrors
				result.Kind = EngineResultCompletedWithErrors
			}
			e.mu.Unlock()
			panic(r)
		}
	}()

	e.reset(workflows)
	// ctx 结束等价于请求取消, 回调留给 owner 执行
	stop := context.AfterFunc(ctx, func() {
		if err := e.CancelAsync(); err != nil {
			e.logger.Debug("context done after cancellation", "error", err)
		}
	})
	defer stop()

	e.post(&EngineStartedEvent{WorkflowCount: len(workflows)})

	kind := e.runWorkflows(ctx, workflows)

	if kind != EngineResultCanceled && (e.detectedErrors || e.anyWorkflowFailed(workflows)) {
		kind = EngineResultCompletedWithErrors
	}
	e.mu.Lock()
	result.Kind = kind
	e.state = StateStopped
	e.kind = kind
	e.mu.Unlock()

	span.SetAttributes(attribute.String("engine.result", string(kind)))
	e.logger.InfoContext(ctx, "workflow engine stopped", "result", kind)
	e.post(&EngineStoppedEvent{Result: &EngineExecutionResult{Kind: kind, workflows: workflows}})
}

func (e *Engine) runWorkflows(ctx context.Context, workflows []WorkflowRunner) (kind EngineResult) {
	kind = EngineResultCompleted
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			e.logger.ErrorContext(ctx, "internal error occurred", "panic", r, "stack", string(stack))
			e.engineCtx.Aggregator.Publish(&ErrorMessage{
				Source: fmt.Sprintf("engine(%s)", e.id),
				Error:  errors.Errorf("workflow engine loop panic: %v", r),
			})
			kind = EngineResultCompletedWithErrors
		}
	}()
	for _, wf := range workflows {
		if e.engineCtx.CancellationToken.CancellationPending() {
			return EngineResultCanceled
		}
		wf.BindEngineContext(e.engineCtx)
		wfResult, err := wf.Execute(ctx)
		if err != nil {
			e.logger.ErrorContext(ctx, "internal error occurred", "workflow", wf.Name(), "error", err)
			e.engineCtx.Aggregator.Publish(&ErrorMessage{Source: fmt.Sprintf("engine(%s)", e.id), Error: err})
			return EngineResultCompletedWithErrors
		}
		if wfResult == WorkflowResultCanceled {
			return EngineResultCanceled
		}
	}
	return kind
}

func (e *Engine) anyWorkflowFailed(workflows []WorkflowRunner) bool {
	for _, wf := range workflows {
		if wf.State() != StateStopped {
			continue
		}
		if r, err := wf.Result(); err == nil && r == WorkflowResultFailed {
			return true
		}
	}
	return false
}

func (e *Engine) reset(workflows []WorkflowRunner) {
	e.running = workflows
	e.detectedErrors = false
	e.progress = 0
	e.currentProgress = 0
	for _, wf := range workflows {
		wf.Reset()
	}
}

// post 把事件投递给外部订阅者
// 同步 Run 时投递之后立刻在当前 goroutine 上执行回调
func (e *Engine) post(event Event) {
	e.dispatch(event)
	if e.drainInline.Load() {
		e.drain()
	}
}

func (e *Engine) dispatch(event Event) {
	e.dispatcher.Dispatch(func() {
		e.external.Publish(event)
	})
}

func (e *Engine) drain() {
	if drainer, ok := e.dispatcher.(Drainer); ok {
		drainer.Drain()
	}
}

// subscribeToInternalEvents 内部总线上的事件在运行的 goroutine 上同步发布, 这里转发给 owner
func (e *Engine) subscribeToInternalEvents() {
	bus := e.engineCtx.Aggregator
	forward := func(event Event) { e.post(event) }
	for _, kind := range []EventKind{
		EventRollbackStarted,
		EventActivityStarted,
		EventActivityCompleted,
		EventIsCancellableChanged,
		EventOccurred,
	} {
		bus.Subscribe(e, kind, forward)
	}

	SubscribeTo(bus, e, func(ev *WorkflowStartedEvent) {
		started := *ev
		started.Count = len(e.running)
		started.Position = e.position(ev.ID)
		e.post(&started)
	})
	SubscribeTo(bus, e, func(ev *WorkflowProgressEvent) {
		if len(e.running) == 0 {
			return
		}
		e.currentProgress = ev.CompletionPercentage / 100 * (100 / float64(len(e.running)))
		e.post(&ProgressChangedEvent{Progress: e.progress + e.currentProgress})
	})
	SubscribeTo(bus, e, func(ev *WorkflowCompletedEvent) {
		if len(e.running) > 0 {
			e.progress += 100 / float64(len(e.running))
			e.currentProgress = 0
		}
		e.post(&ProgressChangedEvent{Progress: e.progress})
		e.post(ev)
	})
	SubscribeTo(bus, e, func(ev *ErrorMessage) {
		e.detectedErrors = true
		e.post(ev)
	})
}

func (e *Engine) position(workflowID string) int {
	for i, wf := range e.running {
		if wf.ID() == workflowID {
			return i + 1
		}
	}
	return 0
}

// RunFuture RunAsync 的结果
type RunFuture struct {
	done       chan struct{}
	dispatcher Dispatcher
	result     *EngineExecutionResult
	err        error
}

func (f *RunFuture) complete(result *EngineExecutionResult, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Done 运行结束时关闭
func (f *RunFuture) Done() <-chan struct{} {
	return f.done
}

// Result 非阻塞, 运行没有结束时返回错误
func (f *RunFuture) Result() (*EngineExecutionResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, invalidOperation("workflow engine run is still in progress")
	}
}

// Wait 阻塞等待运行结束, 等待期间在当前 goroutine 上执行订阅者回调
func (f *RunFuture) Wait(ctx context.Context) (*EngineExecutionResult, error) {
	if pumper, ok := f.dispatcher.(Pumper); ok {
		if err := pumper.Pump(ctx, f.done); err != nil {
			return nil, err
		}
		return f.result, f.err
	}
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
