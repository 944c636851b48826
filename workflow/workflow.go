package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WorkflowRunner engine 队列里面的 workflow
type WorkflowRunner interface {
	ID() string
	Name() string
	State() ExecutionState
	// Result 只有 Stopped 时可读
	Result() (WorkflowResult, error)
	BindEngineContext(engineCtx *EngineContext)
	Execute(ctx context.Context) (WorkflowResult, error)
	Reset()
}

// Step 一个步骤的描述: activity 以及它的完成百分比、忽略失败标志、回滚 activity
type Step struct {
	Activity             Activity
	CompletionPercentage *float64
	IgnoreFailure        bool
	Rollback             Activity
}

// StepOption 在 Do 的时候绑定步骤选项, 每种选项只能绑定一次
type StepOption func(step *Step) error

func WithCompletionPercentage(percentage float64) StepOption {
	return func(step *Step) error {
		if step.CompletionPercentage != nil {
			return invalidOperation("completion percentage of activity %s is already set", step.Activity.Description())
		}
		if err := getValidator().Var(percentage, "gte=0,lte=100"); err != nil {
			return errors.WithMessagef(err, "completion percentage %v is out of range", percentage)
		}
		p := percentage
		step.CompletionPercentage = &p
		return nil
	}
}

func WithIgnoreFailure() StepOption {
	return func(step *Step) error {
		if step.IgnoreFailure {
			return invalidOperation("activity %s already ignores execution failure", step.Activity.Description())
		}
		step.IgnoreFailure = true
		return nil
	}
}

func WithRollback(rollback Activity) StepOption {
	return func(step *Step) error {
		if rollback == nil {
			return errors.New("rollback activity is nil")
		}
		if step.Rollback != nil {
			return invalidOperation("rollback activity of activity %s is already set", step.Activity.Description())
		}
		step.Rollback = rollback
		return nil
	}
}

// Workflow 按顺序执行的一组 activity, 失败时按相反顺序执行回滚 activity
type Workflow struct {
	id           string
	name         string
	workflowType string
	context      WorkflowContext

	mu        sync.RWMutex
	steps     []*Step
	engineCtx *EngineContext
	state     ExecutionState
	result    WorkflowResult
}

var _ WorkflowRunner = (*Workflow)(nil)

type WorkflowOption func(*Workflow)

func WithWorkflowID(id string) WorkflowOption {
	return func(w *Workflow) {
		if id != "" {
			w.id = id
		}
	}
}

// WithWorkflowType 类型名, 出现在 WorkflowInfo.Type 里面
func WithWorkflowType(workflowType string) WorkflowOption {
	return func(w *Workflow) {
		w.workflowType = workflowType
	}
}

// NewWorkflow wfCtx 为 nil 时使用 NewWorkflowContext(), name 为空时使用 id
func NewWorkflow(name string, wfCtx WorkflowContext, opts ...WorkflowOption) *Workflow {
	if wfCtx == nil {
		wfCtx = NewWorkflowContext()
	}
	w := &Workflow{
		id:           uuid.NewString(),
		name:         name,
		workflowType: "workflow",
		context:      wfCtx,
		steps:        make([]*Step, 0),
		state:        StateNotStarted,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name == "" {
		w.name = w.id
	}
	return w
}

func (w *Workflow) ID() string {
	return w.id
}

func (w *Workflow) Name() string {
	return w.name
}

func (w *Workflow) Type() string {
	return w.workflowType
}

func (w *Workflow) Context() WorkflowContext {
	return w.context
}

func (w *Workflow) State() ExecutionState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Workflow) Result() (WorkflowResult, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.state != StateStopped {
		return "", invalidOperation("workflow %s has no result because it is %s", w.name, w.state)
	}
	return w.result, nil
}

// Steps 步骤快照
func (w *Workflow) Steps() []Step {
	w.mu.RLock()
	defer w.mu.RUnlock()
	steps := make([]Step, 0, len(w.steps))
	for _, step := range w.steps {
		steps = append(steps, *step)
	}
	return steps
}

// Activities 按添加顺序返回 activity
func (w *Workflow) Activities() []Activity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	activities := make([]Activity, 0, len(w.steps))
	for _, step := range w.steps {
		activities = append(activities, step.Activity)
	}
	return activities
}

func (w *Workflow) BindEngineContext(engineCtx *EngineContext) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.engineCtx = engineCtx
}

// Do 追加一个步骤, 选项校验失败时步骤不会被添加
func (w *Workflow) Do(activity Activity, opts ...StepOption) error {
	if activity == nil {
		return errors.New("activity is nil")
	}
	step := &Step{Activity: activity}
	for _, opt := range opts {
		if err := opt(step); err != nil {
			return err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRunning {
		return invalidOperation("cannot add activity to running workflow %s", w.name)
	}
	w.steps = append(w.steps, step)
	return nil
}

// SetCompletionPercentage 给最后添加的步骤设置完成百分比
func (w *Workflow) SetCompletionPercentage(percentage float64) error {
	return w.bindLastStep("setting the completion percentage", WithCompletionPercentage(percentage))
}

// IgnoreExecutionFailure 最后添加的步骤失败时继续执行
func (w *Workflow) IgnoreExecutionFailure() error {
	return w.bindLastStep("ignoring execution failure", WithIgnoreFailure())
}

// SetRollbackActivity 给最后添加的步骤设置回滚 activity
func (w *Workflow) SetRollbackActivity(rollback Activity) error {
	return w.bindLastStep("setting the rollback activity", WithRollback(rollback))
}

func (w *Workflow) bindLastStep(action string, opt StepOption) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.steps) == 0 {
		return invalidOperation("please add an activity before %s", action)
	}
	if w.state == StateRunning {
		return invalidOperation("cannot change running workflow %s", w.name)
	}
	return opt(w.steps[len(w.steps)-1])
}

func (w *Workflow) info() WorkflowInfo {
	return WorkflowInfo{ID: w.id, Name: w.name, Type: w.workflowType, Context: w.context}
}

func (w *Workflow) source() string {
	return fmt.Sprintf("workflow(%s,%s)", w.workflowType, w.name)
}

// Execute 按顺序执行全部步骤
//  1. 上一个停止的 activity 可以取消并且已经请求取消 -> canceled
//  2. 注入上下文后执行 activity, 非预期错误 -> 发布 error-occurred, failed
//  3. activity canceled -> canceled; failed 且没有忽略标志 -> failed
//  4. 成功并且设置了百分比 -> 发布进度
//
// 结果不是 successful 时执行回滚
func (w *Workflow) Execute(ctx context.Context) (WorkflowResult, error) {
	w.mu.Lock()
	if w.state == StateRunning {
		w.mu.Unlock()
		return "", invalidOperation("workflow %s is already running", w.name)
	}
	engineCtx := w.engineCtx
	if !engineCtx.valid() {
		w.mu.Unlock()
		return "", invalidOperation("workflow %s has no engine context", w.name)
	}
	w.state = StateRunning
	w.result = ""
	steps := make([]*Step, len(w.steps))
	copy(steps, w.steps)
	w.mu.Unlock()

	// 订阅者的 panic 不会被总线捕获, 这里保证状态不会停留在 Running
	defer func() {
		if r := recover(); r != nil {
			w.mu.Lock()
			w.state = StateStopped
			w.result = WorkflowResultFailed
			w.mu.Unlock()
			panic(r)
		}
	}()

	logger := engineCtx.logger().With("workflow", w.name, "workflow_id", w.id)
	var span trace.Span
	ctx, span = engineCtx.tracer().Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", w.id),
		attribute.String("workflow.name", w.name)))
	defer span.End()

	logger.DebugContext(ctx, "workflow is running", "steps", len(steps))
	engineCtx.Aggregator.Publish(&WorkflowStartedEvent{WorkflowInfo: w.info()})

	result := WorkflowResultSuccessful
loop:
	for i, step := range steps {
		if last := lastStoppedActivity(steps[:i]); last != nil && last.IsCancellable() &&
			engineCtx.CancellationToken.CancellationPending() {
			logger.InfoContext(ctx, "workflow canceled", "after_activity", last.Description())
			result = WorkflowResultCanceled
			break
		}

		activityResult, err := w.executeActivity(ctx, engineCtx, step.Activity)
		if err != nil {
			logger.ErrorContext(ctx, "internal error occurred during activity", "activity", step.Activity.Description(), "error", err)
			engineCtx.Aggregator.Publish(&ErrorMessage{Source: w.source(), Error: err})
			result = WorkflowResultFailed
			break
		}

		switch activityResult {
		case ActivityResultCanceled:
			result = WorkflowResultCanceled
			break loop
		case ActivityResultFailed:
			if !step.IgnoreFailure {
				result = WorkflowResultFailed
				break loop
			}
			logger.WarnContext(ctx, "ignoring activity failure", "activity", step.Activity.Description())
		case ActivityResultSuccessful:
			if step.CompletionPercentage != nil {
				engineCtx.Aggregator.Publish(&WorkflowProgressEvent{
					WorkflowInfo:         w.info(),
					CompletionPercentage: *step.CompletionPercentage,
				})
			}
		}
	}

	if result != WorkflowResultSuccessful {
		w.rollback(ctx, engineCtx, steps)
	}

	w.mu.Lock()
	w.state = StateStopped
	w.result = result
	w.mu.Unlock()

	span.SetAttributes(attribute.String("workflow.result", string(result)))
	engineCtx.Aggregator.Publish(&WorkflowCompletedEvent{WorkflowInfo: w.info(), Result: result})
	logger.DebugContext(ctx, "workflow has completed execution", "result", result)
	return result, nil
}

// executeActivity 注入上下文并执行, activity 的 panic 会被转换成 error
func (w *Workflow) executeActivity(ctx context.Context, engineCtx *EngineContext, activity Activity) (result ActivityResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			engineCtx.logger().ErrorContext(ctx, "activity panic", "activity", activity.Description(), "panic", r, "stack", string(stack))
			result = ActivityResultFailed
			err = errors.Wrapf(ErrActivityPanic, "activity %s: %v", activity.Description(), r)
		}
	}()
	activity.BindWorkflowContext(w.context)
	activity.BindEngineContext(engineCtx)
	return activity.Execute(ctx)
}

// rollback 按相反顺序对已经停止的 activity 执行回滚, 单个回滚出错不影响其他回滚
func (w *Workflow) rollback(ctx context.Context, engineCtx *EngineContext, steps []*Step) {
	logger := engineCtx.logger().With("workflow", w.name, "workflow_id", w.id)
	if !hasRollback(steps) {
		logger.DebugContext(ctx, "there are no activities to rollback")
		return
	}
	ctx, span := engineCtx.tracer().Start(ctx, "workflow.rollback")
	defer span.End()

	logger.InfoContext(ctx, "rolling back")
	engineCtx.Aggregator.Publish(&RollbackStartedEvent{WorkflowInfo: w.info()})
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Rollback == nil || step.Activity.State() != StateStopped {
			continue
		}
		if _, err := w.executeActivity(ctx, engineCtx, step.Rollback); err != nil {
			logger.WarnContext(ctx, "internal error occurred during rollback", "activity", step.Rollback.Description(), "error", err)
			engineCtx.Aggregator.Publish(&ErrorMessage{Source: w.source(), Error: err})
		}
	}
}

// Reset 状态回到 NotStarted, 清空结果、缓存以及所有 activity 的状态
func (w *Workflow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateNotStarted
	w.result = ""
	if cache := w.context.Cache(); cache != nil {
		cache.Clear()
	}
	for _, step := range w.steps {
		step.Activity.Reset()
		if step.Rollback != nil {
			step.Rollback.Reset()
		}
	}
}

func lastStoppedActivity(steps []*Step) Activity {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Activity.State() == StateStopped {
			return steps[i].Activity
		}
	}
	return nil
}

func hasRollback(steps []*Step) bool {
	for _, step := range steps {
		if step.Rollback != nil {
			return true
		}
	}
	return false
}
