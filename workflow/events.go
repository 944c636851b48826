package workflow

// EventKind 事件类型, 每一种类型在 EventAggregator 里面对应一个 channel
type EventKind string

const (
	EventEngineStarted        EventKind = "engine.started"
	EventEngineStopped        EventKind = "engine.stopped"
	EventProgressChanged      EventKind = "engine.progress_changed"
	EventIsCancellableChanged EventKind = "engine.is_cancellable_changed"
	EventCancellationPending  EventKind = "engine.cancellation_pending"

	EventWorkflowStarted   EventKind = "workflow.started"
	EventWorkflowCompleted EventKind = "workflow.completed"
	EventRollbackStarted   EventKind = "workflow.rollback_started"
	// 只在内部总线上出现, engine 会把它换算成 EventProgressChanged
	EventWorkflowProgressChanged EventKind = "workflow.progress_changed"

	EventActivityStarted   EventKind = "activity.started"
	EventActivityCompleted EventKind = "activity.completed"

	EventOccurred      EventKind = "event.occurred"
	EventErrorOccurred EventKind = "error.occurred"
)

// Event 所有事件 payload 的公共接口, payload 以指针传递
type Event interface {
	Kind() EventKind
}

type ActivityInfo struct {
	ID          string
	Description string
}

type ActivityStartedEvent struct {
	ActivityInfo
	IsCancellable bool
}

func (*ActivityStartedEvent) Kind() EventKind { return EventActivityStarted }

type ActivityCompletedEvent struct {
	ActivityInfo
	Result ActivityResult
}

func (*ActivityCompletedEvent) Kind() EventKind { return EventActivityCompleted }

type WorkflowInfo struct {
	ID      string
	Name    string
	Type    string
	Context WorkflowContext
}

// WorkflowStartedEvent Position 从 1 开始, Position 和 Count 由 engine 填充
type WorkflowStartedEvent struct {
	WorkflowInfo
	Position int
	Count    int
}

func (*WorkflowStartedEvent) Kind() EventKind { return EventWorkflowStarted }

type WorkflowCompletedEvent struct {
	WorkflowInfo
	Result WorkflowResult
}

func (*WorkflowCompletedEvent) Kind() EventKind { return EventWorkflowCompleted }

type WorkflowProgressEvent struct {
	WorkflowInfo
	CompletionPercentage float64
}

func (*WorkflowProgressEvent) Kind() EventKind { return EventWorkflowProgressChanged }

type RollbackStartedEvent struct {
	WorkflowInfo
}

func (*RollbackStartedEvent) Kind() EventKind { return EventRollbackStarted }

type EngineStartedEvent struct {
	WorkflowCount int
}

func (*EngineStartedEvent) Kind() EventKind { return EventEngineStarted }

type EngineStoppedEvent struct {
	Result *EngineExecutionResult
}

func (*EngineStoppedEvent) Kind() EventKind { return EventEngineStopped }

// ProgressChangedEvent 整个 engine 的进度, 0 到 100
type ProgressChangedEvent struct {
	Progress float64
}

func (*ProgressChangedEvent) Kind() EventKind { return EventProgressChanged }

type IsCancellableChangedEvent struct {
	IsCancellable bool
}

func (*IsCancellableChangedEvent) Kind() EventKind { return EventIsCancellableChanged }

type CancellationPendingEvent struct{}

func (*CancellationPendingEvent) Kind() EventKind { return EventCancellationPending }

// EventMessage activity 或 workflow 发出的业务事件
type EventMessage struct {
	Source string
	Event  any
}

func (*EventMessage) Kind() EventKind { return EventOccurred }

// ErrorMessage 执行过程中被捕获的错误, engine 观察到它之后结果至少是 CompletedWithErrors
type ErrorMessage struct {
	Source string
	Error  error
}

func (*ErrorMessage) Kind() EventKind { return EventErrorOccurred }
