package workflow

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/blingmoon/activity-workflow/workflow"

// WorkflowContext workflow 私有的上下文, 自定义上下文嵌入 *BaseWorkflowContext 即可
type WorkflowContext interface {
	Cache() RuntimeCache
}

type BaseWorkflowContext struct {
	cache RuntimeCache
}

func NewWorkflowContext() *BaseWorkflowContext {
	return &BaseWorkflowContext{cache: NewRuntimeCache()}
}

// NewWorkflowContextWithCache 使用外部提供的缓存, cache 为 nil 时创建内存缓存
func NewWorkflowContextWithCache(cache RuntimeCache) *BaseWorkflowContext {
	if cache == nil {
		cache = NewRuntimeCache()
	}
	return &BaseWorkflowContext{cache: cache}
}

func (c *BaseWorkflowContext) Cache() RuntimeCache {
	return c.cache
}

// ContextAs 把 WorkflowContext 转成具体的上下文类型
func ContextAs[T WorkflowContext](wfCtx WorkflowContext) (T, bool) {
	typed, ok := wfCtx.(T)
	return typed, ok
}

// EngineContext 一次运行共享的上下文, engine 创建并注入到每个 workflow 和 activity
type EngineContext struct {
	Aggregator        *EventAggregator
	CancellationToken *CancellationToken
	Logger            *slog.Logger
	Tracer            trace.Tracer
}

type EngineContextOption func(*EngineContext)

func WithContextLogger(logger *slog.Logger) EngineContextOption {
	return func(c *EngineContext) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

func WithContextTracer(tracer trace.Tracer) EngineContextOption {
	return func(c *EngineContext) {
		if tracer != nil {
			c.Tracer = tracer
		}
	}
}

func NewEngineContext(opts ...EngineContextOption) *EngineContext {
	c := &EngineContext{
		Aggregator:        NewEventAggregator(),
		CancellationToken: NewCancellationToken(),
		Logger:            slog.Default(),
		Tracer:            otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EngineContext) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *EngineContext) tracer() trace.Tracer {
	if c.Tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return c.Tracer
}

func (c *EngineContext) valid() bool {
	return c != nil && c.Aggregator != nil && c.CancellationToken != nil
}
