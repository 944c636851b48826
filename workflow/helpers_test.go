package workflow

import (
	"context"
	"sync"
)

// dummyActivity 测试用的 activity 行为描述
type dummyActivity struct {
	description  string
	cancellable  bool
	result       ActivityResult
	err          error
	panicValue   any
	publishEvent any
	publishError error
	onRun        func(ctx context.Context, scope *ActivityScope)

	mu       sync.Mutex
	executed int
}

func (d *dummyActivity) build(opts ...ActivityOption) *BaseActivity {
	if d.result == "" {
		d.result = ActivityResultSuccessful
	}
	return NewFuncActivity(d.description, d.cancellable, func(ctx context.Context, scope *ActivityScope) (ActivityResult, error) {
		d.mu.Lock()
		d.executed++
		d.mu.Unlock()
		if d.onRun != nil {
			d.onRun(ctx, scope)
		}
		if d.publishEvent != nil {
			scope.PublishEvent(d.publishEvent)
		}
		if d.publishError != nil {
			scope.PublishError(d.publishError)
		}
		if d.panicValue != nil {
			panic(d.panicValue)
		}
		if d.err != nil {
			return ActivityResultFailed, d.err
		}
		return d.result, nil
	}, opts...)
}

func (d *dummyActivity) times() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executed
}

func succeed(description string) *BaseActivity {
	return (&dummyActivity{description: description}).build()
}

func fail(description string) *BaseActivity {
	return (&dummyActivity{description: description, result: ActivityResultFailed}).build()
}

// trail 记录执行顺序
type trail struct {
	mu    sync.Mutex
	steps []string
}

func (t *trail) activity(description string) *BaseActivity {
	return t.activityWith(description, ActivityResultSuccessful)
}

func (t *trail) activityWith(description string, result ActivityResult) *BaseActivity {
	return NewFuncActivity(description, true, func(context.Context, *ActivityScope) (ActivityResult, error) {
		t.add(description)
		return result, nil
	})
}

func (t *trail) add(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step)
}

func (t *trail) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

// eventLog 订阅全部事件并按顺序记录
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

var allEventKinds = []EventKind{
	EventEngineStarted,
	EventEngineStopped,
	EventProgressChanged,
	EventIsCancellableChanged,
	EventCancellationPending,
	EventWorkflowStarted,
	EventWorkflowCompleted,
	EventRollbackStarted,
	EventWorkflowProgressChanged,
	EventActivityStarted,
	EventActivityCompleted,
	EventOccurred,
	EventErrorOccurred,
}

func recordEvents(bus EventBus, owner any) *eventLog {
	log := &eventLog{}
	for _, kind := range allEventKinds {
		bus.Subscribe(owner, kind, func(event Event) {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.events = append(log.events, event)
		})
	}
	return log
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, 0, len(l.events))
	for _, event := range l.events {
		kinds = append(kinds, event.Kind())
	}
	return kinds
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func eventsOf[T Event](l *eventLog) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	typed := make([]T, 0)
	for _, event := range l.events {
		if e, ok := event.(T); ok {
			typed = append(typed, e)
		}
	}
	return typed
}
