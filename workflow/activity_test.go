package workflow

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseActivity_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("成功执行", func(t *testing.T) {
		engineCtx := NewEngineContext()
		events := recordEvents(engineCtx.Aggregator, nil)
		var stateDuringRun ExecutionState
		var activity *BaseActivity
		activity = NewFuncActivity("download", true, func(context.Context, *ActivityScope) (ActivityResult, error) {
			stateDuringRun = activity.State()
			return ActivityResultSuccessful, nil
		}, WithActivityID("a-1"))
		activity.BindEngineContext(engineCtx)

		assert.Equal(t, StateNotStarted, activity.State())
		_, err := activity.Result()
		assert.True(t, IsInvalidOperation(err))

		result, err := activity.Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActivityResultSuccessful, result)
		assert.Equal(t, StateRunning, stateDuringRun)
		assert.Equal(t, StateStopped, activity.State())
		stored, err := activity.Result()
		require.NoError(t, err)
		assert.Equal(t, ActivityResultSuccessful, stored)

		assert.Equal(t, []EventKind{EventActivityStarted, EventActivityCompleted}, events.kinds())
		started := eventsOf[*ActivityStartedEvent](events)[0]
		assert.Equal(t, "a-1", started.ID)
		assert.Equal(t, "download", started.Description)
		assert.True(t, started.IsCancellable)
		completed := eventsOf[*ActivityCompletedEvent](events)[0]
		assert.Equal(t, ActivityResultSuccessful, completed.Result)
	})

	t.Run("返回错误时状态仍然变成 Stopped", func(t *testing.T) {
		engineCtx := NewEngineContext()
		events := recordEvents(engineCtx.Aggregator, nil)
		boom := errors.New("boom")
		activity := (&dummyActivity{description: "broken", err: boom}).build()
		activity.BindEngineContext(engineCtx)

		_, err := activity.Execute(ctx)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, StateStopped, activity.State())
		stored, err := activity.Result()
		require.NoError(t, err)
		assert.Equal(t, ActivityResultFailed, stored)
		// 没有正常返回时不发布 completed
		assert.Equal(t, []EventKind{EventActivityStarted}, events.kinds())
	})

	t.Run("panic 继续向上传递并且状态变成 Stopped", func(t *testing.T) {
		activity := (&dummyActivity{description: "panic", panicValue: "kaboom"}).build()
		assert.PanicsWithValue(t, "kaboom", func() {
			_, _ = activity.Execute(ctx)
		})
		assert.Equal(t, StateStopped, activity.State())
		stored, err := activity.Result()
		require.NoError(t, err)
		assert.Equal(t, ActivityResultFailed, stored)
	})

	t.Run("非法的结果", func(t *testing.T) {
		activity := (&dummyActivity{description: "weird", result: ActivityResult("maybe")}).build()
		result, err := activity.Execute(ctx)
		assert.ErrorIs(t, err, ErrInvalidActivityResult)
		assert.Equal(t, ActivityResultFailed, result)
		assert.Equal(t, StateStopped, activity.State())
	})

	t.Run("运行中不能再次执行", func(t *testing.T) {
		var activity *BaseActivity
		var innerErr error
		activity = NewFuncActivity("reentrant", false, func(ctx context.Context, _ *ActivityScope) (ActivityResult, error) {
			_, innerErr = activity.Execute(ctx)
			return ActivityResultSuccessful, nil
		})
		_, err := activity.Execute(ctx)
		require.NoError(t, err)
		assert.True(t, IsInvalidOperation(innerErr))
	})

	t.Run("没有 engine 上下文时不发布事件", func(t *testing.T) {
		activity := (&dummyActivity{description: "quiet", publishEvent: "ignored", publishError: errors.New("ignored")}).build()
		result, err := activity.Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActivityResultSuccessful, result)
	})

	t.Run("Reset", func(t *testing.T) {
		activity := fail("reset me")
		_, err := activity.Execute(ctx)
		require.NoError(t, err)
		activity.Reset()
		assert.Equal(t, StateNotStarted, activity.State())
		_, err = activity.Result()
		assert.True(t, IsInvalidOperation(err))

		// 可以再次执行
		result, err := activity.Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActivityResultFailed, result)
	})
}

func TestActivityScope(t *testing.T) {
	ctx := context.Background()
	engineCtx := NewEngineContext()
	events := recordEvents(engineCtx.Aggregator, nil)
	wfCtx := NewWorkflowContext()

	var scopeID string
	activity := NewFuncActivity("scoped", true, func(_ context.Context, scope *ActivityScope) (ActivityResult, error) {
		scopeID = scope.ActivityID()
		assert.Same(t, engineCtx, scope.EngineContext())
		assert.NotNil(t, scope.Logger())
		assert.False(t, scope.CancellationPending())
		scope.Cache().Set("greeting", "hello")
		scope.PublishEvent(map[string]int{"downloaded": 3})
		scope.PublishError(errors.New("soft failure"))
		scope.PublishError(nil)
		return ActivityResultSuccessful, nil
	})
	activity.BindWorkflowContext(wfCtx)
	activity.BindEngineContext(engineCtx)

	_, err := activity.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, activity.ID(), scopeID)

	assert.Equal(t, "hello", ReadCache[string](wfCtx.Cache(), "greeting"))

	messages := eventsOf[*EventMessage](events)
	require.Len(t, messages, 1)
	assert.Equal(t, map[string]int{"downloaded": 3}, messages[0].Event)
	assert.Contains(t, messages[0].Source, "scoped")

	failures := eventsOf[*ErrorMessage](events)
	require.Len(t, failures, 1)
	assert.EqualError(t, failures[0].Error, "soft failure")
}

func TestBaseActivity_DescriptionFallsBackToID(t *testing.T) {
	activity := NewFuncActivity("", false, nil, WithActivityID("fallback"))
	assert.Equal(t, "fallback", activity.Description())
	assert.False(t, activity.IsCancellable())

	result, err := activity.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActivityResultSuccessful, result)
}
