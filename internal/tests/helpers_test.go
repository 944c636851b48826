package tests

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blingmoon/activity-workflow/workflow"
)

// journal 记录 activity 的执行顺序
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *journal) step(description string, result workflow.ActivityResult) *workflow.BaseActivity {
	return workflow.NewFuncActivity(description, true, func(context.Context, *workflow.ActivityScope) (workflow.ActivityResult, error) {
		j.add(description)
		return result, nil
	})
}

func (j *journal) ok(description string) *workflow.BaseActivity {
	return j.step(description, workflow.ActivityResultSuccessful)
}

func newEngine(t *testing.T, opts ...workflow.EngineOption) *workflow.Engine {
	t.Helper()
	engine, err := workflow.NewEngine(opts...)
	require.NoError(t, err)
	return engine
}

func newWorkflow(t *testing.T, name string, activities ...workflow.Activity) *workflow.Workflow {
	t.Helper()
	wf := workflow.NewWorkflow(name, workflow.NewWorkflowContext())
	for _, activity := range activities {
		require.NoError(t, wf.Do(activity))
	}
	return wf
}

func resultOf(t *testing.T, wf workflow.WorkflowRunner) workflow.WorkflowResult {
	t.Helper()
	result, err := wf.Result()
	require.NoError(t, err)
	return result
}

func ptr[T any](v T) *T {
	return &v
}
