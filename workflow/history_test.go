package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newHistoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 每个连接都是独立的内存数据库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(HistoryModels()...))
	return db
}

func ptr[T any](v T) *T {
	return &v
}

func TestHistoryRepo_EngineRun(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepo(newHistoryDB(t))

	for i, result := range []EngineResult{EngineResultCompleted, EngineResultCanceled, EngineResultCompleted} {
		run, err := repo.CreateEngineRun(ctx, &EngineRunPo{RunID: fmt.Sprintf("run-%d", i), EngineID: "nightly", Status: string(StateStopped), Result: string(result)})
		require.NoError(t, err)
		assert.NotZero(t, run.ID)
		assert.NotZero(t, run.CreatedAt)
	}

	t.Run("统计", func(t *testing.T) {
		count, err := repo.CountEngineRun(ctx, &QueryEngineRunParams{ResultIn: []string{string(EngineResultCompleted)}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		count, err = repo.CountEngineRun(ctx, &QueryEngineRunParams{EngineID: ptr("other")})
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("分页", func(t *testing.T) {
		pos, err := repo.QueryEngineRun(ctx, &QueryEngineRunParams{
			EngineID:     ptr("nightly"),
			OrderbyIDAsc: ptr(false),
			Page:         &Pager{Page: 1, Size: 2},
		})
		require.NoError(t, err)
		require.Len(t, pos, 2)
		assert.Greater(t, pos[0].ID, pos[1].ID)

		pos, err = repo.QueryEngineRun(ctx, &QueryEngineRunParams{Page: &Pager{Page: 2, Size: 2}})
		require.NoError(t, err)
		assert.Len(t, pos, 1)

		pos, err = repo.QueryEngineRun(ctx, &QueryEngineRunParams{Page: &Pager{IsNoLimit: ptr(true)}})
		require.NoError(t, err)
		assert.Len(t, pos, 3)
	})

	t.Run("参数校验", func(t *testing.T) {
		_, err := repo.QueryEngineRun(ctx, &QueryEngineRunParams{})
		assert.Error(t, err)
		_, err = repo.QueryEngineRun(ctx, &QueryEngineRunParams{Page: &Pager{Size: 5000}})
		assert.Error(t, err)
		_, err = repo.QueryEngineRun(ctx, nil)
		assert.Error(t, err)
		_, err = repo.CreateEngineRun(ctx, nil)
		assert.Error(t, err)
	})

	t.Run("更新", func(t *testing.T) {
		pos, err := repo.QueryEngineRun(ctx, &QueryEngineRunParams{ResultIn: []string{string(EngineResultCanceled)}, Page: &Pager{}})
		require.NoError(t, err)
		require.Len(t, pos, 1)

		err = repo.UpdateEngineRun(ctx, &UpdateEngineRunParams{
			Where:  &UpdateEngineRunWhere{IDIn: []int64{pos[0].ID}},
			Fields: &UpdateEngineRunField{Progress: ptr(50.0), ErrorCount: ptr(int64(2)), LastError: ptr("boom")},
		})
		require.NoError(t, err)

		updated, err := repo.QueryEngineRun(ctx, &QueryEngineRunParams{EngineRunID: &pos[0].ID, Page: &Pager{}})
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.Equal(t, 50.0, updated[0].Progress)
		assert.Equal(t, int64(2), updated[0].ErrorCount)
		assert.Equal(t, "boom", updated[0].LastError)

		assert.Error(t, repo.UpdateEngineRun(ctx, &UpdateEngineRunParams{
			Where:  &UpdateEngineRunWhere{},
			Fields: &UpdateEngineRunField{Status: ptr("x")},
		}))
		assert.Error(t, repo.UpdateEngineRun(ctx, &UpdateEngineRunParams{
			Where:  &UpdateEngineRunWhere{IDIn: []int64{pos[0].ID}},
			Fields: &UpdateEngineRunField{},
		}))
	})
}

func TestHistoryRepo_ActivityRun(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepo(newHistoryDB(t))

	wfRun, err := repo.CreateWorkflowRun(ctx, &WorkflowRunPo{EngineRunID: 1, WorkflowID: "wf", Status: string(StateRunning)})
	require.NoError(t, err)
	for _, desc := range []string{"a1", "a2"} {
		_, err := repo.CreateActivityRun(ctx, &ActivityRunPo{WorkflowRunID: wfRun.ID, ActivityID: desc, Description: desc, Status: string(StateRunning)})
		require.NoError(t, err)
	}
	_, err = repo.CreateActivityRun(ctx, &ActivityRunPo{WorkflowRunID: wfRun.ID, ActivityID: "undo", IsRollback: true, Status: string(StateStopped)})
	require.NoError(t, err)

	err = repo.UpdateActivityRun(ctx, &UpdateActivityRunParams{
		Where:  &UpdateActivityRunWhere{WorkflowRunID: &wfRun.ID, StatusIn: []string{string(StateRunning)}},
		Fields: &UpdateActivityRunField{Status: ptr(string(StateStopped)), Result: ptr(string(ActivityResultFailed))},
	})
	require.NoError(t, err)

	failed, err := repo.QueryActivityRun(ctx, &QueryActivityRunParams{
		WorkflowRunID: &wfRun.ID,
		IsRollback:    ptr(false),
		OrderbyIDAsc:  ptr(true),
		Page:          &Pager{},
	})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "a1", failed[0].ActivityID)
	assert.Equal(t, string(ActivityResultFailed), failed[1].Result)

	rollbacks, err := repo.QueryActivityRun(ctx, &QueryActivityRunParams{IsRollback: ptr(true), Page: &Pager{}})
	require.NoError(t, err)
	require.Len(t, rollbacks, 1)
	assert.Empty(t, rollbacks[0].Result)

	// 没有条件时拒绝更新
	assert.Error(t, repo.UpdateActivityRun(ctx, &UpdateActivityRunParams{
		Where:  &UpdateActivityRunWhere{StatusIn: []string{string(StateRunning)}},
		Fields: &UpdateActivityRunField{Status: ptr(string(StateStopped))},
	}))
}

func TestHistoryRepo_Transaction(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepo(newHistoryDB(t))

	boom := errors.New("boom")
	err := repo.Transaction(ctx, func(ctx context.Context) error {
		if _, err := repo.CreateWorkflowRun(ctx, &WorkflowRunPo{WorkflowID: "rolled back"}); err != nil {
			return err
		}
		// 嵌套调用复用外层事务
		return repo.Transaction(ctx, func(ctx context.Context) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	pos, err := repo.QueryWorkflowRun(ctx, &QueryWorkflowRunParams{Page: &Pager{}})
	require.NoError(t, err)
	assert.Empty(t, pos)

	err = repo.Transaction(ctx, func(ctx context.Context) error {
		_, err := repo.CreateWorkflowRun(ctx, &WorkflowRunPo{WorkflowID: "committed"})
		return err
	})
	require.NoError(t, err)
	pos, err = repo.QueryWorkflowRun(ctx, &QueryWorkflowRunParams{WorkflowID: ptr("committed"), Page: &Pager{}})
	require.NoError(t, err)
	assert.Len(t, pos, 1)
}

func TestHistoryRecorder(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepo(newHistoryDB(t))
	engine := newTestEngine(t, WithEngineID("orders"))

	steps := &trail{}
	saga := NewWorkflow("saga", nil, WithWorkflowType("order"))
	require.NoError(t, saga.Do(NewFuncActivity("reserve", true, func(_ context.Context, scope *ActivityScope) (ActivityResult, error) {
		scope.Cache().Set("order_id", "o-1")
		return ActivityResultSuccessful, nil
	}), WithRollback(steps.activity("release"))))
	require.NoError(t, saga.Do(steps.activityWith("charge", ActivityResultFailed)))
	require.NoError(t, engine.Queue(saga))

	queueWorkflow(t, engine, "report",
		(&dummyActivity{description: "collect", publishError: errors.New("partial data")}).build(),
		(&dummyActivity{description: "send", err: errors.New("smtp down")}).build())

	recorder := NewHistoryRecorder(repo, nil)
	assert.Nil(t, recorder.EngineRun())
	recorder.Attach(ctx, engine)

	result, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, EngineResultCompletedWithErrors, result.Kind)
	require.NoError(t, recorder.Err())

	run := recorder.EngineRun()
	require.NotNil(t, run)
	assert.Equal(t, "orders", run.EngineID)
	assert.Equal(t, string(EngineResultCompletedWithErrors), run.Result)

	stored, err := repo.QueryEngineRun(ctx, &QueryEngineRunParams{RunID: &run.RunID, Page: &Pager{}})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, string(StateStopped), stored[0].Status)
	assert.Equal(t, int64(2), stored[0].WorkflowCount)
	assert.Equal(t, 100.0, stored[0].Progress)
	// 一次 PublishError, 一次 activity 错误
	assert.Equal(t, int64(2), stored[0].ErrorCount)
	assert.Contains(t, stored[0].LastError, "smtp down")

	workflowRuns, err := repo.QueryWorkflowRun(ctx, &QueryWorkflowRunParams{EngineRunID: &run.ID, OrderbyIDAsc: ptr(true), Page: &Pager{}})
	require.NoError(t, err)
	require.Len(t, workflowRuns, 2)
	assert.Equal(t, "saga", workflowRuns[0].Name)
	assert.Equal(t, "order", workflowRuns[0].WorkflowType)
	assert.Equal(t, int64(1), workflowRuns[0].Position)
	assert.Equal(t, string(WorkflowResultFailed), workflowRuns[0].Result)
	assert.Equal(t, int64(2), workflowRuns[1].Position)
	assert.Equal(t, string(WorkflowResultFailed), workflowRuns[1].Result)

	snapshot := map[string]any{}
	require.NoError(t, json.Unmarshal(workflowRuns[0].WorkflowContext, &snapshot))
	assert.Equal(t, "o-1", snapshot["order_id"])

	sagaActivities, err := repo.QueryActivityRun(ctx, &QueryActivityRunParams{WorkflowRunID: &workflowRuns[0].ID, OrderbyIDAsc: ptr(true), Page: &Pager{}})
	require.NoError(t, err)
	require.Len(t, sagaActivities, 3)
	assert.Equal(t, "reserve", sagaActivities[0].Description)
	assert.Equal(t, string(ActivityResultSuccessful), sagaActivities[0].Result)
	assert.Equal(t, "charge", sagaActivities[1].Description)
	assert.Equal(t, string(ActivityResultFailed), sagaActivities[1].Result)
	assert.Equal(t, "release", sagaActivities[2].Description)
	assert.True(t, sagaActivities[2].IsRollback)

	reportActivities, err := repo.QueryActivityRun(ctx, &QueryActivityRunParams{WorkflowRunID: &workflowRuns[1].ID, OrderbyIDAsc: ptr(true), Page: &Pager{}})
	require.NoError(t, err)
	require.Len(t, reportActivities, 2)
	// send 没有正常返回, 在 workflow 结束时补记为 failed
	assert.Equal(t, string(StateStopped), reportActivities[1].Status)
	assert.Equal(t, string(ActivityResultFailed), reportActivities[1].Result)

	t.Run("Detach 之后不再记录", func(t *testing.T) {
		recorder.Detach(engine)
		_, err := engine.Run(ctx)
		require.NoError(t, err)
		count, err := repo.CountEngineRun(ctx, &QueryEngineRunParams{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestHistoryRecorder_RepositoryErrors(t *testing.T) {
	db := newHistoryDB(t)
	require.NoError(t, db.Migrator().DropTable(&WorkflowRunPo{}))
	engine := newTestEngine(t)
	queueWorkflow(t, engine, "w1", succeed("a1"))

	recorder := NewHistoryRecorder(NewHistoryRepo(db), nil)
	recorder.Attach(context.Background(), engine)
	result, err := engine.Run(context.Background())
	require.NoError(t, err)
	// 写入失败不影响运行结果
	assert.Equal(t, EngineResultCompleted, result.Kind)
	assert.Error(t, recorder.Err())
	assert.Equal(t, string(EngineResultCompleted), recorder.EngineRun().Result)
}
