package workflow

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// HistoryRecorder 订阅 engine 事件, 把每次运行写入 HistoryRepo
// 回调在 engine 的 owner 上执行, 写入失败只记录, 不影响运行
type HistoryRecorder struct {
	repo   HistoryRepo
	logger *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	errs []error

	engineID     string
	engineRun    *EngineRunPo
	workflowRuns map[string]*WorkflowRunPo
	activityRuns map[string]*ActivityRunPo
	current      *WorkflowRunPo
	rollingBack  bool
	progress     float64
	errorCount   int64
	lastError    string
}

func NewHistoryRecorder(repo HistoryRepo, logger *slog.Logger) *HistoryRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryRecorder{
		repo:   repo,
		logger: logger,
	}
}

// Attach 订阅 engine 的事件, ctx 用于所有的写入操作
func (r *HistoryRecorder) Attach(ctx context.Context, engine WorkflowEngine) {
	r.mu.Lock()
	r.ctx = ctx
	r.engineID = engine.ID()
	r.mu.Unlock()

	SubscribeTo(engine, r, r.onEngineStarted)
	SubscribeTo(engine, r, r.onWorkflowStarted)
	SubscribeTo(engine, r, r.onRollbackStarted)
	SubscribeTo(engine, r, r.onActivityStarted)
	SubscribeTo(engine, r, r.onActivityCompleted)
	SubscribeTo(engine, r, r.onWorkflowCompleted)
	SubscribeTo(engine, r, func(ev *ProgressChangedEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.progress = ev.Progress
	})
	SubscribeTo(engine, r, func(ev *ErrorMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errorCount++
		if ev.Error != nil {
			r.lastError = ev.Source + ": " + ev.Error.Error()
		}
	})
	SubscribeTo(engine, r, r.onEngineStopped)
}

// Detach 撤销 Attach 的全部订阅
func (r *HistoryRecorder) Detach(engine WorkflowEngine) {
	engine.UnsubscribeAll(r)
}

// Err 所有写入错误
func (r *HistoryRecorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return stderrors.Join(r.errs...)
}

// EngineRun 最近一次运行的记录, 还没有运行时返回 nil
func (r *HistoryRecorder) EngineRun() *EngineRunPo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engineRun == nil {
		return nil
	}
	run := *r.engineRun
	return &run
}

func (r *HistoryRecorder) fail(err error, msg string) {
	r.errs = append(r.errs, errors.WithMessage(err, msg))
	r.logger.WarnContext(r.ctx, "[HistoryRecorder] "+msg, "error", err)
}

func (r *HistoryRecorder) onEngineStarted(ev *EngineStartedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflowRuns = make(map[string]*WorkflowRunPo)
	r.activityRuns = make(map[string]*ActivityRunPo)
	r.current = nil
	r.rollingBack = false
	r.progress = 0
	r.errorCount = 0
	r.lastError = ""

	run, err := r.repo.CreateEngineRun(r.ctx, &EngineRunPo{
		RunID:         uuid.NewString(),
		EngineID:      r.engineID,
		Status:        string(StateRunning),
		WorkflowCount: int64(ev.WorkflowCount),
	})
	if err != nil {
		r.engineRun = nil
		r.fail(err, "create engine run failed")
		return
	}
	r.engineRun = run
}

func (r *HistoryRecorder) onWorkflowStarted(ev *WorkflowStartedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollingBack = false
	r.current = nil
	if r.engineRun == nil {
		return
	}
	run, err := r.repo.CreateWorkflowRun(r.ctx, &WorkflowRunPo{
		EngineRunID:  r.engineRun.ID,
		WorkflowID:   ev.ID,
		Name:         ev.Name,
		WorkflowType: ev.Type,
		Position:     int64(ev.Position),
		Status:       string(StateRunning),
	})
	if err != nil {
		r.fail(err, "create workflow run failed")
		return
	}
	r.workflowRuns[ev.ID] = run
	r.current = run
}

func (r *HistoryRecorder) onRollbackStarted(*RollbackStartedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollingBack = true
}

func (r *HistoryRecorder) onActivityStarted(ev *ActivityStartedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	run, err := r.repo.CreateActivityRun(r.ctx, &ActivityRunPo{
		WorkflowRunID: r.current.ID,
		ActivityID:    ev.ID,
		Description:   ev.Description,
		IsCancellable: ev.IsCancellable,
		IsRollback:    r.rollingBack,
		Status:        string(StateRunning),
	})
	if err != nil {
		r.fail(err, "create activity run failed")
		return
	}
	r.activityRuns[ev.ID] = run
}

func (r *HistoryRecorder) onActivityCompleted(ev *ActivityCompletedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.activityRuns[ev.ID]
	if !ok {
		return
	}
	status, result := string(StateStopped), string(ev.Result)
	err := r.repo.UpdateActivityRun(r.ctx, &UpdateActivityRunParams{
		Where:  &UpdateActivityRunWhere{IDIn: []int64{run.ID}},
		Fields: &UpdateActivityRunField{Status: &status, Result: &result},
	})
	if err != nil {
		r.fail(err, "update activity run failed")
	}
}

// onWorkflowCompleted 没有正常返回的 activity 不会有 completed 事件, 这里统一记为 failed
func (r *HistoryRecorder) onWorkflowCompleted(ev *WorkflowCompletedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.workflowRuns[ev.ID]
	if !ok {
		return
	}
	snapshot, err := snapshotCache(ev.Context)
	if err != nil {
		r.fail(err, "snapshot workflow context failed")
	}
	status, result := string(StateStopped), string(ev.Result)
	failed := string(ActivityResultFailed)
	err = r.repo.Transaction(r.ctx, func(ctx context.Context) error {
		workflowRunID := run.ID
		err := r.repo.UpdateActivityRun(ctx, &UpdateActivityRunParams{
			Where:  &UpdateActivityRunWhere{WorkflowRunID: &workflowRunID, StatusIn: []string{string(StateRunning)}},
			Fields: &UpdateActivityRunField{Status: &status, Result: &failed},
		})
		if err != nil {
			return err
		}
		return r.repo.UpdateWorkflowRun(ctx, &UpdateWorkflowRunParams{
			Where:  &UpdateWorkflowRunWhere{IDIn: []int64{run.ID}},
			Fields: &UpdateWorkflowRunField{Status: &status, Result: &result, WorkflowContext: snapshot},
		})
	})
	if err != nil {
		r.fail(err, "update workflow run failed")
	}
	r.current = nil
}

func (r *HistoryRecorder) onEngineStopped(ev *EngineStoppedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engineRun == nil {
		return
	}
	status := string(StateStopped)
	result := ""
	if ev.Result != nil {
		result = string(ev.Result.Kind)
	}
	progress, errorCount, lastError := r.progress, r.errorCount, r.lastError
	err := r.repo.UpdateEngineRun(r.ctx, &UpdateEngineRunParams{
		Where: &UpdateEngineRunWhere{IDIn: []int64{r.engineRun.ID}},
		Fields: &UpdateEngineRunField{
			Status:     &status,
			Result:     &result,
			Progress:   &progress,
			ErrorCount: &errorCount,
			LastError:  &lastError,
		},
	})
	if err != nil {
		r.fail(err, "update engine run failed")
		return
	}
	r.engineRun.Status = status
	r.engineRun.Result = result
	r.engineRun.Progress = progress
	r.engineRun.ErrorCount = errorCount
	r.engineRun.LastError = lastError
}

func snapshotCache(wfCtx WorkflowContext) ([]byte, error) {
	if wfCtx == nil || wfCtx.Cache() == nil {
		return nil, nil
	}
	cache := wfCtx.Cache()
	if marshaler, ok := cache.(json.Marshaler); ok {
		return marshaler.MarshalJSON()
	}
	data := make(map[string]any, cache.Len())
	for _, key := range cache.Keys() {
		if v, ok := cache.Get(key); ok {
			data[key] = v
		}
	}
	return json.Marshal(data)
}
