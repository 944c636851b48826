// Package workflow 提供按顺序执行的 activity 工作流引擎。
//
// 一个 engine 持有一组 workflow, 依次执行; 一个 workflow 持有一组 activity, 依次执行,
// 失败时按相反顺序执行已经停止的 activity 的回滚 activity。
//
// 主要特性：
//   - 协作式取消：CancelAsync 可以在任意 goroutine 上调用, 在可取消的 activity 之后生效
//   - 事件：engine、workflow、activity 的生命周期事件, 订阅者回调在 owner goroutine 上执行
//   - 进度：按 workflow 数量平均分配, 每个步骤可以声明完成百分比
//   - 运行锁：本地锁或者 Redis 锁, 保证同一个 key 同一时间只有一个 engine 在运行
//   - 运行历史：HistoryRecorder 把每次运行写入 GORM（SQLite、PostgreSQL、MySQL）
//   - 可观测性：log/slog 日志以及 OpenTelemetry span
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//
//	    "github.com/blingmoon/activity-workflow/workflow"
//	)
//
//	func main() {
//	    // 1. 创建 engine, 默认使用本地运行锁
//	    engine, err := workflow.NewEngine()
//	    if err != nil {
//	        panic(err)
//	    }
//
//	    // 2. 定义 workflow, activity 之间通过运行时缓存传递数据
//	    wf := workflow.NewWorkflow("approval", workflow.NewWorkflowContext())
//	    _ = wf.Do(workflow.NewFuncActivity("submit", true,
//	        func(ctx context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
//	            scope.Cache().Set("amount", int64(1000))
//	            return workflow.ActivityResultSuccessful, nil
//	        }),
//	        workflow.WithCompletionPercentage(50),
//	        workflow.WithRollback(workflow.NewFuncActivity("withdraw", false,
//	            func(ctx context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
//	                return workflow.ActivityResultSuccessful, nil
//	            })))
//	    _ = wf.Do(workflow.NewFuncActivity("approve", true,
//	        func(ctx context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
//	            amount := workflow.ReadCache[int64](scope.Cache(), "amount")
//	            if amount > 5000 {
//	                return workflow.ActivityResultFailed, nil
//	            }
//	            return workflow.ActivityResultSuccessful, nil
//	        }),
//	        workflow.WithCompletionPercentage(100))
//	    _ = engine.Queue(wf)
//
//	    // 3. 订阅事件
//	    workflow.SubscribeTo(engine, nil, func(ev *workflow.ProgressChangedEvent) {
//	        fmt.Printf("progress: %.0f%%\n", ev.Progress)
//	    })
//
//	    // 4. 运行
//	    result, err := engine.Run(context.Background())
//	    if err != nil {
//	        panic(err)
//	    }
//	    fmt.Println(workflow.GetEngineResultText(result.Kind))
//	}
//
// 运行历史示例：
//
//	db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	_ = db.AutoMigrate(workflow.HistoryModels()...)
//	recorder := workflow.NewHistoryRecorder(workflow.NewHistoryRepo(db), nil)
//	recorder.Attach(ctx, engine)
//	defer recorder.Detach(engine)
//
// 后台运行示例：
//
//	future, _ := engine.RunAsync(ctx)
//	// 其他 goroutine 可以调用 engine.CancelAsync()
//	result, err := future.Wait(ctx) // 等待期间在当前 goroutine 上执行订阅者回调
//
// 更多示例见 examples/ 目录。
package workflow
