package main

// csv 作为运行历史的存储

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/blingmoon/activity-workflow/internal/commonregister"
	"github.com/blingmoon/activity-workflow/workflow"
)

var _ workflow.HistoryRepo = (*CsvRepo)(nil)

// csvTable 一张表对应一个 csv 文件, 第一行是表头
type csvTable[T any] struct {
	file   string
	header []string
	encode func(T) []string
	decode func([]string) T
}

func (t *csvTable[T]) ensure() error {
	if _, err := os.Stat(t.file); os.IsNotExist(err) {
		return t.writeAll(nil)
	}
	return nil
}

func (t *csvTable[T]) readAll() ([]T, error) {
	file, err := os.Open(t.file)
	if err != nil {
		return nil, errors.WithMessagef(err, "open %s failed", t.file)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, errors.WithMessagef(err, "read %s failed", t.file)
	}
	rows := make([]T, 0, len(records))
	for i, record := range records {
		// 跳过表头和列数不对的行
		if i == 0 || len(record) != len(t.header) {
			continue
		}
		rows = append(rows, t.decode(record))
	}
	return rows, nil
}

func (t *csvTable[T]) writeAll(rows []T) error {
	file, err := os.Create(t.file)
	if err != nil {
		return errors.WithMessagef(err, "create %s failed", t.file)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(t.header); err != nil {
		return errors.WithMessagef(err, "write %s header failed", t.file)
	}
	for _, row := range rows {
		if err := writer.Write(t.encode(row)); err != nil {
			return errors.WithMessagef(err, "write %s failed", t.file)
		}
	}
	writer.Flush()
	return writer.Error()
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

type CsvRepo struct {
	mu           sync.Mutex
	engineRuns   *csvTable[*workflow.EngineRunPo]
	workflowRuns *csvTable[*workflow.WorkflowRunPo]
	activityRuns *csvTable[*workflow.ActivityRunPo]
}

// NewCsvRepo 在 dir 下创建 engine_run.csv, workflow_run.csv, activity_run.csv
func NewCsvRepo(dir string) (*CsvRepo, error) {
	repo := &CsvRepo{
		engineRuns: &csvTable[*workflow.EngineRunPo]{
			file:   dir + "/engine_run.csv",
			header: []string{"id", "run_id", "engine_id", "status", "result", "workflow_count", "progress", "error_count", "last_error", "created_at", "updated_at"},
			encode: func(po *workflow.EngineRunPo) []string {
				return []string{formatInt(po.ID), po.RunID, po.EngineID, po.Status, po.Result, formatInt(po.WorkflowCount),
					strconv.FormatFloat(po.Progress, 'f', -1, 64), formatInt(po.ErrorCount), po.LastError, formatInt(po.CreatedAt), formatInt(po.UpdatedAt)}
			},
			decode: func(r []string) *workflow.EngineRunPo {
				progress, _ := strconv.ParseFloat(r[6], 64)
				return &workflow.EngineRunPo{ID: parseInt(r[0]), RunID: r[1], EngineID: r[2], Status: r[3], Result: r[4], WorkflowCount: parseInt(r[5]),
					Progress: progress, ErrorCount: parseInt(r[7]), LastError: r[8], CreatedAt: parseInt(r[9]), UpdatedAt: parseInt(r[10])}
			},
		},
		workflowRuns: &csvTable[*workflow.WorkflowRunPo]{
			file:   dir + "/workflow_run.csv",
			header: []string{"id", "engine_run_id", "workflow_id", "name", "workflow_type", "position", "status", "result", "workflow_context", "created_at", "updated_at"},
			encode: func(po *workflow.WorkflowRunPo) []string {
				return []string{formatInt(po.ID), formatInt(po.EngineRunID), po.WorkflowID, po.Name, po.WorkflowType, formatInt(po.Position),
					po.Status, po.Result, string(po.WorkflowContext), formatInt(po.CreatedAt), formatInt(po.UpdatedAt)}
			},
			decode: func(r []string) *workflow.WorkflowRunPo {
				return &workflow.WorkflowRunPo{ID: parseInt(r[0]), EngineRunID: parseInt(r[1]), WorkflowID: r[2], Name: r[3], WorkflowType: r[4],
					Position: parseInt(r[5]), Status: r[6], Result: r[7], WorkflowContext: []byte(r[8]), CreatedAt: parseInt(r[9]), UpdatedAt: parseInt(r[10])}
			},
		},
		activityRuns: &csvTable[*workflow.ActivityRunPo]{
			file:   dir + "/activity_run.csv",
			header: []string{"id", "workflow_run_id", "activity_id", "description", "is_cancellable", "is_rollback", "status", "result", "created_at", "updated_at"},
			encode: func(po *workflow.ActivityRunPo) []string {
				return []string{formatInt(po.ID), formatInt(po.WorkflowRunID), po.ActivityID, po.Description, strconv.FormatBool(po.IsCancellable),
					strconv.FormatBool(po.IsRollback), po.Status, po.Result, formatInt(po.CreatedAt), formatInt(po.UpdatedAt)}
			},
			decode: func(r []string) *workflow.ActivityRunPo {
				cancellable, _ := strconv.ParseBool(r[4])
				rollback, _ := strconv.ParseBool(r[5])
				return &workflow.ActivityRunPo{ID: parseInt(r[0]), WorkflowRunID: parseInt(r[1]), ActivityID: r[2], Description: r[3], IsCancellable: cancellable,
					IsRollback: rollback, Status: r[6], Result: r[7], CreatedAt: parseInt(r[8]), UpdatedAt: parseInt(r[9])}
			},
		},
	}
	for _, ensure := range []func() error{repo.engineRuns.ensure, repo.workflowRuns.ensure, repo.activityRuns.ensure} {
		if err := ensure(); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// insert 分配自增 id 并追加到表的末尾
func insert[T any](table *csvTable[T], row T, id func(T) int64, setID func(T, int64)) error {
	rows, err := table.readAll()
	if err != nil {
		return err
	}
	var maxID int64
	for _, r := range rows {
		maxID = max(maxID, id(r))
	}
	setID(row, maxID+1)
	return table.writeAll(append(rows, row))
}

// page 和 gorm 版本的分页保持一致: 默认第 1 页, 每页 10 条
func page[T any](rows []T, id func(T) int64, orderbyIDAsc *bool, pager *workflow.Pager) ([]T, error) {
	if pager == nil {
		return nil, errors.New("page is nil")
	}
	if orderbyIDAsc != nil {
		slices.SortFunc(rows, func(a, b T) int {
			if *orderbyIDAsc {
				return int(id(a) - id(b))
			}
			return int(id(b) - id(a))
		})
	}
	if pager.IsNoLimit != nil && *pager.IsNoLimit {
		return rows, nil
	}
	pageNo, size := max(pager.Page, 1), pager.Size
	if size == 0 {
		size = 10
	}
	start := min((pageNo-1)*size, int64(len(rows)))
	end := min(start+size, int64(len(rows)))
	return rows[start:end], nil
}

func in[T comparable](values []T, v T) bool {
	return len(values) == 0 || slices.Contains(values, v)
}

func (c *CsvRepo) CreateEngineRun(_ context.Context, engineRun *workflow.EngineRunPo) (*workflow.EngineRunPo, error) {
	if engineRun == nil {
		return nil, errors.New("engine run is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().Unix()
	engineRun.CreatedAt, engineRun.UpdatedAt = now, now
	err := insert(c.engineRuns, engineRun,
		func(po *workflow.EngineRunPo) int64 { return po.ID },
		func(po *workflow.EngineRunPo, id int64) { po.ID = id })
	if err != nil {
		return nil, errors.WithMessage(err, "CreateEngineRun failed")
	}
	return engineRun, nil
}

func (c *CsvRepo) CreateWorkflowRun(_ context.Context, workflowRun *workflow.WorkflowRunPo) (*workflow.WorkflowRunPo, error) {
	if workflowRun == nil {
		return nil, errors.New("workflow run is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().Unix()
	workflowRun.CreatedAt, workflowRun.UpdatedAt = now, now
	err := insert(c.workflowRuns, workflowRun,
		func(po *workflow.WorkflowRunPo) int64 { return po.ID },
		func(po *workflow.WorkflowRunPo, id int64) { po.ID = id })
	if err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowRun failed")
	}
	return workflowRun, nil
}

func (c *CsvRepo) CreateActivityRun(_ context.Context, activityRun *workflow.ActivityRunPo) (*workflow.ActivityRunPo, error) {
	if activityRun == nil {
		return nil, errors.New("activity run is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().Unix()
	activityRun.CreatedAt, activityRun.UpdatedAt = now, now
	err := insert(c.activityRuns, activityRun,
		func(po *workflow.ActivityRunPo) int64 { return po.ID },
		func(po *workflow.ActivityRunPo, id int64) { po.ID = id })
	if err != nil {
		return nil, errors.WithMessage(err, "CreateActivityRun failed")
	}
	return activityRun, nil
}

func (c *CsvRepo) filterEngineRuns(param *workflow.QueryEngineRunParams) ([]*workflow.EngineRunPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryEngineRunParams")
	}
	rows, err := c.engineRuns.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.EngineRunPo, 0, len(rows))
	for _, po := range rows {
		switch {
		case param.EngineRunID != nil && po.ID != *param.EngineRunID,
			param.RunID != nil && po.RunID != *param.RunID,
			param.EngineID != nil && po.EngineID != *param.EngineID,
			param.IDGreaterThan != nil && po.ID <= *param.IDGreaterThan,
			!in(param.StatusIn, po.Status),
			!in(param.ResultIn, po.Result):
			continue
		}
		out = append(out, po)
	}
	return out, nil
}

func (c *CsvRepo) QueryEngineRun(_ context.Context, param *workflow.QueryEngineRunParams) ([]*workflow.EngineRunPo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.filterEngineRuns(param)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryEngineRun failed")
	}
	return page(rows, func(po *workflow.EngineRunPo) int64 { return po.ID }, param.OrderbyIDAsc, param.Page)
}

func (c *CsvRepo) CountEngineRun(_ context.Context, param *workflow.QueryEngineRunParams) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.filterEngineRuns(param)
	if err != nil {
		return 0, errors.WithMessage(err, "CountEngineRun failed")
	}
	return int64(len(rows)), nil
}

func (c *CsvRepo) QueryWorkflowRun(_ context.Context, param *workflow.QueryWorkflowRunParams) ([]*workflow.WorkflowRunPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowRunParams")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.workflowRuns.readAll()
	if err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowRun failed")
	}
	out := make([]*workflow.WorkflowRunPo, 0, len(rows))
	for _, po := range rows {
		switch {
		case param.WorkflowRunID != nil && po.ID != *param.WorkflowRunID,
			param.EngineRunID != nil && po.EngineRunID != *param.EngineRunID,
			param.WorkflowID != nil && po.WorkflowID != *param.WorkflowID,
			!in(param.ResultIn, po.Result):
			continue
		}
		out = append(out, po)
	}
	return page(out, func(po *workflow.WorkflowRunPo) int64 { return po.ID }, param.OrderbyIDAsc, param.Page)
}

func (c *CsvRepo) QueryActivityRun(_ context.Context, param *workflow.QueryActivityRunParams) ([]*workflow.ActivityRunPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryActivityRunParams")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.activityRuns.readAll()
	if err != nil {
		return nil, errors.WithMessage(err, "QueryActivityRun failed")
	}
	out := make([]*workflow.ActivityRunPo, 0, len(rows))
	for _, po := range rows {
		switch {
		case param.ActivityRunID != nil && po.ID != *param.ActivityRunID,
			param.WorkflowRunID != nil && po.WorkflowRunID != *param.WorkflowRunID,
			param.ActivityID != nil && po.ActivityID != *param.ActivityID,
			param.IsRollback != nil && po.IsRollback != *param.IsRollback,
			!in(param.StatusIn, po.Status):
			continue
		}
		out = append(out, po)
	}
	return page(out, func(po *workflow.ActivityRunPo) int64 { return po.ID }, param.OrderbyIDAsc, param.Page)
}

func (c *CsvRepo) UpdateEngineRun(_ context.Context, param *workflow.UpdateEngineRunParams) error {
	if param == nil || param.Where == nil || param.Fields == nil || len(param.Where.IDIn) == 0 {
		return errors.New("update engine run need where condition and fields")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.engineRuns.readAll()
	if err != nil {
		return errors.WithMessage(err, "UpdateEngineRun failed")
	}
	now := time.Now().Unix()
	for _, po := range rows {
		if !slices.Contains(param.Where.IDIn, po.ID) {
			continue
		}
		if param.Fields.Status != nil {
			po.Status = *param.Fields.Status
		}
		if param.Fields.Result != nil {
			po.Result = *param.Fields.Result
		}
		if param.Fields.Progress != nil {
			po.Progress = *param.Fields.Progress
		}
		if param.Fields.ErrorCount != nil {
			po.ErrorCount = *param.Fields.ErrorCount
		}
		if param.Fields.LastError != nil {
			po.LastError = *param.Fields.LastError
		}
		po.UpdatedAt = now
	}
	return c.engineRuns.writeAll(rows)
}

func (c *CsvRepo) UpdateWorkflowRun(_ context.Context, param *workflow.UpdateWorkflowRunParams) error {
	if param == nil || param.Where == nil || param.Fields == nil || len(param.Where.IDIn) == 0 {
		return errors.New("update workflow run need where condition and fields")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.workflowRuns.readAll()
	if err != nil {
		return errors.WithMessage(err, "UpdateWorkflowRun failed")
	}
	now := time.Now().Unix()
	for _, po := range rows {
		if !slices.Contains(param.Where.IDIn, po.ID) {
			continue
		}
		if param.Fields.Status != nil {
			po.Status = *param.Fields.Status
		}
		if param.Fields.Result != nil {
			po.Result = *param.Fields.Result
		}
		if param.Fields.WorkflowContext != nil {
			po.WorkflowContext = param.Fields.WorkflowContext
		}
		po.UpdatedAt = now
	}
	return c.workflowRuns.writeAll(rows)
}

func (c *CsvRepo) UpdateActivityRun(_ context.Context, param *workflow.UpdateActivityRunParams) error {
	if param == nil || param.Where == nil || param.Fields == nil {
		return errors.New("nil UpdateActivityRunParams")
	}
	where := param.Where
	if len(where.IDIn) == 0 && where.WorkflowRunID == nil {
		return errors.New("update activity run need where condition")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.activityRuns.readAll()
	if err != nil {
		return errors.WithMessage(err, "UpdateActivityRun failed")
	}
	now := time.Now().Unix()
	for _, po := range rows {
		switch {
		case !in(where.IDIn, po.ID),
			where.WorkflowRunID != nil && po.WorkflowRunID != *where.WorkflowRunID,
			!in(where.StatusIn, po.Status):
			continue
		}
		if param.Fields.Status != nil {
			po.Status = *param.Fields.Status
		}
		if param.Fields.Result != nil {
			po.Result = *param.Fields.Result
		}
		po.UpdatedAt = now
	}
	return c.activityRuns.writeAll(rows)
}

// Transaction csv 文件不支持事务, 直接执行 fn, 中途出错已经写入的数据不会回滚
func (c *CsvRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func main() {
	repo, err := NewCsvRepo(".")
	if err != nil {
		panic(err)
	}

	engine, err := workflow.NewEngine(workflow.WithEngineID("csv-orders"))
	if err != nil {
		panic(err)
	}
	ledger := commonregister.NewLedger(map[string]int{"book": 2})
	for _, order := range []commonregister.Order{
		{ID: "ORDER-2024-001", SKU: "book", Quantity: 1, Amount: 1000},
		{ID: "ORDER-2024-002", SKU: "book", Quantity: 1, Amount: 1000, FailShipping: true},
	} {
		wf, err := commonregister.NewOrderWorkflow(order, ledger)
		if err != nil {
			panic(err)
		}
		if err := engine.Queue(wf); err != nil {
			panic(err)
		}
	}

	recorder := workflow.NewHistoryRecorder(repo, slog.Default())
	recorder.Attach(context.Background(), engine)
	defer recorder.Detach(engine)

	result, err := engine.Run(context.Background())
	if err != nil {
		panic(err)
	}
	if err := recorder.Err(); err != nil {
		panic(err)
	}
	fmt.Printf("Workflow engine execution result: %s\n", workflow.GetEngineResultText(result.Kind))
	fmt.Printf("engine run %s 已写入 engine_run.csv, workflow_run.csv, activity_run.csv\n", recorder.EngineRun().RunID)
}
