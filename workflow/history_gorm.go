package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type historyRepo struct {
	db *gorm.DB
}

// NewHistoryRepo 基于 gorm 的 HistoryRepo, sqlite/postgres/mysql 都可以使用
// 表结构需要调用方通过 db.AutoMigrate(HistoryModels()...) 创建
func NewHistoryRepo(db *gorm.DB) HistoryRepo {
	return &historyRepo{
		db: db,
	}
}

func (r *historyRepo) CreateEngineRun(ctx context.Context, engineRun *EngineRunPo) (*EngineRunPo, error) {
	if engineRun == nil {
		return nil, errors.New("nil EngineRunPo")
	}
	now := time.Now().Unix()
	engineRun.CreatedAt = now
	engineRun.UpdatedAt = now
	if err := r.GetDBWithContext(ctx).Create(engineRun).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateEngineRun failed")
	}
	return engineRun, nil
}

func (r *historyRepo) CreateWorkflowRun(ctx context.Context, workflowRun *WorkflowRunPo) (*WorkflowRunPo, error) {
	if workflowRun == nil {
		return nil, errors.New("nil WorkflowRunPo")
	}
	now := time.Now().Unix()
	workflowRun.CreatedAt = now
	workflowRun.UpdatedAt = now
	if err := r.GetDBWithContext(ctx).Create(workflowRun).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowRun failed")
	}
	return workflowRun, nil
}

func (r *historyRepo) CreateActivityRun(ctx context.Context, activityRun *ActivityRunPo) (*ActivityRunPo, error) {
	if activityRun == nil {
		return nil, errors.New("nil ActivityRunPo")
	}
	now := time.Now().Unix()
	activityRun.CreatedAt = now
	activityRun.UpdatedAt = now
	if err := r.GetDBWithContext(ctx).Create(activityRun).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateActivityRun failed")
	}
	return activityRun, nil
}

// paginate 分页和排序, isCount 时都不处理
func paginate(db *gorm.DB, isCount bool, orderbyIDAsc *bool, page *Pager) (*gorm.DB, error) {
	if isCount {
		return db, nil
	}
	if orderbyIDAsc != nil {
		if *orderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if page == nil {
		return nil, errors.New("page is nil")
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		return db, nil
	}
	pageNo, size := page.Page, page.Size
	if pageNo == 0 {
		pageNo = 1
	}
	if size == 0 {
		size = 10
	}
	return db.Offset(int((pageNo - 1) * size)).Limit(int(size)), nil
}

func buildQueryEngineRunParams(db *gorm.DB, isCount bool, param *QueryEngineRunParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryEngineRunParams")
	}
	if err := getValidator().Struct(param); err != nil {
		return nil, errors.WithMessage(err, "invalid QueryEngineRunParams")
	}
	if param.EngineRunID != nil {
		db = db.Where("id = ?", *param.EngineRunID)
	}
	if param.RunID != nil {
		db = db.Where("run_id = ?", *param.RunID)
	}
	if param.EngineID != nil {
		db = db.Where("engine_id = ?", *param.EngineID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if len(param.ResultIn) != 0 {
		db = db.Where("result IN ?", param.ResultIn)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", *param.IDGreaterThan)
	}
	return paginate(db, isCount, param.OrderbyIDAsc, param.Page)
}

func (r *historyRepo) QueryEngineRun(ctx context.Context, param *QueryEngineRunParams) ([]*EngineRunPo, error) {
	db := r.GetDBWithContext(ctx).Model(&EngineRunPo{})
	db, err := buildQueryEngineRunParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryEngineRunParams failed")
	}
	pos := make([]*EngineRunPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryEngineRun failed")
	}
	return pos, nil
}

func (r *historyRepo) CountEngineRun(ctx context.Context, param *QueryEngineRunParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&EngineRunPo{})
	db, err := buildQueryEngineRunParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryEngineRunParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountEngineRun failed")
	}
	return count, nil
}

func buildQueryWorkflowRunParams(db *gorm.DB, param *QueryWorkflowRunParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowRunParams")
	}
	if err := getValidator().Struct(param); err != nil {
		return nil, errors.WithMessage(err, "invalid QueryWorkflowRunParams")
	}
	if param.WorkflowRunID != nil {
		db = db.Where("id = ?", *param.WorkflowRunID)
	}
	if param.EngineRunID != nil {
		db = db.Where("engine_run_id = ?", *param.EngineRunID)
	}
	if param.WorkflowID != nil {
		db = db.Where("workflow_id = ?", *param.WorkflowID)
	}
	if len(param.ResultIn) != 0 {
		db = db.Where("result IN ?", param.ResultIn)
	}
	return paginate(db, false, param.OrderbyIDAsc, param.Page)
}

func (r *historyRepo) QueryWorkflowRun(ctx context.Context, param *QueryWorkflowRunParams) ([]*WorkflowRunPo, error) {
	db := r.GetDBWithContext(ctx).Model(&WorkflowRunPo{})
	db, err := buildQueryWorkflowRunParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowRunParams failed")
	}
	pos := make([]*WorkflowRunPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowRun failed")
	}
	return pos, nil
}

func buildQueryActivityRunParams(db *gorm.DB, param *QueryActivityRunParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryActivityRunParams")
	}
	if err := getValidator().Struct(param); err != nil {
		return nil, errors.WithMessage(err, "invalid QueryActivityRunParams")
	}
	if param.ActivityRunID != nil {
		db = db.Where("id = ?", *param.ActivityRunID)
	}
	if param.WorkflowRunID != nil {
		db = db.Where("workflow_run_id = ?", *param.WorkflowRunID)
	}
	if param.ActivityID != nil {
		db = db.Where("activity_id = ?", *param.ActivityID)
	}
	if param.IsRollback != nil {
		db = db.Where("is_rollback = ?", *param.IsRollback)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	return paginate(db, false, param.OrderbyIDAsc, param.Page)
}

func (r *historyRepo) QueryActivityRun(ctx context.Context, param *QueryActivityRunParams) ([]*ActivityRunPo, error) {
	db := r.GetDBWithContext(ctx).Model(&ActivityRunPo{})
	db, err := buildQueryActivityRunParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryActivityRunParams failed")
	}
	pos := make([]*ActivityRunPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryActivityRun failed")
	}
	return pos, nil
}

func (r *historyRepo) UpdateEngineRun(ctx context.Context, param *UpdateEngineRunParams) error {
	if param == nil {
		return errors.New("nil UpdateEngineRunParams")
	}
	if err := getValidator().Struct(param); err != nil {
		return errors.WithMessage(err, "invalid UpdateEngineRunParams")
	}
	fields := param.Fields
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Result != nil {
		updateFields["result"] = *fields.Result
	}
	if fields.Progress != nil {
		updateFields["progress"] = *fields.Progress
	}
	if fields.ErrorCount != nil {
		updateFields["error_count"] = *fields.ErrorCount
	}
	if fields.LastError != nil {
		updateFields["last_error"] = *fields.LastError
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()

	db := r.GetDBWithContext(ctx).Model(&EngineRunPo{}).Where("id IN ?", param.Where.IDIn)
	if err := db.Updates(updateFields).Error; err != nil {
		return errors.WithMessage(err, "UpdateEngineRun failed")
	}
	return nil
}

func (r *historyRepo) UpdateWorkflowRun(ctx context.Context, param *UpdateWorkflowRunParams) error {
	if param == nil {
		return errors.New("nil UpdateWorkflowRunParams")
	}
	if err := getValidator().Struct(param); err != nil {
		return errors.WithMessage(err, "invalid UpdateWorkflowRunParams")
	}
	fields := param.Fields
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Result != nil {
		updateFields["result"] = *fields.Result
	}
	if fields.WorkflowContext != nil {
		updateFields["workflow_context"] = fields.WorkflowContext
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()

	db := r.GetDBWithContext(ctx).Model(&WorkflowRunPo{}).Where("id IN ?", param.Where.IDIn)
	if err := db.Updates(updateFields).Error; err != nil {
		return errors.WithMessage(err, "UpdateWorkflowRun failed")
	}
	return nil
}

func buildUpdateActivityRunWhere(db *gorm.DB, where *UpdateActivityRunWhere) (*gorm.DB, error) {
	isHasWhere := false
	if len(where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", where.IDIn)
	}
	if where.WorkflowRunID != nil {
		isHasWhere = true
		db = db.Where("workflow_run_id = ?", *where.WorkflowRunID)
	}
	if len(where.StatusIn) > 0 {
		db = db.Where("status IN ?", where.StatusIn)
	}
	if !isHasWhere {
		return nil, errors.New("update activity run need id or workflow run id condition")
	}
	return db, nil
}

func (r *historyRepo) UpdateActivityRun(ctx context.Context, param *UpdateActivityRunParams) error {
	if param == nil {
		return errors.New("nil UpdateActivityRunParams")
	}
	if err := getValidator().Struct(param); err != nil {
		return errors.WithMessage(err, "invalid UpdateActivityRunParams")
	}
	db, err := buildUpdateActivityRunWhere(r.GetDBWithContext(ctx).Model(&ActivityRunPo{}), param.Where)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateActivityRunWhere failed")
	}
	updateFields := make(map[string]any)
	if param.Fields.Status != nil {
		updateFields["status"] = *param.Fields.Status
	}
	if param.Fields.Result != nil {
		updateFields["result"] = *param.Fields.Result
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	if err := db.Updates(updateFields).Error; err != nil {
		return errors.WithMessage(err, "UpdateActivityRun failed")
	}
	return nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

// GetDBWithContext ctx 里面有事务时使用事务
func (r *historyRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Transaction 已经在事务里面时直接执行 fn
func (r *historyRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
