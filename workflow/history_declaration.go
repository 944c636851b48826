package workflow

import (
	"context"
)

// HistoryRepo engine 运行记录的存储, 只用于审计, 不用于恢复运行
type HistoryRepo interface {
	CreateEngineRun(ctx context.Context, engineRun *EngineRunPo) (*EngineRunPo, error)
	CreateWorkflowRun(ctx context.Context, workflowRun *WorkflowRunPo) (*WorkflowRunPo, error)
	CreateActivityRun(ctx context.Context, activityRun *ActivityRunPo) (*ActivityRunPo, error)
	QueryEngineRun(ctx context.Context, param *QueryEngineRunParams) ([]*EngineRunPo, error)
	CountEngineRun(ctx context.Context, param *QueryEngineRunParams) (int64, error)
	QueryWorkflowRun(ctx context.Context, param *QueryWorkflowRunParams) ([]*WorkflowRunPo, error)
	QueryActivityRun(ctx context.Context, param *QueryActivityRunParams) ([]*ActivityRunPo, error)
	UpdateEngineRun(ctx context.Context, param *UpdateEngineRunParams) error
	UpdateWorkflowRun(ctx context.Context, param *UpdateWorkflowRunParams) error
	UpdateActivityRun(ctx context.Context, param *UpdateActivityRunParams) error
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type EngineRunPo struct {
	ID            int64   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RunID         string  `gorm:"column:run_id;uniqueIndex;size:64" json:"run_id"`
	EngineID      string  `gorm:"column:engine_id;index;size:64" json:"engine_id"`
	Status        string  `gorm:"column:status;size:32" json:"status"`
	Result        string  `gorm:"column:result;size:32" json:"result"`
	WorkflowCount int64   `gorm:"column:workflow_count" json:"workflow_count"`
	Progress      float64 `gorm:"column:progress" json:"progress"`
	ErrorCount    int64   `gorm:"column:error_count" json:"error_count"`
	LastError     string  `gorm:"column:last_error" json:"last_error"`
	CreatedAt     int64   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     int64   `gorm:"column:updated_at" json:"updated_at"`
}

func (EngineRunPo) TableName() string {
	return "engine_run"
}

type WorkflowRunPo struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	EngineRunID     int64  `gorm:"column:engine_run_id;index" json:"engine_run_id"`
	WorkflowID      string `gorm:"column:workflow_id;size:64" json:"workflow_id"`
	Name            string `gorm:"column:name" json:"name"`
	WorkflowType    string `gorm:"column:workflow_type;size:64" json:"workflow_type"`
	Position        int64  `gorm:"column:position" json:"position"`
	Status          string `gorm:"column:status;size:32" json:"status"`
	Result          string `gorm:"column:result;size:32" json:"result"`
	WorkflowContext []byte `gorm:"column:workflow_context" json:"workflow_context"` // 结束时运行时缓存的快照
	CreatedAt       int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowRunPo) TableName() string {
	return "workflow_run"
}

type ActivityRunPo struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	WorkflowRunID int64  `gorm:"column:workflow_run_id;index" json:"workflow_run_id"`
	ActivityID    string `gorm:"column:activity_id;size:64" json:"activity_id"`
	Description   string `gorm:"column:description" json:"description"`
	IsCancellable bool   `gorm:"column:is_cancellable" json:"is_cancellable"`
	IsRollback    bool   `gorm:"column:is_rollback" json:"is_rollback"`
	Status        string `gorm:"column:status;size:32" json:"status"`
	Result        string `gorm:"column:result;size:32" json:"result"`
	CreatedAt     int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (ActivityRunPo) TableName() string {
	return "activity_run"
}

// HistoryModels AutoMigrate 使用
func HistoryModels() []any {
	return []any{&EngineRunPo{}, &WorkflowRunPo{}, &ActivityRunPo{}}
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page" validate:"gte=0"`
	Size      int64 `json:"size" validate:"gte=0,lte=1000"`
}

type QueryEngineRunParams struct {
	EngineRunID   *int64   `json:"engine_run_id"`
	RunID         *string  `json:"run_id"`
	EngineID      *string  `json:"engine_id"`
	StatusIn      []string `json:"status_in"`
	ResultIn      []string `json:"result_in"`
	IDGreaterThan *int64   `json:"id_greater_than"`
	OrderbyIDAsc  *bool    `json:"orderby_id_asc"`
	Page          *Pager   `json:"page"`
}

type QueryWorkflowRunParams struct {
	WorkflowRunID *int64   `json:"workflow_run_id"`
	EngineRunID   *int64   `json:"engine_run_id"`
	WorkflowID    *string  `json:"workflow_id"`
	ResultIn      []string `json:"result_in"`
	OrderbyIDAsc  *bool    `json:"orderby_id_asc"`
	Page          *Pager   `json:"page"`
}

type QueryActivityRunParams struct {
	ActivityRunID *int64   `json:"activity_run_id"`
	WorkflowRunID *int64   `json:"workflow_run_id"`
	ActivityID    *string  `json:"activity_id"`
	IsRollback    *bool    `json:"is_rollback"`
	StatusIn      []string `json:"status_in"`
	OrderbyIDAsc  *bool    `json:"orderby_id_asc"`
	Page          *Pager   `json:"page"`
}

type UpdateEngineRunParams struct {
	Where  *UpdateEngineRunWhere `json:"where" validate:"required"`
	Fields *UpdateEngineRunField `json:"field" validate:"required"`
}

type UpdateEngineRunWhere struct {
	IDIn []int64 `json:"id_in" validate:"required,min=1"`
}

type UpdateEngineRunField struct {
	Status     *string  `json:"status"`
	Result     *string  `json:"result"`
	Progress   *float64 `json:"progress" validate:"omitempty,gte=0"`
	ErrorCount *int64   `json:"error_count"`
	LastError  *string  `json:"last_error"`
}

type UpdateWorkflowRunParams struct {
	Where  *UpdateWorkflowRunWhere `json:"where" validate:"required"`
	Fields *UpdateWorkflowRunField `json:"field" validate:"required"`
}

type UpdateWorkflowRunWhere struct {
	IDIn []int64 `json:"id_in" validate:"required,min=1"`
}

type UpdateWorkflowRunField struct {
	Status          *string `json:"status"`
	Result          *string `json:"result"`
	WorkflowContext []byte  `json:"workflow_context"`
}

type UpdateActivityRunParams struct {
	Where  *UpdateActivityRunWhere `json:"where" validate:"required"`
	Fields *UpdateActivityRunField `json:"field" validate:"required"`
}

type UpdateActivityRunWhere struct {
	IDIn          []int64  `json:"id_in"`
	WorkflowRunID *int64   `json:"workflow_run_id"`
	StatusIn      []string `json:"status_in"`
}

type UpdateActivityRunField struct {
	Status *string `json:"status"`
	Result *string `json:"result"`
}
