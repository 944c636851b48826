package workflow

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidOperation 违反调用约定的错误,例如重复运行、未停止时读取结果、重复绑定步骤选项
	// 使用 errors.WithMessagef(ErrInvalidOperation, ...) 包装, 调用方使用 IsInvalidOperation 判断
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrLockFailed 运行锁已经被其他持有者占用
	ErrLockFailed = errors.New("lock failed")
	// ErrInvalidActivityResult activity 返回了未知的结果
	ErrInvalidActivityResult = errors.New("invalid activity result")
	// ErrActivityPanic activity 执行过程中 panic, 被 workflow 捕获后转换成这个错误
	ErrActivityPanic = errors.New("activity panic")
)

// IsInvalidOperation 判断是否是调用约定错误
func IsInvalidOperation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidOperation)
}

func invalidOperation(format string, args ...any) error {
	return errors.WithMessagef(ErrInvalidOperation, format, args...)
}

var (
	validatorOnce sync.Once
	validatorUtil *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorUtil = validator.New(validator.WithRequiredStructEnabled())
	})
	return validatorUtil
}

// ExecutionState activity, workflow, engine 共用的运行状态
type ExecutionState string

const (
	StateNotStarted ExecutionState = "not_started"
	StateRunning    ExecutionState = "running"
	// 停止, 结果可读
	StateStopped ExecutionState = "stopped"
)

type ActivityResult string

const (
	ActivityResultSuccessful ActivityResult = "successful"
	ActivityResultFailed     ActivityResult = "failed"
	ActivityResultCanceled   ActivityResult = "canceled"
)

func isValidActivityResult(r ActivityResult) bool {
	return r == ActivityResultSuccessful || r == ActivityResultFailed || r == ActivityResultCanceled
}

type WorkflowResult string

const (
	WorkflowResultSuccessful WorkflowResult = "successful"
	WorkflowResultFailed     WorkflowResult = "failed"
	WorkflowResultCanceled   WorkflowResult = "canceled"
)

type EngineResult string

const (
	EngineResultCompleted EngineResult = "completed"
	// 至少有一个 workflow 失败, 或者运行过程中出现过 error-occurred
	EngineResultCompletedWithErrors EngineResult = "completed_with_errors"
	EngineResultCanceled            EngineResult = "canceled"
)

func GetExecutionStateText(state ExecutionState) string {
	switch state {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

func GetEngineResultText(result EngineResult) string {
	switch result {
	case EngineResultCompleted:
		return "Completed"
	case EngineResultCompletedWithErrors:
		return "CompletedWithErrors"
	case EngineResultCanceled:
		return "Canceled"
	}
	return "Unknown"
}
