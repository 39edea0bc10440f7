package common

import (
	"errors"
	"fmt"
)

// 定义常见错误类型
var (
	ErrInvalidState      = errors.New("invalid state")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// 解析错误码
const (
	ResolutionInvalidInput = "InvalidInput"
	ResolutionOutOfRange   = "OutOfRange"
)

// ResolutionError 清单解析错误，可由调用方修正后重试
type ResolutionError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution failed for field '%s': %s (%s)", e.Field, e.Message, e.Code)
}

// NewResolutionError 创建解析错误
func NewResolutionError(code, field, message string) *ResolutionError {
	return &ResolutionError{
		Code:    code,
		Field:   field,
		Message: message,
	}
}

// 准入拒绝原因
const (
	AdmissionQuotaExceeded = "QuotaExceeded"
	AdmissionClusterFull   = "ClusterFull"
)

// AdmissionError 准入拒绝，提交被驳回且不创建执行记录
type AdmissionError struct {
	Reason    string   `json:"reason"`
	Requested Resource `json:"requested"`
	Limit     Resource `json:"limit"`
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected (%s): requested %s, limit %s", e.Reason, e.Requested, e.Limit)
}

// 运行时故障原因
const (
	RuntimePlacementRejected = "PlacementRejected"
	RuntimeCrashed           = "Crashed"
	RuntimeTimeout           = "Timeout"
)

// RuntimeFailure 运行时故障，驱动执行进入 ERROR 终态
type RuntimeFailure struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *RuntimeFailure) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("runtime failure (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("runtime failure (%s)", e.Reason)
}

func (e *RuntimeFailure) Unwrap() error {
	return e.Cause
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

// NewValidationError 创建验证错误
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
