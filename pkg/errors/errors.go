// Package errors 提供统一的错误处理框架
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code 错误码
type Code string

const (
	// 通用错误码
	CodeUnknown      Code = "UNKNOWN"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeRateLimited  Code = "RATE_LIMITED"

	// 输入数据相关（构建阶段，提交求解器之前）
	CodeValidationFail Code = "VALIDATION_FAILED"

	// 求解器交互相关
	CodeSolverRejected      Code = "SOLVER_REJECTED"
	CodeTransport           Code = "TRANSPORT_ERROR"
	CodeTimeout             Code = "TIMEOUT"
	CodeDuplicateSubmission Code = "DUPLICATE_SUBMISSION"
	CodeMalformedOutput     Code = "MALFORMED_OUTPUT"

	// 流水线时序相关
	CodeIncompleteRun      Code = "INCOMPLETE_RUN"
	CodePrerequisiteNotMet Code = "PREREQUISITE_NOT_MET"

	// 运行记录相关
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeDatabaseError     Code = "DATABASE_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Cause      error                  `json:"-"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if id, ok := e.Fields["run_id"]; ok {
		msg += fmt.Sprintf(" (run=%v)", id)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithField 添加字段
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// New 创建新错误
func New(code Code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Wrap 包装错误
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

// codeToHTTPStatus 错误码转HTTP状态码
func codeToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeValidationFail:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateSubmission, CodeInvalidTransition, CodePrerequisiteNotMet, CodeIncompleteRun:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeSolverRejected:
		return http.StatusUnprocessableEntity
	case CodeTransport, CodeMalformedOutput:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Is 检查错误是否为特定类型
func Is(err error, code Code) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetCode 获取错误码
func GetCode(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetHTTPStatus 获取HTTP状态码
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRetryable 只有传输层错误允许重试
func IsRetryable(err error) bool {
	return Is(err, CodeTransport)
}

// Annotate 为错误补充上下文字段（数据集、阶段、运行ID），非 AppError 会被包装为内部错误
func Annotate(err error, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Wrap(err, CodeInternal, "内部错误")
		err = appErr
	}
	for k, v := range fields {
		if _, exists := appErr.Fields[k]; !exists {
			appErr.WithField(k, v)
		}
	}
	return err
}

// InvalidInput 创建输入无效错误
func InvalidInput(field, reason string) *AppError {
	return New(CodeInvalidInput, fmt.Sprintf("字段 '%s' 无效: %s", field, reason))
}

// NotFound 创建资源不存在错误
func NotFound(resource, id string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s '%s' 不存在", resource, id))
}

// Rejected 求解器拒绝提交（4xx），不可重试
func Rejected(status int, body string) *AppError {
	return New(CodeSolverRejected, fmt.Sprintf("求解器拒绝请求: HTTP %d", status)).
		WithDetails(body).
		WithField("status", status)
}

// Transport 求解器传输层错误（5xx、连接重置等），可重试
func Transport(cause error) *AppError {
	return Wrap(cause, CodeTransport, "求解器通信失败")
}

// Timeout 等待超过预算，运行状态保持不变
func Timeout(runID string, waited time.Duration) *AppError {
	return New(CodeTimeout, fmt.Sprintf("等待求解结果超时 (%s)", waited)).
		WithField("run_id", runID)
}

// IncompleteRun 在未完成的运行上提取亲和度
func IncompleteRun(runID, status string) *AppError {
	return New(CodeIncompleteRun, fmt.Sprintf("运行尚未完成, 当前状态 %s", status)).
		WithField("run_id", runID)
}

// PrerequisiteNotMet 约束求解的前置运行未完成
func PrerequisiteNotMet(runID, status string) *AppError {
	return New(CodePrerequisiteNotMet, fmt.Sprintf("无约束求解未完成 (状态 %s), 不能构建约束实例", status)).
		WithField("run_id", runID)
}

// MalformedOutput 求解器输出缺少必需字段
func MalformedOutput(reason string) *AppError {
	return New(CodeMalformedOutput, "求解器输出格式错误: "+reason)
}

// InvalidTransition 非法的运行状态迁移
func InvalidTransition(runID, from, to string) *AppError {
	return New(CodeInvalidTransition, fmt.Sprintf("不允许的状态迁移 %s -> %s", from, to)).
		WithField("run_id", runID).
		WithField("from", from).
		WithField("to", to)
}

// DuplicateSubmission 同一实例已在求解中
func DuplicateSubmission(fingerprint, runID string) *AppError {
	return New(CodeDuplicateSubmission, "该问题实例已有进行中的求解").
		WithField("fingerprint", fingerprint).
		WithField("run_id", runID)
}

// ValidationErrors 验证错误集合
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// ValidationError 单个验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error 实现 error 接口
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return "验证失败"
	}
	if len(ve.Errors) == 1 {
		return fmt.Sprintf("验证失败: %s - %s", ve.Errors[0].Field, ve.Errors[0].Message)
	}
	return fmt.Sprintf("验证失败: %s - %s (另有 %d 项)", ve.Errors[0].Field, ve.Errors[0].Message, len(ve.Errors)-1)
}

// Add 添加验证错误
func (ve *ValidationErrors) Add(field, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Field: field, Message: message})
}

// Addf 添加格式化的验证错误
func (ve *ValidationErrors) Addf(field, format string, args ...interface{}) {
	ve.Add(field, fmt.Sprintf(format, args...))
}

// HasErrors 检查是否有错误
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// ToAppError 转换为 AppError
func (ve *ValidationErrors) ToAppError() *AppError {
	err := Wrap(ve, CodeValidationFail, "验证失败")
	err.Fields = make(map[string]interface{})
	for _, e := range ve.Errors {
		err.Fields[e.Field] = e.Message
	}
	return err
}

// Err 有错误时返回 AppError，否则返回 nil
func (ve *ValidationErrors) Err() error {
	if !ve.HasErrors() {
		return nil
	}
	return ve.ToAppError()
}
