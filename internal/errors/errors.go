package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// Code 决定错误种类，Message 面向调用方，Err 保留底层原因
type AppError struct {
	Code    int    // 错误码
	Message string // 调用方可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 保留错误码，替换错误消息
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: message,
		Err:     e.Err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// Retryable 判断错误是否可以由调用方退避重试
func Retryable(err error) bool {
	return Is(err, ErrBusy) || Is(err, ErrDisconnected)
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeTokenInvalid  = 10003
	CodeTokenExpired  = 10004
	CodeAuthorization = 10006

	// 参数与资源 11000-11999
	CodeNotFound   = 11001
	CodeValidation = 11002

	// 会话与订阅 13000-13999
	CodeBusy         = 13001
	CodeDisconnected = 13002

	// 系统错误 50000-50999
	CodeServerError   = 50001
	CodeDBError       = 50002
	CodeTooManyReqest = 50003
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrTokenInvalid  = NewError(CodeTokenInvalid, "token is invalid")
	ErrTokenExpired  = NewError(CodeTokenExpired, "token has expired")
	ErrAuthorization = NewError(CodeAuthorization, "viewer is not a party to this conversation")
)

// 参数与资源
var (
	ErrNotFound   = NewError(CodeNotFound, "counterpart not found")
	ErrValidation = NewError(CodeValidation, "invalid parameters")
)

// 会话与订阅
var (
	ErrBusy         = NewError(CodeBusy, "conversation is busy, retry later")
	ErrDisconnected = NewError(CodeDisconnected, "subscription disconnected")
)

// 系统相关
var (
	ErrServerError    = NewError(CodeServerError, "internal server error")
	ErrDBError        = NewError(CodeDBError, "database error")
	ErrTooManyRequest = NewError(CodeTooManyReqest, "too many requests, retry later")
)
