package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.inbox/internal/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// HTTPStatus 错误码对应的 HTTP 状态
func HTTPStatus(code int) int {
	switch code {
	case apperrors.CodeSuccess:
		return http.StatusOK
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeAuthorization:
		return http.StatusForbidden
	case apperrors.CodeTokenInvalid, apperrors.CodeTokenExpired:
		return http.StatusUnauthorized
	case apperrors.CodeBusy:
		return http.StatusServiceUnavailable
	case apperrors.CodeDisconnected:
		return http.StatusGone
	case apperrors.CodeTooManyReqest:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// ErrorWithMsg 自定义错误消息
func ErrorWithMsg(c *gin.Context, code int, message string) {
	c.JSON(HTTPStatus(code), Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// ErrorFromAppError 从 AppError 生成错误响应
// 可重试的错误附带 Retry-After
func ErrorFromAppError(c *gin.Context, err error) {
	code := apperrors.GetCode(err)
	if apperrors.Retryable(err) || code == apperrors.CodeTooManyReqest {
		c.Header("Retry-After", "1")
	}
	ErrorWithMsg(c, code, apperrors.GetMessage(err))
}

// InvalidParams 参数校验失败
func InvalidParams(c *gin.Context, message string) {
	ErrorWithMsg(c, apperrors.CodeValidation, message)
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context) {
	ErrorFromAppError(c, apperrors.ErrTokenInvalid)
}

// TooManyRequests 请求过多
func TooManyRequests(c *gin.Context) {
	ErrorFromAppError(c, apperrors.ErrTooManyRequest)
}
