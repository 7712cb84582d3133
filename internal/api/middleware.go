package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/identity"
	"sudooom.im.inbox/pkg/response"
)

const ctxCallerID = "caller_id"

// JWTAuth JWT 认证中间件
// 浏览器无法为 websocket 设置请求头，允许通过 access_token 查询参数传递
func JWTAuth(tokens *identity.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			response.Unauthorized(c)
			c.Abort()
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			response.ErrorFromAppError(c, err)
			c.Abort()
			return
		}

		c.Set(ctxCallerID, claims.ViewerID)
		c.Request = c.Request.WithContext(identity.WithCaller(c.Request.Context(), claims.ViewerID))
		c.Next()
	}
}

// extractToken 从 Authorization header 提取 token
func extractToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}

// GetCallerID 从 context 获取已认证的调用方
func GetCallerID(c *gin.Context) string {
	return c.GetString(ctxCallerID)
}

// viewerID 请求作用的 viewer，默认为调用方本人；管理员可通过 viewer_id 代为操作
func viewerID(c *gin.Context) string {
	if v := c.Query("viewer_id"); v != "" {
		return v
	}
	return GetCallerID(c)
}

// RateLimit 按调用方限流
func RateLimit(limiter *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow(GetCallerID(c)) {
			response.TooManyRequests(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Logger 请求日志中间件
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
			"clientIp", c.ClientIP(),
		}
		if status >= 500 {
			slog.Error("HTTP request", attrs...)
		} else {
			slog.Debug("HTTP request", attrs...)
		}
	}
}

// abortWithError 统一错误出口
func abortWithError(c *gin.Context, err error) {
	if apperrors.GetCode(err) == apperrors.CodeServerError || apperrors.GetCode(err) == apperrors.CodeDBError {
		slog.Error("Request failed", "path", c.Request.URL.Path, "error", err)
	}
	response.ErrorFromAppError(c, err)
}
