package api

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.inbox/internal/identity"
)

// RouterConfig 路由配置
type RouterConfig struct {
	Mode    string
	Tokens  *identity.TokenService
	Limiter *Limiter // 为 nil 时不限流
	// AllowedOrigins 浏览器跨域白名单
	AllowedOrigins []string
}

// SetupRouter 设置路由
func SetupRouter(cfg RouterConfig, inboxHandler *InboxHandler) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(Logger())
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(CORS(cfg.AllowedOrigins))
	}

	v1 := r.Group("/api/v1")
	v1.Use(JWTAuth(cfg.Tokens))
	{
		v1.POST("/messages", RateLimit(cfg.Limiter), inboxHandler.SendMessage)

		conversations := v1.Group("/conversations")
		{
			conversations.GET("", inboxHandler.ListConversations)
			conversations.GET("/unread", inboxHandler.TotalUnread)
			conversations.POST("/read", inboxHandler.MarkAllRead)
			conversations.POST("/rebuild", inboxHandler.RebuildIndex)
			conversations.GET("/:counterpart/messages", inboxHandler.GetMessages)
			conversations.POST("/:counterpart/read", inboxHandler.MarkRead)
		}

		v1.GET("/events", inboxHandler.Events)
	}

	return r
}
