package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sudooom.im.inbox/internal/identity"
	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/service"
	"sudooom.im.inbox/pkg/response"
)

// MaxPageLimit 单次读取消息的上限
const MaxPageLimit = 200

// InboxHandler 收件箱接口
type InboxHandler struct {
	inbox       *service.InboxService
	defaultPage int
	upgrader    *websocket.Upgrader
}

// NewInboxHandler 创建收件箱处理器
// allowedOrigins 约束 websocket 握手的 Origin，为空时不校验
func NewInboxHandler(inbox *service.InboxService, defaultPage int, allowedOrigins ...string) *InboxHandler {
	if defaultPage <= 0 || defaultPage > MaxPageLimit {
		defaultPage = 50
	}
	return &InboxHandler{
		inbox:       inbox,
		defaultPage: defaultPage,
		upgrader:    newUpgrader(allowedOrigins),
	}
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	Body        string `json:"body" binding:"required"`
	ClientToken string `json:"client_token"`
}

// ConversationItem 会话列表项，附带对方展示信息
type ConversationItem struct {
	model.ConversationSummary
	Counterpart identity.Profile `json:"counterpart"`
}

// SendMessage 发送消息
// POST /api/v1/messages
func (h *InboxHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InvalidParams(c, err.Error())
		return
	}

	res, err := h.inbox.Send(c.Request.Context(), service.SendRequest{
		SenderID:    viewerID(c),
		RecipientID: req.RecipientID,
		Body:        req.Body,
		ClientToken: req.ClientToken,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	response.Success(c, res)
}

// ListConversations 获取会话列表
// GET /api/v1/conversations
func (h *InboxHandler) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := h.inbox.ListConversations(ctx, viewerID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	items := make([]ConversationItem, 0, len(list))
	for _, s := range list {
		profile, err := h.inbox.DisplayInfo(ctx, s.CounterpartID)
		if err != nil {
			profile = identity.Profile{ID: s.CounterpartID, Name: s.CounterpartID}
		}
		items = append(items, ConversationItem{ConversationSummary: s, Counterpart: profile})
	}

	response.Success(c, gin.H{"list": items})
}

// TotalUnread 获取未读总数
// GET /api/v1/conversations/unread
func (h *InboxHandler) TotalUnread(c *gin.Context) {
	total, err := h.inbox.TotalUnread(c.Request.Context(), viewerID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	response.Success(c, gin.H{"total": total})
}

// GetMessages 获取会话消息
// GET /api/v1/conversations/:counterpart/messages?since=<message id>&limit=<n>
func (h *InboxHandler) GetMessages(c *gin.Context) {
	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			response.InvalidParams(c, "since must be a message id")
			return
		}
		since = v
	}

	limit := h.defaultPage
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			response.InvalidParams(c, "limit must be positive")
			return
		}
		limit = min(v, MaxPageLimit)
	}

	seq, err := h.inbox.GetMessages(c.Request.Context(), viewerID(c), c.Param("counterpart"), service.CursorFromID(since))
	if err != nil {
		abortWithError(c, err)
		return
	}
	// 多取一条用于判断是否还有更多
	messages, err := service.CollectMessages(seq, limit+1)
	if err != nil {
		abortWithError(c, err)
		return
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	var next int64
	if len(messages) > 0 {
		next = messages[len(messages)-1].ID
	}

	response.Success(c, gin.H{
		"list":     messages,
		"has_more": hasMore,
		"next":     next,
	})
}

// MarkRead 标记与 counterpart 的会话已读
// POST /api/v1/conversations/:counterpart/read
func (h *InboxHandler) MarkRead(c *gin.Context) {
	n, err := h.inbox.MarkRead(c.Request.Context(), viewerID(c), c.Param("counterpart"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	response.Success(c, gin.H{"count": n})
}

// MarkAllRead 标记全部会话已读
// POST /api/v1/conversations/read
func (h *InboxHandler) MarkAllRead(c *gin.Context) {
	n, err := h.inbox.MarkAllRead(c.Request.Context(), viewerID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	response.Success(c, gin.H{"count": n})
}

// RebuildIndex 从消息存储重建会话索引
// POST /api/v1/conversations/rebuild
func (h *InboxHandler) RebuildIndex(c *gin.Context) {
	n, err := h.inbox.RebuildIndex(c.Request.Context(), viewerID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	response.Success(c, gin.H{"conversations": n})
}
