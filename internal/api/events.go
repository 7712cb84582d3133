package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/notifier"
	"sudooom.im.inbox/pkg/response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// 帧类型
const (
	FrameHello  = "hello"
	FrameEvent  = "event"
	FrameReset  = "reset"
	FrameClosed = "closed"
	FrameAck    = "ack"
	FramePing   = "ping"
	FramePong   = "pong"
)

// ServerFrame 服务端下发帧
type ServerFrame struct {
	Type           string       `json:"type"`
	SubscriptionID string       `json:"subscription_id,omitempty"`
	ResumeToken    uint64       `json:"resume_token,omitempty"`
	ResetRequired  bool         `json:"reset_required,omitempty"`
	Event          *model.Event `json:"event,omitempty"`
	Code           int          `json:"code,omitempty"`
	Reason         string       `json:"reason,omitempty"`
}

// ClientFrame 客户端上行帧
type ClientFrame struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence,omitempty"`
}

// newUpgrader 创建 websocket 升级器，allowed 为空时不校验 Origin
func newUpgrader(allowed []string) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if len(allowed) > 0 {
		u.CheckOrigin = checkOrigin(allowed)
	}
	return u
}

// checkOrigin 非浏览器客户端不带 Origin，直接放行
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || originAllowed(allowed, origin)
	}
}

// Events 实时事件流
// GET /api/v1/events?resume_token=<seq>&subscription_id=<id>
func (h *InboxHandler) Events(c *gin.Context) {
	opts := notifier.SubscribeOptions{SubscriptionID: c.Query("subscription_id")}
	if raw := c.Query("resume_token"); raw != "" {
		token, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			response.InvalidParams(c, "resume_token must be a sequence number")
			return
		}
		opts.ResumeToken = &token
	}

	sub, err := h.inbox.Subscribe(c.Request.Context(), viewerID(c), opts)
	if err != nil {
		abortWithError(c, err)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "viewerId", sub.ViewerID(), "error", err)
		sub.Disconnect()
		return
	}

	newEventSession(ws, sub).run()
}

// eventSession 一条 websocket 连接上的订阅会话
type eventSession struct {
	ws      *websocket.Conn
	sub     *notifier.Subscription
	logger  *slog.Logger
	writeMu sync.Mutex
}

func newEventSession(ws *websocket.Conn, sub *notifier.Subscription) *eventSession {
	return &eventSession{ws: ws, sub: sub, logger: slog.Default()}
}

func (s *eventSession) run() {
	defer s.ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hello := ServerFrame{
		Type:           FrameHello,
		SubscriptionID: s.sub.ID(),
		ResumeToken:    s.sub.ResumeToken(),
		ResetRequired:  s.sub.ResetRequired(),
	}
	if err := s.write(hello); err != nil {
		s.sub.Disconnect()
		return
	}
	if hello.ResetRequired {
		// 续传令牌超出保留范围，客户端需要全量刷新会话列表
		if err := s.write(ServerFrame{Type: FrameReset, ResumeToken: hello.ResumeToken}); err != nil {
			s.sub.Disconnect()
			return
		}
	}

	go s.readLoop(cancel)
	go s.pingLoop(ctx)

	for {
		ev, err := s.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// 连接断开，进入宽限期等待重连
				s.sub.Disconnect()
				return
			}
			s.closeWith(err)
			return
		}
		if err := s.write(ServerFrame{Type: FrameEvent, Event: &ev}); err != nil {
			s.sub.Disconnect()
			return
		}
	}
}

func (s *eventSession) readLoop(cancel context.CancelFunc) {
	defer cancel()

	s.ws.SetReadLimit(4096)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("Ignore malformed client frame", "subscriptionId", s.sub.ID(), "error", err)
			continue
		}
		switch frame.Type {
		case FrameAck:
			s.sub.Ack(frame.Sequence)
		case FramePing:
			s.sub.Touch()
			if err := s.write(ServerFrame{Type: FramePong}); err != nil {
				return
			}
		}
	}
}

func (s *eventSession) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// closeWith 订阅被服务端终止（队列溢出、空闲超时等），通知客户端后关闭连接
func (s *eventSession) closeWith(err error) {
	_ = s.write(ServerFrame{
		Type:           FrameClosed,
		SubscriptionID: s.sub.ID(),
		ResumeToken:    s.sub.ResumeToken(),
		Code:           apperrors.GetCode(err),
		Reason:         apperrors.GetMessage(err),
	})

	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, apperrors.GetMessage(err)),
		time.Now().Add(writeWait))
	s.writeMu.Unlock()
}

func (s *eventSession) write(frame ServerFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteJSON(frame)
}
