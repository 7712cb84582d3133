package nats

import (
	"encoding/json"

	apperrors "sudooom.im.inbox/internal/errors"
)

// 上行命令类型
const (
	OpSend        = "send"
	OpMarkRead    = "read"
	OpMarkAllRead = "read_all"
)

// Command 上行命令，CallerID 为已由上游网关认证的调用方
type Command struct {
	Op       string       `json:"op"`
	CallerID string       `json:"caller_id"`
	Send     *SendCommand `json:"send,omitempty"`
	Read     *ReadCommand `json:"read,omitempty"`
}

// SendCommand 发送消息
type SendCommand struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`
	ClientToken string `json:"client_token,omitempty"`
}

// ReadCommand 标记已读，CounterpartID 为空时标记全部会话
type ReadCommand struct {
	ViewerID      string `json:"viewer_id"`
	CounterpartID string `json:"counterpart_id,omitempty"`
}

// Reply 命令应答，与 HTTP 响应使用同样的 code/message/data 结构
type Reply struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ReadReply 已读命令应答数据
type ReadReply struct {
	Count int `json:"count"`
}

func okReply(data any) Reply {
	raw, err := json.Marshal(data)
	if err != nil {
		return errorReply(err)
	}
	return Reply{Code: apperrors.CodeSuccess, Message: "success", Data: raw}
}

func errorReply(err error) Reply {
	return Reply{Code: apperrors.GetCode(err), Message: apperrors.GetMessage(err)}
}

// Err 将应答还原为错误，成功时返回 nil
func (r Reply) Err() error {
	if r.Code == apperrors.CodeSuccess {
		return nil
	}
	return apperrors.NewError(r.Code, r.Message)
}
