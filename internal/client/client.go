package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"sudooom.im.inbox/internal/api"
	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/reconcile"
	"sudooom.im.inbox/internal/service"
)

// Client 收件箱 HTTP 客户端
type Client struct {
	baseURL  string
	token    string
	viewerID string
	http     *http.Client
	logger   *slog.Logger
}

// New 创建客户端，viewerID 非空时以管理员身份代为操作
func New(baseURL, token, viewerID string) *Client {
	return &Client{
		baseURL:  baseURL,
		token:    token,
		viewerID: viewerID,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   slog.Default(),
	}
}

// envelope 统一响应结构
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// MessagePage 一页消息
type MessagePage struct {
	List    []model.Message `json:"list"`
	HasMore bool            `json:"has_more"`
	Next    int64           `json:"next"`
}

// Send 发送消息
func (c *Client) Send(ctx context.Context, recipientID, body, clientToken string) (service.SendResult, error) {
	var res service.SendResult
	err := c.call(ctx, http.MethodPost, "/api/v1/messages", nil, api.SendMessageRequest{
		RecipientID: recipientID,
		Body:        body,
		ClientToken: clientToken,
	}, &res)
	return res, err
}

// SendOptimistic 乐观发送：先写入时间线，可重试错误使用同一令牌重发
func (c *Client) SendOptimistic(ctx context.Context, tl *reconcile.Timeline, recipientID, body string, attempts int) (model.Message, error) {
	token := tl.AddPending("", recipientID, body, time.Now())
	if attempts <= 0 {
		attempts = 1
	}

	backoff := 200 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		res, err := c.Send(ctx, recipientID, body, token)
		if err == nil {
			tl.Confirm(token, res.Message)
			return res.Message, nil
		}
		lastErr = err
		if !apperrors.Retryable(err) && apperrors.GetCode(err) != apperrors.CodeServerError {
			break
		}
		select {
		case <-ctx.Done():
			tl.Fail(token, ctx.Err())
			return model.Message{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	tl.Fail(token, lastErr)
	return model.Message{}, lastErr
}

// Conversations 会话列表
func (c *Client) Conversations(ctx context.Context) ([]api.ConversationItem, error) {
	var out struct {
		List []api.ConversationItem `json:"list"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/conversations", nil, nil, &out)
	return out.List, err
}

// Unread 未读总数
func (c *Client) Unread(ctx context.Context) (int, error) {
	var out struct {
		Total int `json:"total"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/conversations/unread", nil, nil, &out)
	return out.Total, err
}

// Messages 读取一页消息，since 为上一页最后一条消息的 ID
func (c *Client) Messages(ctx context.Context, counterpartID string, since int64, limit int) (MessagePage, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page MessagePage
	err := c.call(ctx, http.MethodGet, "/api/v1/conversations/"+url.PathEscape(counterpartID)+"/messages", q, nil, &page)
	return page, err
}

// MarkRead 标记与 counterpart 的会话已读
func (c *Client) MarkRead(ctx context.Context, counterpartID string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(counterpartID)+"/read", nil, nil, &out)
	return out.Count, err
}

// MarkAllRead 标记全部会话已读
func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/conversations/read", nil, nil, &out)
	return out.Count, err
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if c.viewerID != "" {
		query.Set("viewer_id", c.viewerID)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if env.Code != apperrors.CodeSuccess {
		return apperrors.NewError(env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}
