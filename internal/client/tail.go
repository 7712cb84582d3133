package client

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sudooom.im.inbox/internal/api"
	apperrors "sudooom.im.inbox/internal/errors"
)

// TailOptions 事件订阅参数
type TailOptions struct {
	ResumeToken    *uint64
	SubscriptionID string
	// Reconnect 连接断开后自动以最新令牌重连
	Reconnect bool
	// MaxBackoff 重连退避上限
	MaxBackoff time.Duration
}

// FrameHandler 处理服务端帧，返回错误时停止订阅
type FrameHandler func(frame api.ServerFrame) error

// Tail 订阅实时事件，每处理一个事件后回复 ack
func (c *Client) Tail(ctx context.Context, opts TailOptions, handle FrameHandler) error {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	backoff := 200 * time.Millisecond

	for {
		err := c.tailOnce(ctx, &opts, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var stop *stopError
		if !opts.Reconnect || errors.As(err, &stop) {
			if stop != nil {
				return stop.err
			}
			return err
		}

		c.logger.Warn("Event stream interrupted, reconnecting",
			"subscriptionId", opts.SubscriptionID,
			"backoff", backoff,
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, opts.MaxBackoff)
	}
}

// stopError 由 FrameHandler 返回的错误，不触发重连
type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }

func (c *Client) tailOnce(ctx context.Context, opts *TailOptions, handle FrameHandler) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.eventsURL(opts), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	for {
		var frame api.ServerFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return err
		}

		switch frame.Type {
		case api.FrameHello:
			opts.SubscriptionID = frame.SubscriptionID
			token := frame.ResumeToken
			opts.ResumeToken = &token
		case api.FrameEvent:
			if frame.Event == nil {
				continue
			}
			token := frame.Event.Sequence
			opts.ResumeToken = &token
		case api.FrameClosed:
			if err := handle(frame); err != nil {
				return &stopError{err: err}
			}
			return apperrors.NewError(frame.Code, frame.Reason)
		}

		if err := handle(frame); err != nil {
			return &stopError{err: err}
		}
		if frame.Type == api.FrameEvent {
			if err := ws.WriteJSON(api.ClientFrame{Type: api.FrameAck, Sequence: frame.Event.Sequence}); err != nil {
				return err
			}
		}
	}
}

func (c *Client) eventsURL(opts *TailOptions) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	q := url.Values{}
	q.Set("access_token", c.token)
	if c.viewerID != "" {
		q.Set("viewer_id", c.viewerID)
	}
	if opts.SubscriptionID != "" {
		q.Set("subscription_id", opts.SubscriptionID)
	}
	if opts.ResumeToken != nil {
		q.Set("resume_token", strconv.FormatUint(*opts.ResumeToken, 10))
	}
	return base + "/api/v1/events?" + q.Encode()
}
