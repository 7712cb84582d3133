package client

import (
	"context"

	"sudooom.im.inbox/internal/api"
	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/reconcile"
)

// refreshPageSize 全量刷新时每页拉取的消息数
const refreshPageSize = 100

// Change 时间线的一次变化
// Reset 为 true 时时间线已整体替换，Event 为空
type Change struct {
	Event *model.Event
	Reset bool
}

// ChangeHandler 处理时间线变化，返回错误时停止订阅
type ChangeHandler func(change Change) error

// Follow 订阅实时事件并应用到时间线
// 重复事件不会交给 handle；收到 reset 或首次无令牌连接时从服务端全量刷新时间线；
// 未指定续传令牌时从时间线已应用的最大序号续传
func (c *Client) Follow(ctx context.Context, tl *reconcile.Timeline, opts TailOptions, handle ChangeHandler) error {
	if opts.ResumeToken == nil {
		if seq := tl.LastSequence(); seq > 0 {
			opts.ResumeToken = &seq
		}
	}
	fresh := opts.ResumeToken == nil

	return c.Tail(ctx, opts, func(frame api.ServerFrame) error {
		switch frame.Type {
		case api.FrameHello:
			if !fresh || frame.ResetRequired {
				return nil
			}
			fresh = false
			return c.refresh(ctx, tl, frame.ResumeToken, handle)
		case api.FrameReset:
			fresh = false
			return c.refresh(ctx, tl, frame.ResumeToken, handle)
		case api.FrameEvent:
			if frame.Event == nil || !tl.Apply(*frame.Event) {
				return nil
			}
			return handle(Change{Event: frame.Event})
		}
		return nil
	})
}

// refresh 重新拉取全部会话的消息并重置时间线，seq 为服务端给出的当前序号
func (c *Client) refresh(ctx context.Context, tl *reconcile.Timeline, seq uint64, handle ChangeHandler) error {
	messages, err := c.snapshot(ctx)
	if err != nil {
		return err
	}
	tl.Reset(messages, seq)
	c.logger.Debug("Timeline refreshed", "messages", len(messages), "resumeToken", seq)
	return handle(Change{Reset: true})
}

func (c *Client) snapshot(ctx context.Context) ([]model.Message, error) {
	list, err := c.Conversations(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.Message
	for _, item := range list {
		var since int64
		for {
			page, err := c.Messages(ctx, item.CounterpartID, since, refreshPageSize)
			if err != nil {
				return nil, err
			}
			out = append(out, page.List...)
			if !page.HasMore {
				break
			}
			since = page.Next
		}
	}
	return out, nil
}
