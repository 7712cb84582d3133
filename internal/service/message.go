package service

import (
	"context"
	"fmt"
	"iter"
	"unicode/utf8"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/model"
)

// MaxBodyRunes 消息正文最大字符数
const MaxBodyRunes = 4000

// MaxClientTokenLen 幂等令牌最大字节数
const MaxClientTokenLen = 128

// SendRequest 发送请求
type SendRequest struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`
	ClientToken string `json:"client_token,omitempty"`
}

// SendResult 发送结果，Duplicate 表示命中已有的幂等令牌
type SendResult struct {
	Message   model.Message `json:"message"`
	Duplicate bool          `json:"duplicate"`
}

// Send 发送消息
// 同一发送方重复提交相同 client_token 时返回首次写入的消息，不更新索引也不发布事件
func (s *InboxService) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	body := model.NormalizeBody(req.Body)
	if err := validatePair(req.SenderID, req.RecipientID); err != nil {
		return SendResult{}, err
	}
	if body == "" {
		return SendResult{}, apperrors.ErrValidation.WithMessage("body must not be empty")
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return SendResult{}, apperrors.ErrValidation.WithMessage(fmt.Sprintf("body exceeds %d characters", MaxBodyRunes))
	}
	if len(req.ClientToken) > MaxClientTokenLen {
		return SendResult{}, apperrors.ErrValidation.WithMessage("client token too long")
	}
	if err := s.authorize(ctx, req.SenderID); err != nil {
		return SendResult{}, err
	}

	exists, err := s.directory.Exists(ctx, req.RecipientID)
	if err != nil {
		return SendResult{}, apperrors.ErrServerError.Wrap(err)
	}
	if !exists {
		return SendResult{}, apperrors.ErrNotFound.WithMessage(fmt.Sprintf("recipient %s not found", req.RecipientID))
	}

	pair := model.NewPairKey(req.SenderID, req.RecipientID)
	unlock, err := s.lock(ctx, pair)
	if err != nil {
		return SendResult{}, err
	}
	defer unlock()

	// 锁内生成ID，同一会话对的提交顺序与ID顺序一致
	id := s.ids.Generate()
	msg := model.Message{
		ID:          id.Int64(),
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Body:        body,
		CreatedAt:   id.Time(),
		ClientToken: req.ClientToken,
	}

	stored, created, err := s.store.Insert(ctx, msg)
	if err != nil {
		s.logger.Error("Failed to save message", "senderId", req.SenderID, "error", err)
		return SendResult{}, apperrors.ErrDBError.Wrap(err)
	}
	if !created {
		s.metrics.IncDuplicate()
		s.logger.Debug("Duplicate send",
			"senderId", req.SenderID,
			"clientToken", req.ClientToken,
			"messageId", stored.ID)
		return SendResult{Message: stored, Duplicate: true}, nil
	}
	s.metrics.IncSent()

	s.index.ApplyMessage(ctx, stored)

	ev := model.NewMessageCreated(stored)
	s.publish(ctx, stored.SenderID, ev)
	s.publish(ctx, stored.RecipientID, ev)

	s.logger.Debug("Message saved",
		"messageId", stored.ID,
		"senderId", stored.SenderID,
		"recipientId", stored.RecipientID)
	return SendResult{Message: stored}, nil
}

// GetMessages 按 (created_at, id) 升序返回 viewer 与 counterpart 的消息
// 返回的序列按页惰性读取，可重复遍历；since 为零值时从头开始
func (s *InboxService) GetMessages(ctx context.Context, viewerID, counterpartID string, since model.Cursor) (iter.Seq2[model.Message, error], error) {
	if err := validatePair(viewerID, counterpartID); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, viewerID); err != nil {
		return nil, err
	}

	pair := model.NewPairKey(viewerID, counterpartID)
	pageSize := s.pageSize
	return func(yield func(model.Message, error) bool) {
		after := since
		for {
			page, err := s.store.List(ctx, pair, after, pageSize)
			if err != nil {
				yield(model.Message{}, apperrors.ErrDBError.Wrap(err))
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].Cursor()
		}
	}, nil
}

// CollectMessages 读取至多 limit 条消息，limit <= 0 表示全部
func CollectMessages(seq iter.Seq2[model.Message, error], limit int) ([]model.Message, error) {
	out := make([]model.Message, 0)
	for m, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
