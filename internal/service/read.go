package service

import (
	"context"
	"time"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/model"
)

// MarkRead 将 counterpart 发给 viewer 的未读消息全部标记为已读，返回本次变化的条数
// 重复调用返回 0；有变化时向双方各发布一个 conversation.read 事件
func (s *InboxService) MarkRead(ctx context.Context, viewerID, counterpartID string) (int, error) {
	if err := validatePair(viewerID, counterpartID); err != nil {
		return 0, err
	}
	if err := s.authorize(ctx, viewerID); err != nil {
		return 0, err
	}
	return s.markRead(ctx, viewerID, counterpartID)
}

// MarkAllRead 将 viewer 的全部会话标记为已读，返回变化总数
func (s *InboxService) MarkAllRead(ctx context.Context, viewerID string) (int, error) {
	if !model.ValidViewerID(viewerID) {
		return 0, apperrors.ErrValidation.WithMessage("invalid viewer id")
	}
	if err := s.authorize(ctx, viewerID); err != nil {
		return 0, err
	}

	counterparts, err := s.store.Counterparts(ctx, viewerID)
	if err != nil {
		return 0, apperrors.ErrDBError.Wrap(err)
	}
	total := 0
	for _, counterpartID := range counterparts {
		n, err := s.markRead(ctx, viewerID, counterpartID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *InboxService) markRead(ctx context.Context, viewerID, counterpartID string) (int, error) {
	unlock, err := s.lock(ctx, model.NewPairKey(viewerID, counterpartID))
	if err != nil {
		return 0, err
	}
	defer unlock()

	readAt := s.now().UTC().Truncate(time.Millisecond)
	res, err := s.store.MarkRead(ctx, viewerID, counterpartID, readAt)
	if err != nil {
		s.logger.Error("Failed to mark read", "viewerId", viewerID, "counterpartId", counterpartID, "error", err)
		return 0, apperrors.ErrDBError.Wrap(err)
	}
	if res.Count == 0 {
		return 0, nil
	}
	s.metrics.IncReadReceipt()

	if _, err := s.index.ApplyRead(ctx, viewerID, counterpartID); err != nil {
		s.logger.Warn("Apply read to index failed", "viewerId", viewerID, "counterpartId", counterpartID, "error", err)
	}

	ev := model.NewConversationRead(model.ConversationRead{
		ReaderID:      viewerID,
		CounterpartID: counterpartID,
		Count:         res.Count,
		ReadAt:        readAt,
		UpToMessageID: res.UpToMessageID,
	})
	s.publish(ctx, viewerID, ev)
	s.publish(ctx, counterpartID, ev)

	s.logger.Debug("Conversation read",
		"viewerId", viewerID,
		"counterpartId", counterpartID,
		"count", res.Count)
	return res.Count, nil
}
