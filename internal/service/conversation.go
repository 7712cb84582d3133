package service

import (
	"context"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/notifier"
)

// ListConversations 获取 viewer 的会话列表，按最后消息时间倒序
func (s *InboxService) ListConversations(ctx context.Context, viewerID string) ([]model.ConversationSummary, error) {
	if err := s.checkViewer(ctx, viewerID); err != nil {
		return nil, err
	}
	list, err := s.index.List(ctx, viewerID)
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	return list, nil
}

// TotalUnread 获取 viewer 的未读总数
func (s *InboxService) TotalUnread(ctx context.Context, viewerID string) (int, error) {
	if err := s.checkViewer(ctx, viewerID); err != nil {
		return 0, err
	}
	total, err := s.index.TotalUnread(ctx, viewerID)
	if err != nil {
		return 0, apperrors.ErrDBError.Wrap(err)
	}
	return total, nil
}

// RebuildIndex 从消息存储重建 viewer 的会话索引，返回会话数
func (s *InboxService) RebuildIndex(ctx context.Context, viewerID string) (int, error) {
	if err := s.checkViewer(ctx, viewerID); err != nil {
		return 0, err
	}
	n, err := s.index.Rebuild(ctx, viewerID)
	if err != nil {
		return n, apperrors.ErrDBError.Wrap(err)
	}
	s.logger.Info("Conversation index rebuilt", "viewerId", viewerID, "conversations", n)
	return n, nil
}

// Subscribe 订阅 viewer 的实时事件
func (s *InboxService) Subscribe(ctx context.Context, viewerID string, opts notifier.SubscribeOptions) (*notifier.Subscription, error) {
	if err := s.checkViewer(ctx, viewerID); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, viewerID, opts)
}

func (s *InboxService) checkViewer(ctx context.Context, viewerID string) error {
	if !model.ValidViewerID(viewerID) {
		return apperrors.ErrValidation.WithMessage("invalid viewer id")
	}
	return s.authorize(ctx, viewerID)
}
