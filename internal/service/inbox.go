package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/identity"
	"sudooom.im.inbox/internal/index"
	"sudooom.im.inbox/internal/metrics"
	"sudooom.im.inbox/internal/model"
	"sudooom.im.inbox/internal/notifier"
	"sudooom.im.inbox/internal/snowflake"
	"sudooom.im.inbox/internal/store"
)

// IDGenerator 消息ID生成器
type IDGenerator interface {
	Generate() snowflake.ID
}

// Options InboxService 依赖
type Options struct {
	Store      store.Store
	Index      *index.Index
	Locks      index.Locker
	Hub        *notifier.Hub
	IDs        IDGenerator
	Directory  identity.Directory
	Authorizer identity.Authorizer
	Metrics    *metrics.Metrics
	PageSize   int
}

// InboxService 会话收件箱服务
// 发送与已读在会话对锁内完成存储写入、索引更新与事件发布
type InboxService struct {
	store      store.Store
	index      *index.Index
	locks      index.Locker
	hub        *notifier.Hub
	ids        IDGenerator
	directory  identity.Directory
	authorizer identity.Authorizer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	pageSize   int
	now        func() time.Time
}

// NewInboxService 创建收件箱服务
func NewInboxService(opts Options) *InboxService {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &InboxService{
		store:      opts.Store,
		index:      opts.Index,
		locks:      opts.Locks,
		hub:        opts.Hub,
		ids:        opts.IDs,
		directory:  opts.Directory,
		authorizer: opts.Authorizer,
		metrics:    opts.Metrics,
		logger:     slog.Default(),
		pageSize:   opts.PageSize,
		now:        time.Now,
	}
}

// SetClock 替换已读时间使用的时钟（测试用）
func (s *InboxService) SetClock(now func() time.Time) {
	s.now = now
}

// DisplayInfo 查询展示信息，不参与任何一致性判断
func (s *InboxService) DisplayInfo(ctx context.Context, userID string) (identity.Profile, error) {
	return s.directory.DisplayInfo(ctx, userID)
}

// Ping 检查存储可用
func (s *InboxService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// authorize 校验 ctx 中的调用方能否代表 viewer
func (s *InboxService) authorize(ctx context.Context, viewerID string) error {
	callerID, _ := identity.CallerFrom(ctx)
	if !s.authorizer.Authorize(ctx, callerID, viewerID) {
		return apperrors.ErrAuthorization.WithMessage(fmt.Sprintf("caller may not act as %s", viewerID))
	}
	return nil
}

// validatePair 校验两方标识
func validatePair(viewerID, counterpartID string) error {
	if !model.ValidViewerID(viewerID) {
		return apperrors.ErrValidation.WithMessage("invalid viewer id")
	}
	if !model.ValidViewerID(counterpartID) {
		return apperrors.ErrValidation.WithMessage("invalid counterpart id")
	}
	if viewerID == counterpartID {
		return apperrors.ErrValidation.WithMessage("sender and recipient must differ")
	}
	return nil
}

// lock 获取会话对锁，超时计入指标
func (s *InboxService) lock(ctx context.Context, pair model.PairKey) (func(), error) {
	unlock, err := s.locks.Lock(ctx, pair)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrBusy) {
			s.metrics.IncLockTimeout()
			s.logger.Warn("Pair lock timeout", "pair", pair.String())
		}
		return nil, err
	}
	return unlock, nil
}

// publish 发布事件，失败只记录日志
func (s *InboxService) publish(ctx context.Context, viewerID string, ev model.Event) {
	if _, err := s.hub.Publish(ctx, viewerID, ev); err != nil {
		s.logger.Error("Publish event failed",
			"viewerId", viewerID,
			"kind", ev.Kind,
			"error", err)
	}
}

// CursorFromID 由消息ID推导游标，created_at 取ID内嵌时间
func CursorFromID(id int64) model.Cursor {
	if id <= 0 {
		return model.Cursor{}
	}
	return model.Cursor{CreatedAt: snowflake.ID(id).Time(), ID: id}
}
