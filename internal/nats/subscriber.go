package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	apperrors "sudooom.im.inbox/internal/errors"
	"sudooom.im.inbox/internal/identity"
	"sudooom.im.inbox/internal/service"
)

// CommandHandler 上行命令处理器
type CommandHandler interface {
	Send(ctx context.Context, req service.SendRequest) (service.SendResult, error)
	MarkRead(ctx context.Context, viewerID, counterpartID string) (int, error)
	MarkAllRead(ctx context.Context, viewerID string) (int, error)
}

// SubscriberConfig Worker Pool 配置
type SubscriberConfig struct {
	Subject     string // 上行主题
	QueueGroup  string // 队列组
	WorkerCount int    // Worker 数量
	BufferSize  int    // 消息缓冲区大小
}

// CommandSubscriber 上行命令订阅器
type CommandSubscriber struct {
	nc           *nats.Conn
	handler      CommandHandler
	logger       *slog.Logger
	subscription *nats.Subscription
	config       SubscriberConfig
	msgChan      chan *nats.Msg
	wg           sync.WaitGroup
	cancelFunc   context.CancelFunc
}

// NewCommandSubscriber 创建命令订阅器
func NewCommandSubscriber(nc *nats.Conn, handler CommandHandler, config SubscriberConfig) *CommandSubscriber {
	// 设置默认值
	if config.Subject == "" {
		config.Subject = SubjectUpstream
	}
	if config.QueueGroup == "" {
		config.QueueGroup = QueueGroupInbox
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 32
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}

	return &CommandSubscriber{
		nc:      nc,
		handler: handler,
		logger:  slog.Default(),
		config:  config,
	}
}

// Start 启动订阅
func (s *CommandSubscriber) Start(ctx context.Context) error {
	s.msgChan = make(chan *nats.Msg, s.config.BufferSize)

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(workerCtx)
	}

	// 队列组实现多实例负载均衡
	sub, err := s.nc.QueueSubscribe(s.config.Subject, s.config.QueueGroup, func(msg *nats.Msg) {
		select {
		case s.msgChan <- msg:
		default:
			// 缓冲区满时直接拒绝，调用方可重试
			s.logger.Warn("Command buffer full, rejecting", "bufferSize", s.config.BufferSize)
			s.respond(msg, errorReply(apperrors.ErrBusy))
		}
	})
	if err != nil {
		cancel()
		return err
	}

	s.subscription = sub
	s.logger.Info("NATS command subscriber started",
		"subject", s.config.Subject,
		"queueGroup", s.config.QueueGroup,
		"workerCount", s.config.WorkerCount,
		"bufferSize", s.config.BufferSize,
	)
	return nil
}

func (s *CommandSubscriber) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgChan:
			s.respond(msg, s.Dispatch(ctx, msg.Data))
		}
	}
}

// Dispatch 解析并执行一条命令
func (s *CommandSubscriber) Dispatch(ctx context.Context, data []byte) Reply {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Error("Failed to unmarshal command", "error", err)
		return errorReply(apperrors.ErrValidation.WithMessage("malformed command"))
	}

	ctx = identity.WithCaller(ctx, cmd.CallerID)
	switch {
	case cmd.Op == OpSend && cmd.Send != nil:
		res, err := s.handler.Send(ctx, service.SendRequest{
			SenderID:    cmd.Send.SenderID,
			RecipientID: cmd.Send.RecipientID,
			Body:        cmd.Send.Body,
			ClientToken: cmd.Send.ClientToken,
		})
		if err != nil {
			return errorReply(err)
		}
		return okReply(res)
	case cmd.Op == OpMarkRead && cmd.Read != nil:
		n, err := s.handler.MarkRead(ctx, cmd.Read.ViewerID, cmd.Read.CounterpartID)
		if err != nil {
			return errorReply(err)
		}
		return okReply(ReadReply{Count: n})
	case cmd.Op == OpMarkAllRead && cmd.Read != nil:
		n, err := s.handler.MarkAllRead(ctx, cmd.Read.ViewerID)
		if err != nil {
			return errorReply(err)
		}
		return okReply(ReadReply{Count: n})
	}
	return errorReply(apperrors.ErrValidation.WithMessage("unknown command " + cmd.Op))
}

func (s *CommandSubscriber) respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		if reply.Code != apperrors.CodeSuccess {
			s.logger.Warn("Command failed", "code", reply.Code, "message", reply.Message)
		}
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to respond", "error", err)
	}
}

// Stop 停止订阅
func (s *CommandSubscriber) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Unsubscribe(); err != nil {
			s.logger.Error("Failed to unsubscribe", "error", err)
		}
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.wg.Wait()

	s.logger.Info("NATS command subscriber stopped")
	return nil
}

// GetBufferUsage 获取缓冲区使用情况（用于监控）
func (s *CommandSubscriber) GetBufferUsage() (current int, capacity int) {
	if s.msgChan == nil {
		return 0, 0
	}
	return len(s.msgChan), cap(s.msgChan)
}
