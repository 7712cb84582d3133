package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"sudooom.im.inbox/internal/model"
)

// EventPublisher 将已编号的事件转发到 viewer 主题
type EventPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewEventPublisher 创建事件发布器
func NewEventPublisher(nc *nats.Conn, prefix string) *EventPublisher {
	return &EventPublisher{
		nc:     nc,
		prefix: prefix,
		logger: slog.Default(),
	}
}

// Deliver 发布事件到 viewer 主题
func (p *EventPublisher) Deliver(ctx context.Context, ev model.Event) error {
	subject := BuildViewerSubject(p.prefix, ev.ViewerID)
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal event", "eventId", ev.ID, "error", err)
		return err
	}

	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event", "viewerId", ev.ViewerID, "error", err)
		return err
	}

	p.logger.Debug("Published event", "subject", subject, "eventId", ev.ID)
	return nil
}
