package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"chatloop.dev/dispatch/internal/model"
)

type Producer interface {
	Enqueue(ctx context.Context, req model.DeliveryRequest) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, req model.DeliveryRequest) error {
	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	fields := map[string]any{
		"request_id":   req.RequestID,
		"session_id":   req.SessionID,
		"channel_type": string(req.ChannelType),
		"recipient":    req.Recipient,
		"content":      req.Content,
		"attempt":      attempt,
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued delivery", "request_id", req.RequestID, "channel_type", req.ChannelType, "attempt", attempt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
