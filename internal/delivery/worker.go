package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/queue"
)

type Config struct {
	MaxAttempts int
}

// Worker drains the delivery stream and hands each message to the channel
// handler. At-least-once semantics: a crash between read and ack means the
// reclaimer redelivers, so handlers must tolerate duplicates.
type Worker struct {
	consumer *queue.RedisConsumer
	handlers *Registry
	cfg      Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer *queue.RedisConsumer, handlers *Registry, cfg Config) *Worker {
	return &Worker{
		consumer:  consumer,
		handlers:  handlers,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "delivery worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "delivery worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if retryable, err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "delivery failed",
				"error", err,
				"message_id", msg.ID,
				"request_id", msg.RequestID)
			w.handleFailedMessage(ctx, msg, retryable, err)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (retryable bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in delivery",
				"panic", r,
				"message_id", msg.ID,
				"request_id", msg.RequestID)
			retryable = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// Exported so it can be reused by the reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) (bool, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RequestID: &msg.RequestID,
		Component: "dispatch.delivery",
	})

	slog.InfoContext(ctx, "processing delivery",
		"message_id", msg.ID,
		"channel_type", msg.ChannelType,
		"attempt", msg.Attempt)

	retryable, err := w.handlers.Deliver(ctx, model.DeliveryRequest{
		RequestID:   msg.RequestID,
		SessionID:   msg.SessionID,
		ChannelType: msg.ChannelType,
		Recipient:   msg.Recipient,
		Content:     msg.Content,
		Attempt:     msg.Attempt,
	})
	if err != nil {
		return retryable, err
	}

	if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
		// Log but don't fail, the reclaimer redelivers and the handler is
		// duplicate-tolerant.
		slog.WarnContext(ctx, "failed to ACK message",
			"error", ackErr,
			"message_id", msg.ID)
	}

	return false, nil
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, retryable bool, err error) {
	if !retryable || msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "sending delivery to DLQ",
			"message_id", msg.ID,
			"request_id", msg.RequestID,
			"attempts", msg.Attempt,
			"retryable", retryable)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed delivery",
		"message_id", msg.ID,
		"request_id", msg.RequestID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
