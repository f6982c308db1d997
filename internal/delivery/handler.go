package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"chatloop.dev/dispatch/internal/model"
)

// Handler carries one response back to its originating channel. Retryable
// reports whether a failure is worth another attempt; permanent failures go
// straight to the DLQ.
type Handler interface {
	Deliver(ctx context.Context, req model.DeliveryRequest) (retryable bool, err error)
}

type HandlerFunc func(ctx context.Context, req model.DeliveryRequest) (bool, error)

func (f HandlerFunc) Deliver(ctx context.Context, req model.DeliveryRequest) (bool, error) {
	return f(ctx, req)
}

// Registry routes a delivery to the handler registered for its channel.
type Registry struct {
	handlers map[model.ChannelType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.ChannelType]Handler)}
}

func (r *Registry) Register(channel model.ChannelType, h Handler) {
	r.handlers[channel] = h
}

func (r *Registry) Deliver(ctx context.Context, req model.DeliveryRequest) (bool, error) {
	h, ok := r.handlers[req.ChannelType]
	if !ok {
		// No integration for this channel. Not retryable, nothing will change
		// on the next attempt.
		return false, fmt.Errorf("no handler for channel %q", req.ChannelType)
	}
	return h.Deliver(ctx, req)
}

// NewLogHandler returns a handler that records the delivery instead of sending
// it. Used for channels whose outbound integration runs elsewhere and only
// needs the durable request log.
func NewLogHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req model.DeliveryRequest) (bool, error) {
		slog.InfoContext(ctx, "delivery recorded",
			"request_id", req.RequestID,
			"channel_type", req.ChannelType,
			"recipient", req.Recipient)
		return false, nil
	})
}
