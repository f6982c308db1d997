// Package bridge exposes a synchronous request/response facade over the
// asynchronous event pipeline. A waiting caller races two resolution paths:
// the in-process future (fast path, same-replica responses) and a polling
// loop over the durable request log (the correctness baseline — the only path
// that works when the response lands on a different replica).
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/core/config"
	"chatloop.dev/dispatch/internal/store"
)

// ErrTimeout is returned when neither resolution path produces a result in
// time. The underlying pipeline is not cancelled; a late result is still
// stored durably and retrievable afterwards.
var ErrTimeout = errors.New("response wait timed out")

type ResponseBridge struct {
	futures *Registry
	logs    store.RequestLogStore
	cfg     config.BridgeConfig
}

func New(logs store.RequestLogStore, cfg config.BridgeConfig) *ResponseBridge {
	return &ResponseBridge{
		futures: NewRegistry(),
		logs:    logs,
		cfg:     cfg,
	}
}

// Register creates the future before the request is sent, so a response that
// races the send cannot be missed.
func (b *ResponseBridge) Register(requestID string) *Future {
	return b.futures.Register(requestID)
}

// Resolve completes a locally pending wait. Safe to call for requests awaited
// elsewhere; those waiters resolve through the durable log instead.
func (b *ResponseBridge) Resolve(requestID string, res *Result) bool {
	return b.futures.Resolve(requestID, res)
}

// Release drops the local future for a request.
func (b *ResponseBridge) Release(requestID string) {
	b.futures.Remove(requestID)
}

// Await blocks until the request completes or the timeout elapses. A zero
// timeout uses the configured default. The caller-side timeout cancels only
// this wait, never the in-flight pipeline.
func (b *ResponseBridge) Await(ctx context.Context, requestID string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RequestID: &requestID,
		Component: "dispatch.bridge",
	})

	fut := b.futures.Register(requestID)
	defer b.futures.Remove(requestID)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	for pollIdx := 0; ; pollIdx++ {
		timer := time.NewTimer(b.pollInterval(pollIdx))

		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.WarnContext(ctx, "response wait timed out",
				"timeout", timeout, "waited_ms", time.Since(start).Milliseconds())
			return nil, ErrTimeout

		case res := <-fut.Done():
			timer.Stop()
			slog.DebugContext(ctx, "resolved via in-process future",
				"waited_ms", time.Since(start).Milliseconds())
			return res, nil

		case <-timer.C:
		}

		res, err := b.pollOnce(waitCtx, requestID)
		if err != nil {
			// Transient read failures just mean another poll later.
			slog.DebugContext(ctx, "durable poll failed", "error", err)
			continue
		}
		if res != nil {
			slog.DebugContext(ctx, "resolved via durable request log",
				"waited_ms", time.Since(start).Milliseconds())
			return res, nil
		}
	}
}

func (b *ResponseBridge) pollOnce(ctx context.Context, requestID string) (*Result, error) {
	log, err := b.logs.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !log.Completed() {
		return nil, nil
	}

	res := &Result{
		RequestID: requestID,
		AgentID:   log.AgentID,
		Error:     log.ErrorMessage,
	}
	if log.ResponseContent != nil {
		res.Content = *log.ResponseContent
	}
	if log.ProcessingTimeMs != nil {
		res.ProcessingTimeMs = *log.ProcessingTimeMs
	}
	return res, nil
}

// pollInterval walks the configured schedule and stays on its last entry.
func (b *ResponseBridge) pollInterval(idx int) time.Duration {
	schedule := b.cfg.PollSchedule
	if len(schedule) == 0 {
		return time.Second
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}
