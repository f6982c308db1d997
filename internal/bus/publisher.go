// Package bus publishes CloudEvents to the broker over HTTP with bounded
// retry. Duplicate delivery is expected downstream; receivers deduplicate via
// the processed-event claim, so no idempotency key is attached here.
package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"syscall"
	"time"

	"chatloop.dev/dispatch/core/config"
	"chatloop.dev/dispatch/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, event *model.CloudEvent) error
}

// ErrPermanent wraps failures that must not be retried (4xx other than
// 408/429, serialization errors).
var ErrPermanent = errors.New("permanent publish failure")

type HTTPPublisher struct {
	client *http.Client
	cfg    config.BrokerConfig

	// sleep is injectable for tests; defaults to a context-aware wait.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewHTTPPublisher(cfg config.BrokerConfig, client *http.Client) *HTTPPublisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPublisher{
		client: client,
		cfg:    cfg,
		sleep:  sleepCtx,
	}
}

// Publish sends the event to the broker. Transient failures (5xx, 408, 429,
// connection faults, timeouts) are retried up to MaxRetries with capped
// exponential backoff; permanent failures return immediately. When eventing is
// disabled by configuration, Publish is a no-op success.
func (p *HTTPPublisher) Publish(ctx context.Context, event *model.CloudEvent) error {
	if !p.cfg.Enabled {
		slog.DebugContext(ctx, "eventing disabled, dropping publish", "event_id", event.ID, "event_type", event.Type)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.backoff(attempt-1)); err != nil {
				return err
			}
		}

		err := p.post(ctx, event)
		if err == nil {
			if attempt > 0 {
				slog.InfoContext(ctx, "publish succeeded after retry",
					"event_id", event.ID, "attempt", attempt+1)
			}
			return nil
		}

		if errors.Is(err, ErrPermanent) {
			slog.WarnContext(ctx, "permanent publish failure",
				"event_id", event.ID, "event_type", event.Type, "error", err)
			return err
		}

		lastErr = err
		slog.WarnContext(ctx, "transient publish failure",
			"event_id", event.ID, "attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("publish retries exhausted: %w", lastErr)
}

func (p *HTTPPublisher) post(ctx context.Context, event *model.CloudEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(event.Data))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrPermanent, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ce-id", event.ID)
	req.Header.Set("ce-type", event.Type)
	req.Header.Set("ce-source", event.Source)
	req.Header.Set("ce-specversion", event.SpecVersion)
	req.Header.Set("ce-time", event.Time.UTC().Format(time.RFC3339Nano))

	resp, err := p.client.Do(req)
	if err != nil {
		if isTransientNetErr(err) {
			return fmt.Errorf("network fault: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case isTransientStatus(resp.StatusCode):
		return fmt.Errorf("broker returned %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: broker returned %d", ErrPermanent, resp.StatusCode)
	}
}

func (p *HTTPPublisher) backoff(attempt int) time.Duration {
	d := time.Duration(float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(attempt)))
	if d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

func isTransientStatus(status int) bool {
	return status >= 500 ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
}

func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
