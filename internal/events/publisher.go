// Package events delivers change events to external subscribers. It
// consumes the in-process bus and POSTs JSON payloads to configured
// webhook URLs with capped exponential backoff. Delivery is best-effort:
// a failing endpoint never blocks or fails the mutation that produced
// the event.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/config"
	"github.com/basket/taskhive/internal/obs"
)

const (
	maxAttempts  = 4
	baseBackoff  = 500 * time.Millisecond
	maxBackoff   = 8 * time.Second
	deliverLimit = 10 * time.Second
)

// Publisher fans bus events out to webhooks.
type Publisher struct {
	bus      *bus.Bus
	webhooks []config.WebhookConfig
	logger   *slog.Logger
	metrics  *obs.Metrics
	client   *http.Client

	delivered atomic.Int64
	failed    atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a publisher. With no webhooks configured it still drains
// the bus so drop accounting stays accurate.
func New(b *bus.Bus, webhooks []config.WebhookConfig, logger *slog.Logger, metrics *obs.Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		bus:      b,
		webhooks: webhooks,
		logger:   logger,
		metrics:  metrics,
		client:   &http.Client{Timeout: deliverLimit},
	}
}

// Delivered returns the count of successful webhook deliveries.
func (p *Publisher) Delivered() int64 { return p.delivered.Load() }

// Failed returns the count of webhook deliveries that did not succeed,
// either because the attempts ran out or because a 4xx other than 429
// ended them at once. Each webhook an event is sent to counts separately.
func (p *Publisher) Failed() int64 { return p.failed.Load() }

// Start subscribes to the bus and begins delivering in a background
// goroutine.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	sub := p.bus.Subscribe("")
	p.wg.Add(1)
	go p.loop(ctx, sub)
	p.logger.Info("event publisher started", "webhooks", len(p.webhooks))
}

// Stop cancels delivery and waits for the loop to exit.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("event publisher stopped",
		"delivered", p.delivered.Load(), "failed", p.failed.Load())
}

func (p *Publisher) loop(ctx context.Context, sub *bus.Subscription) {
	defer p.wg.Done()
	defer p.bus.Unsubscribe(sub)

	var lastDropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Events():
			for {
				ev, ok := sub.Next()
				if !ok {
					break
				}
				p.deliver(ctx, ev)
			}
			if dropped := sub.Dropped(); dropped > lastDropped {
				p.metrics.DroppedEvents(ctx, dropped-lastDropped)
				p.logger.Warn("events dropped under backpressure", "dropped", dropped-lastDropped)
				lastDropped = dropped
			}
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev bus.Event) {
	if len(p.webhooks) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal event", "event_id", ev.ID, "error", err)
		return
	}
	for _, wh := range p.webhooks {
		if !topicMatches(wh.Topics, ev.Topic) {
			continue
		}
		if err := p.post(ctx, wh.URL, payload); err != nil {
			p.failed.Add(1)
			p.logger.Warn("webhook delivery failed",
				"url", wh.URL, "topic", ev.Topic, "event_id", ev.ID, "error", err)
			continue
		}
		p.delivered.Add(1)
	}
}

// post retries with capped exponential backoff. The spacing is the same
// for every delivery (no jitter); all attempts share one X-Delivery-ID.
func (p *Publisher) post(ctx context.Context, url string, payload []byte) error {
	deliveryID := uuid.NewString()
	var lastErr error
	backoff := baseBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Delivery-ID", deliveryID)

		resp, err := p.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = &statusError{code: resp.StatusCode}
			// 4xx other than 429 will not improve on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return lastErr
			}
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "unexpected status " + http.StatusText(e.code)
}

func topicMatches(prefixes []string, topic string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}
