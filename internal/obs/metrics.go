package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service counters. All methods are nil-safe so
// components can run without telemetry wired.
type Metrics struct {
	toolCalls     metric.Int64Counter
	toolLatency   metric.Float64Histogram
	reservations  metric.Int64Counter
	completions   metric.Int64Counter
	staleUnlocks  metric.Int64Counter
	droppedEvents metric.Int64Counter
}

// NewMetrics registers the instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error
	if m.toolCalls, err = meter.Int64Counter("taskhive.tool_calls",
		metric.WithDescription("Tool calls served, by method and outcome")); err != nil {
		return nil, fmt.Errorf("tool_calls counter: %w", err)
	}
	if m.toolLatency, err = meter.Float64Histogram("taskhive.tool_latency_ms",
		metric.WithDescription("Tool call latency in milliseconds")); err != nil {
		return nil, fmt.Errorf("tool_latency histogram: %w", err)
	}
	if m.reservations, err = meter.Int64Counter("taskhive.reservations",
		metric.WithDescription("Successful task reservations")); err != nil {
		return nil, fmt.Errorf("reservations counter: %w", err)
	}
	if m.completions, err = meter.Int64Counter("taskhive.completions",
		metric.WithDescription("Task completions")); err != nil {
		return nil, fmt.Errorf("completions counter: %w", err)
	}
	if m.staleUnlocks, err = meter.Int64Counter("taskhive.stale_unlocks",
		metric.WithDescription("Reservations released by the stale sweeper")); err != nil {
		return nil, fmt.Errorf("stale_unlocks counter: %w", err)
	}
	if m.droppedEvents, err = meter.Int64Counter("taskhive.dropped_events",
		metric.WithDescription("Change events dropped under backpressure")); err != nil {
		return nil, fmt.Errorf("dropped_events counter: %w", err)
	}
	return &m, nil
}

// ToolCall records one dispatched request.
func (m *Metrics) ToolCall(ctx context.Context, method string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("ok", ok),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolLatency.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
}

// Reservation records a successful reserve.
func (m *Metrics) Reservation(ctx context.Context) {
	if m == nil {
		return
	}
	m.reservations.Add(ctx, 1)
}

// Completion records a completed task.
func (m *Metrics) Completion(ctx context.Context) {
	if m == nil {
		return
	}
	m.completions.Add(ctx, 1)
}

// StaleUnlock records one sweeper release.
func (m *Metrics) StaleUnlock(ctx context.Context) {
	if m == nil {
		return
	}
	m.staleUnlocks.Add(ctx, 1)
}

// DroppedEvents records events discarded under backpressure.
func (m *Metrics) DroppedEvents(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.droppedEvents.Add(ctx, n)
}
