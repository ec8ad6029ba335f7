package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/config"
	"github.com/basket/taskhive/internal/events"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDeliversEventsToWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []bus.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev bus.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	b := bus.New()
	p := events.New(b, []config.WebhookConfig{{URL: server.URL}}, nil, nil)
	p.Start(context.Background())
	defer p.Stop()

	b.Publish(bus.TopicTaskCreated, 1, "a1", map[string]any{"title": "hello"})

	waitFor(t, 5*time.Second, func() bool { return p.Delivered() == 1 })
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Topic != bus.TopicTaskCreated || received[0].TaskID != 1 {
		t.Fatalf("unexpected delivery: %+v", received)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	b := bus.New()
	p := events.New(b, []config.WebhookConfig{{URL: server.URL}}, nil, nil)
	p.Start(context.Background())
	defer p.Stop()

	b.Publish(bus.TopicTaskCompleted, 2, "a1", nil)

	waitFor(t, 10*time.Second, func() bool { return p.Delivered() == 1 })
	if calls.Load() < 2 {
		t.Fatalf("expected a retry, got %d calls", calls.Load())
	}
}

func TestTopicFilterSkipsOtherEvents(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	b := bus.New()
	p := events.New(b, []config.WebhookConfig{{URL: server.URL, Topics: []string{"tag."}}}, nil, nil)
	p.Start(context.Background())
	defer p.Stop()

	b.Publish(bus.TopicTaskCreated, 1, "a1", nil)
	b.Publish(bus.TopicTagAssigned, 1, "a1", nil)

	waitFor(t, 5*time.Second, func() bool { return p.Delivered() == 1 })
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("filter must pass only tag events, got %d calls", calls.Load())
	}
}

func TestPermanentFailureDoesNotBlock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	b := bus.New()
	p := events.New(b, []config.WebhookConfig{{URL: server.URL}}, nil, nil)
	p.Start(context.Background())
	defer p.Stop()

	b.Publish(bus.TopicTaskCreated, 1, "a1", nil)
	waitFor(t, 5*time.Second, func() bool { return p.Failed() == 1 })
}
