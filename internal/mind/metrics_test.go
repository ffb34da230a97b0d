package mind

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-mind/internal/bus"
	otelpkg "github.com/basket/go-mind/internal/otel"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestObserveEventsProcessesBusTraffic(t *testing.T) {
	metrics, err := otelpkg.NewMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := testConfig(t)
	events := bus.New()
	s, err := New(context.Background(), Config{
		Config:    cfg,
		SessionID: "metrics-session",
		Gateway:   &fakeGateway{},
		Graph:     &fakeGraph{},
		Events:    events,
		Metrics:   metrics,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	deadline := time.Now().Add(time.Second)
	for events.SubscriberCount() < 4 {
		if time.Now().After(deadline) {
			t.Fatal("metrics observer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events.Publish(bus.TopicResonanceEmitted, bus.ResonanceEmittedEvent{
		Surfaced: 3, Elapsed: 120 * time.Millisecond,
	})
	events.Publish(bus.TopicEpisodeTracked, bus.EpisodeTrackedEvent{
		Role: "human", Tokens: 12, PendingMessages: 1, PendingTokens: 12,
	})
	events.Publish(bus.TopicConsolidationCompleted, bus.ConsolidationCompletedEvent{
		Trigger: "threshold", Words: 240,
	})
	events.Publish(bus.TopicCompletionFailover, bus.CompletionFailoverEvent{
		FromModel: "a", ToModel: "b", Kind: "RATE_LIMIT",
	})
	events.Publish(bus.TopicResonanceEmitted, "payload of the wrong type")

	time.Sleep(50 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
