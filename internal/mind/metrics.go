package mind

import (
	"context"

	"github.com/basket/go-mind/internal/bus"
	otelpkg "github.com/basket/go-mind/internal/otel"
	"go.opentelemetry.io/otel/metric"
)

// observeEvents forwards bus activity into the OpenTelemetry
// instruments. One goroutine per subsystem, running until Close.
// Payloads that do not match their topic's event type are ignored.
func (s *Subsystem) observeEvents(ctx context.Context) {
	defer s.wg.Done()

	resSub := s.events.Subscribe(bus.TopicResonanceEmitted)
	epSub := s.events.Subscribe(bus.TopicEpisodeTracked)
	conSub := s.events.Subscribe(bus.TopicConsolidationCompleted)
	failSub := s.events.Subscribe(bus.TopicCompletionFailover)
	defer s.events.Unsubscribe(resSub)
	defer s.events.Unsubscribe(epSub)
	defer s.events.Unsubscribe(conSub)
	defer s.events.Unsubscribe(failSub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-resSub.Ch():
			e, ok := ev.Payload.(bus.ResonanceEmittedEvent)
			if !ok {
				continue
			}
			s.metrics.ResonanceDuration.Record(ctx, e.Elapsed.Seconds())
			if e.Surfaced > 0 {
				s.metrics.MemoriesSurfaced.Add(ctx, int64(e.Surfaced))
			}
		case ev := <-epSub.Ch():
			e, ok := ev.Payload.(bus.EpisodeTrackedEvent)
			if !ok {
				continue
			}
			s.metrics.PendingTokens.Record(ctx, int64(e.PendingTokens))
		case ev := <-conSub.Ch():
			e, ok := ev.Payload.(bus.ConsolidationCompletedEvent)
			if !ok {
				continue
			}
			s.metrics.Consolidations.Add(ctx, 1,
				metric.WithAttributes(otelpkg.AttrTrigger.String(e.Trigger)))
		case ev := <-failSub.Ch():
			if _, ok := ev.Payload.(bus.CompletionFailoverEvent); !ok {
				continue
			}
			s.metrics.Failovers.Add(ctx, 1)
		}
	}
}
