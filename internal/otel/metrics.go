package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the subsystem's metric instruments.
type Metrics struct {
	// ResonanceDuration tracks full pipeline latency per turn.
	ResonanceDuration metric.Float64Histogram
	// MemoriesSurfaced counts memories that made it into emitted blocks.
	MemoriesSurfaced metric.Int64Counter
	// Consolidations counts completed story consolidations.
	Consolidations metric.Int64Counter
	// Failovers counts completions retried on the fallback model.
	Failovers metric.Int64Counter
	// PendingTokens reports the token estimate of the pending episode log.
	PendingTokens metric.Int64Gauge
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ResonanceDuration, err = meter.Float64Histogram("mind.resonance.duration",
		metric.WithDescription("Resonance pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoriesSurfaced, err = meter.Int64Counter("mind.resonance.memories",
		metric.WithDescription("Memories surfaced in resonance blocks"),
	)
	if err != nil {
		return nil, err
	}

	m.Consolidations, err = meter.Int64Counter("mind.consolidation.runs",
		metric.WithDescription("Completed story consolidations"),
	)
	if err != nil {
		return nil, err
	}

	m.Failovers, err = meter.Int64Counter("mind.completion.failovers",
		metric.WithDescription("Completions retried on the fallback model"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingTokens, err = meter.Int64Gauge("mind.pending.tokens",
		metric.WithDescription("Token estimate of the pending episode log"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
