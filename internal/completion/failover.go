package completion

import (
	"context"
	"log/slog"

	"github.com/basket/go-mind/internal/bus"
)

const failoverTemperature = 0.3

// Failover wraps a Gateway with a one-shot retry policy: when the
// wrapped call returns an error event and no collected text, retry once
// against the named fallback model at temperature 0.3. Anything past
// that single retry is the caller's responsibility.
type Failover struct {
	inner         Gateway
	fallbackModel string
	events        *bus.Bus // may be nil
	logger        *slog.Logger
}

// NewFailover builds the wrapper. An empty fallbackModel makes it a
// transparent pass-through.
func NewFailover(inner Gateway, fallbackModel string, events *bus.Bus, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		inner:         inner,
		fallbackModel: fallbackModel,
		events:        events,
		logger:        logger,
	}
}

func (f *Failover) Complete(ctx context.Context, req Request) (Result, error) {
	res, err := f.inner.Complete(ctx, req)
	if err != nil {
		return res, err
	}
	if !res.Failed() || res.Text != "" {
		return res, nil
	}
	if f.fallbackModel == "" || f.fallbackModel == req.Model {
		return res, nil
	}

	f.logger.Warn("completion failover",
		"from_model", req.Model,
		"to_model", f.fallbackModel,
		"error_kind", string(res.ErrorKind),
	)
	if f.events != nil {
		f.events.Publish(bus.TopicCompletionFailover, bus.CompletionFailoverEvent{
			FromModel: req.Model,
			ToModel:   f.fallbackModel,
			Kind:      string(res.ErrorKind),
		})
	}

	retry := req
	retry.Model = f.fallbackModel
	retry.Temperature = failoverTemperature
	return f.inner.Complete(ctx, retry)
}
