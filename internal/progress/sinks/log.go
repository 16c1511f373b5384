package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/progress"
)

// LogSink writes one structured log line per event. Intended for local runs
// and audits; at production volume prefer the Prometheus sink alone.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, ev := range batch {
		s.logger.Info("progress",
			zap.String("run_id", ev.RunID),
			zap.String("stage", string(ev.Stage)),
			zap.String("url", ev.URL),
			zap.String("source", ev.Source),
			zap.String("status", string(ev.Status)),
			zap.String("extractor", ev.Extractor),
			zap.Int("attempt", ev.Attempt),
			zap.Int64("bytes", ev.Bytes),
			zap.Duration("duration", ev.Duration),
			zap.String("note", ev.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
