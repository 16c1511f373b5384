package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nwelch/newsharvest/internal/progress"
)

// PrometheusSink exports the progress stream as Prometheus series. Its
// collectors are scoped under harvest_progress_ so they never collide with
// the pipeline's own instrumentation.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg. A nil reg falls
// back to the default registerer. Collectors another sink already
// registered are adopted rather than rejected, so constructing a second
// sink over the same registry shares the underlying series.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{}
	var err error

	s.events, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "harvest_progress_events_total",
		Help: "Progress events observed per pipeline stage.",
	}, []string{"stage"})
	if err != nil {
		return nil, err
	}
	s.outcomes, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "harvest_progress_outcomes_total",
		Help: "Terminal URL outcomes partitioned by source and status.",
	}, []string{"source", "status"})
	if err != nil {
		return nil, err
	}
	s.bytes, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "harvest_progress_bytes_total",
		Help: "Bytes reported by fetch and browser stages per source.",
	}, []string{"source"})
	if err != nil {
		return nil, err
	}
	s.stageDuration, err = registerHistogramVec(reg, prometheus.HistogramOpts{
		Name:    "harvest_progress_stage_duration_seconds",
		Help:    "Stage latency as reported by progress events.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	v := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(v); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("register %s: %w", opts.Name, err)
	}
	return v, nil
}

func registerHistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) (*prometheus.HistogramVec, error) {
	v := prometheus.NewHistogramVec(opts, labels)
	if err := reg.Register(v); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("register %s: %w", opts.Name, err)
	}
	return v, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, ev := range batch {
		s.consume(ev)
	}
	return nil
}

func (s *PrometheusSink) consume(ev progress.Event) {
	stage := string(ev.Stage)
	s.events.WithLabelValues(stage).Inc()
	if ev.Duration > 0 {
		s.stageDuration.WithLabelValues(stage).Observe(ev.Duration.Seconds())
	}
	if ev.Bytes > 0 {
		s.bytes.WithLabelValues(sourceLabel(ev.Source)).Add(float64(ev.Bytes))
	}
	if ev.Stage == progress.StageOutcome {
		s.outcomes.WithLabelValues(sourceLabel(ev.Source), string(ev.Status)).Inc()
	}
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
