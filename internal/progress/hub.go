package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBuffer      = 4096
	defaultMaxBatch    = 500
	defaultFlushEvery  = 500 * time.Millisecond
	defaultSinkTimeout = 10 * time.Second

	// dropWarnEvery rate-limits the buffer-full warning.
	dropWarnEvery = 5 * time.Second
)

// Config bounds the hub's buffering behavior. Zero values take defaults.
type Config struct {
	// Buffer is the emit channel capacity; events beyond it are dropped.
	Buffer int
	// MaxBatch flushes early once this many events accumulate.
	MaxBatch int
	// FlushEvery is the periodic flush interval for partial batches.
	FlushEvery time.Duration
	// SinkTimeout bounds each sink call during a flush.
	SinkTimeout time.Duration
}

// Hub fans events out to sinks in batches through a single goroutine.
// Emit never blocks the pipeline: when the buffer is full the newest
// events are dropped and the loss is logged at a rate-limited interval.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events    chan Event
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	dropped  atomic.Int64
	lastWarn atomic.Int64
}

// NewHub starts the fan-out goroutine over the given sinks. Nil sinks are
// skipped so callers can pass conditionally constructed ones directly.
func NewHub(cfg Config, logger *zap.Logger, sinks ...Sink) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   kept,
		logger:  logger,
		events:  make(chan Event, cfg.Buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

// Emit enqueues an event for delivery. Malformed events are discarded;
// when the buffer is full the event is dropped rather than blocking.
func (h *Hub) Emit(ev Event) {
	if h == nil {
		return
	}
	select {
	case <-h.closing:
		return
	default:
	}
	if err := ev.Validate(); err != nil {
		h.logger.Debug("dropping malformed progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
		now := time.Now().UnixNano()
		last := h.lastWarn.Load()
		if now-last >= dropWarnEvery.Nanoseconds() && h.lastWarn.CompareAndSwap(last, now) {
			h.logger.Warn("progress buffer full, dropping events",
				zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Close drains buffered events, flushes them, closes every sink, and waits
// for the loop to exit. The context bounds only the wait; accepted events
// are still delivered.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() { close(h.closing) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.FlushEvery)
	defer ticker.Stop()

	var batch []Event
	for {
		select {
		case ev := <-h.events:
			batch = append(batch, ev)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = nil
			}
		case <-h.closing:
			for {
				select {
				case ev := <-h.events:
					batch = append(batch, ev)
					if len(batch) >= h.cfg.MaxBatch {
						h.flush(batch)
						batch = nil
					}
				default:
					h.flush(batch)
					h.closeSinks()
					return
				}
			}
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := s.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := s.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
		cancel()
	}
}
