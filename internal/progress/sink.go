package progress

import "context"

// Sink consumes batches of events. Implementations must tolerate duplicate
// delivery and must not retain the batch slice after Consume returns.
type Sink interface {
	// Consume processes one batch. The hub bounds ctx; slow sinks are
	// cut off rather than allowed to stall the pipeline.
	Consume(ctx context.Context, batch []Event) error
	// Close flushes buffered state before shutdown.
	Close(ctx context.Context) error
}

// Emitter is the producer-facing side of the hub. Emit never blocks; events
// are dropped when the hub's buffer is full.
type Emitter interface {
	Emit(ev Event)
}

// Discard is an Emitter that drops every event. Useful as a default when
// progress reporting is disabled.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
