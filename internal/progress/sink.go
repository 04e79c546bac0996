package progress

import "context"

// Sink consumes batches of progress events. The Hub calls sinks in parallel
// and shares one batch between them, so Consume must treat batch as
// read-only and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}
