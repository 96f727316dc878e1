package progress

import "context"

// Sink consumes batches of run events. Consume is called from the hub's
// goroutine only, with a deadline of Config.SinkTimeout. Close is called once
// after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. *Hub implements it; run.Run depends on this
// interface only.
type Emitter interface {
	Emit(evt Event)
}
