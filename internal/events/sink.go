package events

import "context"

// Sink receives event batches from the Hub's batcher goroutine and must
// return once ctx expires.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what claimers, ingesters, the history aggregator and the reaper
// report to. Hub and Discard implement it.
type Emitter interface {
	Emit(evt Event)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// OrDiscard returns e, or Discard when e is nil.
func OrDiscard(e Emitter) Emitter {
	if e == nil {
		return Discard
	}
	return e
}
