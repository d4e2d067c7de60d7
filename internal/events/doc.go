// Package events provides the dispatch event model, a non-blocking batching
// hub, and the Emitter interface used by the claim, ingest, history, and
// retest components. Sinks receive batches on a background goroutine so the
// hot paths never wait on logging, metrics, or Pub/Sub.
package events
