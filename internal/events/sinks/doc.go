// Package sinks implements event consumers: structured logging, Prometheus
// counters, and a Pub/Sub notification sink.
package sinks
