// Package sinks implements concrete consumers for the progress stream:
// structured logging and Prometheus export. Each sink satisfies the
// progress.Sink interface and tolerates repeated Consume/Close cycles.
package sinks
