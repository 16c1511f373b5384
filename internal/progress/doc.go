// Package progress streams per-URL milestone events out of the harvest
// pipeline. Workers emit through a non-blocking hub that batches on a
// background goroutine and fans out to pluggable sinks (structured logs,
// Prometheus counters). Losing events under backpressure is acceptable;
// stalling a worker is not.
package progress
