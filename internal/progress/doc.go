// Package progress carries crawl run events from the orchestrator to sinks.
// A non-blocking Hub batches events on a background goroutine and fans them
// out to Prometheus metrics, logs, or the run statistics repository.
package progress
