// Package sinks implements progress consumers: Prometheus collectors, the run
// statistics repository, and structured logging. Each sink satisfies
// progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
