// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the orchestrator uses to report session lifecycle milestones. The
// hub batches events on a background goroutine and fans them out to pluggable
// sinks such as structured logs, Prometheus metrics or the run history store.
package progress
