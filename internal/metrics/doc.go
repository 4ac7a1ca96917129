// Package metrics provides the Recorder abstraction used by the executor,
// dispatcher, and agent registry, with a Prometheus-backed implementation.
package metrics
