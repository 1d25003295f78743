// Package telemetry provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, and in-process event publishing for the
// provisioning core.
package telemetry
