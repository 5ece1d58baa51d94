// Package observability provides the structured logger, Prometheus metrics
// and health probes shared by the warden server.
//
// Logging is structured JSON over stdlib slog. Metrics cover the decision
// path, catalog event ingestion, the counter/wait mechanism and gauge-style
// views of the privilege store. Health exposes liveness and readiness probes
// on the ops port, with readiness pinging every registered dependency.
package observability
