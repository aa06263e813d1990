// Package observability provides structured logging, Prometheus metrics,
// health checks and graceful shutdown for the Keystone services.
//
// Logging uses a thin wrapper over stdlib slog for request-scoped structured
// JSON logs; handler- and service-level logging uses logrus (see pkg/api).
// Metrics cover the HTTP surface plus the authorization guard, the approval
// workflow and the audit recorder.
package observability
