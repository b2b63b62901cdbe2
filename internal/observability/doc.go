// Package observability builds the process logger and the OpenTelemetry
// instruments used by the poll and relay loops.
//
// Metrics are recorded against an in-process MeterProvider; when an OTLP
// endpoint is configured they are also exported over gRPC.
package observability
