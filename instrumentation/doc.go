// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server. When disabled, all instruments are backed by no-op
// providers so the hot paths carry no observability overhead.
package instrumentation
