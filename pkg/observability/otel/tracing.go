//go:build !otelotlp

// Package otelobs gates OpenTelemetry tracing behind the otelotlp build tag
// so default builds stay free of exporter dependencies.
package otelobs

import (
	"context"
	"net/http"
)

// InitTracer is a no-op by default. Build with -tags otelotlp and set
// OTEL_EXPORTER_OTLP_ENDPOINT to export spans.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}

// WrapHTTPHandler is a no-op by default; the otelotlp build produces server
// spans for every request.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler { return h }
