package otelobs

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sarcorisk/pkg/logging"
)

// AccessLogMiddleware emits one structured access line per request with the
// trace and span IDs when a span is active, and echoes them as Trace-Id and
// Span-Id response headers for correlation.
func AccessLogMiddleware(log *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		fields := logging.Fields{}
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
			rec.Header().Set("Trace-Id", sc.TraceID().String())
			rec.Header().Set("Span-Id", sc.SpanID().String())
		}
		next.ServeHTTP(rec, r)

		fields["method"] = r.Method
		fields["path"] = r.URL.Path
		fields["status"] = rec.status
		fields["dur_ms"] = time.Since(start).Milliseconds()
		log.Info("request", fields)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
