package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/microgate/gateway/internal/reqctx"
)

// Tracing opens a server span per request and records its IDs on the
// request context for log correlation.
func Tracing(tracer trace.Tracer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				),
			)
			defer span.End()

			if rc := reqctx.FromContext(ctx); rc != nil {
				sc := span.SpanContext()
				if sc.IsValid() {
					// The ingress trace ID wins; the span only fills a gap.
					if rc.TraceID == "" {
						rc.TraceID = sc.TraceID().String()
					}
					rc.SpanID = sc.SpanID().String()
				}
				span.SetAttributes(attribute.String("request.id", rc.RequestID))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
