package middleware

import (
	"net/http"

	"github.com/microgate/gateway/internal/reqctx"
)

// RequestContext builds the per-request context, attaches it to the
// request, and echoes the correlation IDs back to the client.
func RequestContext() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.New(r)
			w.Header().Set("X-Request-ID", rc.RequestID)
			w.Header().Set("X-Trace-Id", rc.TraceID)
			next.ServeHTTP(w, r.WithContext(reqctx.WithContext(r.Context(), rc)))
		})
	}
}
