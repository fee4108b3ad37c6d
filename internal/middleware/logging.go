package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/microgate/gateway/internal/logging"
	"github.com/microgate/gateway/internal/reqctx"
)

// RequestLogger writes one request-stream line when a request arrives
// and one access-stream line when it completes.
func RequestLogger(streams *logging.Streams) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.FromRequest(r)

			streams.Request.Info("request received",
				zap.String("request_id", rc.RequestID),
				zap.String("method", rc.Method),
				zap.String("path", rc.Path),
				zap.String("client_ip", rc.ClientIP),
				zap.String("user_agent", rc.UserAgent),
			)

			rw := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)
			rc.StatusCode = rw.Status()

			fields := []zap.Field{
				zap.String("request_id", rc.RequestID),
				zap.String("method", rc.Method),
				zap.String("path", rc.Path),
				zap.Int("status", rw.Status()),
				zap.Int64("bytes", rw.written),
				zap.Duration("elapsed", rc.Elapsed()),
				zap.String("client_ip", rc.ClientIP),
				zap.String("service", rc.ServiceName),
				zap.String("backend", rc.BackendAddr),
			}
			if rc.User != nil {
				fields = append(fields, zap.String("user_id", rc.User.UserID))
			}
			streams.Access.Info("request completed", fields...)

			if rw.Status() >= 400 {
				streams.Error.Error("request failed",
					zap.String("request_id", rc.RequestID),
					zap.String("method", rc.Method),
					zap.String("path", rc.Path),
					zap.Int("status", rw.Status()),
					zap.String("service", rc.ServiceName),
				)
			}
		})
	}
}
