package reqctx

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserContext carries the authenticated principal for a request.
type UserContext struct {
	UserID      string
	Username    string
	Email       string
	TenantID    string
	Roles       []string
	Permissions []string
	Active      bool
	AuthType    string // jwt or api_key
}

// RequestContext accumulates per-request state as the request moves
// through the middleware chain. One instance per request; it is never
// shared across requests.
type RequestContext struct {
	RequestID string
	TraceID   string
	SpanID    string
	StartTime time.Time

	Method    string
	Path      string
	Query     string
	ClientIP  string
	UserAgent string

	User *UserContext

	// Routing outcome, set by the router middleware.
	ServiceName string
	RoutePath   string
	PathParams  map[string]string

	// Rate limiting outcome.
	LoginIdentifier    string
	RateLimitRemaining int

	// BodyCache holds the request body when a middleware had to read it
	// before the proxy. The proxy replays it downstream.
	BodyCache []byte

	// Backend outcome, set by the proxy for access logging.
	BackendAddr string
	StatusCode  int
	Attempts    int
}

type ctxKey struct{}

// New builds a RequestContext from an incoming request. The request ID
// is always freshly generated so clients cannot forge correlation IDs;
// the trace ID honors a client-supplied X-Trace-Id so a trace can span
// callers, falling back to a fresh one.
func New(r *http.Request) *RequestContext {
	trace := r.Header.Get("X-Trace-Id")
	if trace == "" {
		trace = uuid.NewString()
	}
	return &RequestContext{
		RequestID: uuid.NewString(),
		TraceID:   trace,
		StartTime: time.Now(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		ClientIP:  ExtractClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// WithContext attaches rc to ctx.
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the RequestContext attached to ctx, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ctxKey{}).(*RequestContext)
	return rc
}

// FromRequest returns the RequestContext attached to the request, or nil.
func FromRequest(r *http.Request) *RequestContext {
	return FromContext(r.Context())
}

// Elapsed returns the time since the request started.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Since(rc.StartTime)
}

// ExtractClientIP returns the originating client address. X-Forwarded-For
// wins when present (first hop), then X-Real-IP, then the socket peer.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
