package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/microgate/gateway/internal/reqctx"
)

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), tag("outer"), tag("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRequestContextMiddleware(t *testing.T) {
	var captured *reqctx.RequestContext
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = reqctx.FromRequest(r)
	}), RequestContext())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/users", nil))

	if captured == nil {
		t.Fatal("request context not attached")
	}
	if got := w.Header().Get("X-Request-ID"); got != captured.RequestID {
		t.Errorf("response request id = %q, context has %q", got, captured.RequestID)
	}
	if got := w.Header().Get("X-Trace-Id"); got != captured.TraceID {
		t.Errorf("response trace id = %q, context has %q", got, captured.TraceID)
	}
}

func TestTracingKeepsClientTraceID(t *testing.T) {
	var captured *reqctx.RequestContext
	tracer := noop.NewTracerProvider().Tracer("test")
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = reqctx.FromRequest(r)
	}), RequestContext(), Tracing(tracer))

	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("X-Trace-Id", "client-trace-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if captured == nil {
		t.Fatal("request context not attached")
	}
	if captured.TraceID != "client-trace-1" {
		t.Errorf("trace id = %q, want client-trace-1", captured.TraceID)
	}
	if w.Header().Get("X-Trace-Id") != "client-trace-1" {
		t.Errorf("response trace id = %q", w.Header().Get("X-Trace-Id"))
	}
}

func TestResponseWriterDefaultsTo200(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	rw.Write([]byte("ok"))
	if rw.Status() != http.StatusOK {
		t.Errorf("status = %d", rw.Status())
	}
	if rw.written != 2 {
		t.Errorf("written = %d", rw.written)
	}
}

func TestResponseWriterKeepsFirstStatus(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK)
	if rw.Status() != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rw.Status())
	}
}
