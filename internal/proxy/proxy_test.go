package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/microgate/gateway/internal/circuitbreaker"
	"github.com/microgate/gateway/internal/config"
	"github.com/microgate/gateway/internal/gwerrors"
	"github.com/microgate/gateway/internal/loadbalancer"
	"github.com/microgate/gateway/internal/registry"
	"github.com/microgate/gateway/internal/reqctx"
	"github.com/microgate/gateway/internal/retry"
	"github.com/microgate/gateway/internal/router"
)

func instanceFor(t *testing.T, srv *httptest.Server, service string) registry.ServiceInstance {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return registry.ServiceInstance{
		ID: service + "-0", Service: service, Host: host, Port: port, Weight: 1, Healthy: true,
	}
}

func newTestForwarder(reg registry.Registry) *Forwarder {
	// MaxDelaySeconds of zero caps every backoff at zero so retry tests
	// run instantly.
	fast := retry.NewPolicy(config.RetryConfig{Enabled: true, MaxAttempts: 3, BackoffFactor: 2.0, MaxDelaySeconds: 0})
	breakers := circuitbreaker.NewManager(config.CircuitBreakerConfig{
		Enabled: true, FailureThreshold: 5, TimeoutSeconds: 60, HalfOpenMaxCalls: 2,
	})
	return New(reg, loadbalancer.NewRoundRobin(), breakers, fast, nil, "X-API-Key")
}

func doForward(t *testing.T, f *Forwarder, r *http.Request, route *router.Route, params map[string]string) (*httptest.ResponseRecorder, *gwerrors.Error, *reqctx.RequestContext) {
	t.Helper()
	rc := reqctx.New(r)
	r = r.WithContext(reqctx.WithContext(r.Context(), rc))
	w := httptest.NewRecorder()
	gerr := f.Forward(w, r, &router.Match{Route: route, Params: params})
	return w, gerr, rc
}

func TestForwardBasic(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Backend", "user-service")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 42}`))
	}))
	defer backend.Close()

	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	f := newTestForwarder(reg)

	r := httptest.NewRequest("POST", "http://gw.example/api/users?page=2", strings.NewReader(`{"name":"alice"}`))
	r.RemoteAddr = "203.0.113.7:1234"
	w, gerr, rc := doForward(t, f, r, &router.Route{Path: "/api/users", Service: "user-service"}, nil)

	if gerr != nil {
		t.Fatalf("Forward: %v", gerr)
	}
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d", w.Code)
	}
	if w.Header().Get("X-Backend") != "user-service" {
		t.Error("backend headers not copied")
	}
	if w.Body.String() != `{"id": 42}` {
		t.Errorf("body = %q", w.Body.String())
	}
	if string(gotBody) != `{"name":"alice"}` {
		t.Errorf("backend body = %q", gotBody)
	}
	if got.URL.Path != "/api/users" || got.URL.RawQuery != "page=2" {
		t.Errorf("backend url = %v", got.URL)
	}
	if got.Header.Get("X-Forwarded-For") != "203.0.113.7" {
		t.Errorf("xff = %q", got.Header.Get("X-Forwarded-For"))
	}
	if got.Header.Get("X-Request-ID") != rc.RequestID {
		t.Error("request id not propagated")
	}
}

func TestForwardStripPrefix(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer backend.Close()

	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	f := newTestForwarder(reg)

	r := httptest.NewRequest("GET", "/api/users/42", nil)
	route := &router.Route{Path: "/api/**", Service: "user-service", StripPrefix: true}
	_, gerr, _ := doForward(t, f, r, route, nil)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if gotPath != "/users/42" {
		t.Errorf("backend path = %q, want /users/42", gotPath)
	}
}

func TestForwardRewritePath(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer backend.Close()

	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	f := newTestForwarder(reg)

	r := httptest.NewRequest("GET", "/api/users/42", nil)
	route := &router.Route{Path: "/api/users/{id}", Service: "user-service", RewritePath: "/internal/v2/users/{id}"}
	_, gerr, _ := doForward(t, f, r, route, map[string]string{"id": "42"})
	if gerr != nil {
		t.Fatal(gerr)
	}
	if gotPath != "/internal/v2/users/42" {
		t.Errorf("backend path = %q", gotPath)
	}
}

func TestForwardRetriesOn503(t *testing.T) {
	calls := 0
	var bodies []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	f := newTestForwarder(reg)

	r := httptest.NewRequest("POST", "/api/users", strings.NewReader(`{"name":"alice"}`))
	w, gerr, rc := doForward(t, f, r, &router.Route{Path: "/api/users", Service: "user-service"}, nil)
	if gerr != nil {
		t.Fatalf("Forward: %v", gerr)
	}
	if calls != 3 {
		t.Errorf("backend calls = %d, want 3", calls)
	}
	if rc.Attempts != 3 {
		t.Errorf("attempts = %d", rc.Attempts)
	}
	if w.Body.String() != "ok" {
		t.Errorf("body = %q", w.Body.String())
	}
	// Every attempt must replay the full body.
	for i, b := range bodies {
		if b != `{"name":"alice"}` {
			t.Errorf("attempt %d body = %q", i, b)
		}
	}
}

func TestForwardDoesNotRetry4xx(t *testing.T) {
	calls := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	f := newTestForwarder(reg)

	r := httptest.NewRequest("GET", "/api/users/999", nil)
	w, gerr, _ := doForward(t, f, r, &router.Route{Path: "/api/users/{id}", Service: "user-service"}, nil)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if calls != 1 {
		t.Errorf("backend calls = %d, want 1", calls)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, client errors pass through", w.Code)
	}
}

func TestForwardNoInstances(t *testing.T) {
	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{})
	f := newTestForwarder(reg)

	r := httptest.NewRequest("GET", "/api/users", nil)
	_, gerr, _ := doForward(t, f, r, &router.Route{Path: "/api/users", Service: "ghost-service"}, nil)
	if gerr == nil || !errors.Is(gerr, gwerrors.ErrServiceUnavailable) {
		t.Errorf("err = %v, want ErrServiceUnavailable", gerr)
	}
}

func TestForwardNoHealthyInstances(t *testing.T) {
	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{
		"user-service": {
			{ID: "u-0", Service: "user-service", Host: "10.0.0.1", Port: 8081, Weight: 1, Healthy: false},
		},
	})
	f := newTestForwarder(reg)

	r := httptest.NewRequest("GET", "/api/users", nil)
	_, gerr, _ := doForward(t, f, r, &router.Route{Path: "/api/users", Service: "user-service"}, nil)
	if gerr == nil || !errors.Is(gerr, gwerrors.ErrNoHealthyInstance) {
		t.Errorf("err = %v, want ErrNoHealthyInstance", gerr)
	}
}

func TestSelectableWeightZeroLastResort(t *testing.T) {
	zero := registry.ServiceInstance{ID: "a", Host: "10.0.0.1", Port: 1, Weight: 0, Healthy: true}
	one := registry.ServiceInstance{ID: "b", Host: "10.0.0.2", Port: 2, Weight: 1, Healthy: true}

	got := selectable([]registry.ServiceInstance{zero, one})
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("weighted candidates = %v", got)
	}

	got = selectable([]registry.ServiceInstance{zero})
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("weight-zero fallback = %v", got)
	}
}

func TestForwardCircuitOpens(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	f := newTestForwarder(reg)

	// Each failed forward exhausts its retries and counts one breaker
	// failure; the threshold is 5.
	route := &router.Route{Path: "/api/users", Service: "user-service"}
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest("GET", "/api/users", nil)
		_, gerr, _ := doForward(t, f, r, route, nil)
		if gerr == nil || !errors.Is(gerr, gwerrors.ErrBackendError) {
			t.Fatalf("forward %d err = %v", i, gerr)
		}
	}

	r := httptest.NewRequest("GET", "/api/users", nil)
	_, gerr, _ := doForward(t, f, r, route, nil)
	if gerr == nil || !errors.Is(gerr, gwerrors.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", gerr)
	}
}

func TestForwardIdentityHeadersNotSpoofable(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer backend.Close()

	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	f := newTestForwarder(reg)

	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("X-User-Id", "1337")
	r.Header.Set("X-Roles", "admin")
	r.Header.Set("X-API-Key", "sk-live-abc")

	rc := reqctx.New(r)
	rc.User = &reqctx.UserContext{UserID: "42", Username: "alice", Roles: []string{"reader"}, Active: true}
	r = r.WithContext(reqctx.WithContext(r.Context(), rc))
	w := httptest.NewRecorder()
	if gerr := f.Forward(w, r, &router.Match{Route: &router.Route{Path: "/api/users", Service: "user-service"}}); gerr != nil {
		t.Fatal(gerr)
	}

	if got.Get("X-User-Id") != "42" {
		t.Errorf("X-User-Id = %q, client value must be replaced", got.Get("X-User-Id"))
	}
	if got.Get("X-Roles") != "reader" {
		t.Errorf("X-Roles = %q", got.Get("X-Roles"))
	}
	if got.Get("X-API-Key") != "" {
		t.Error("api key header must not reach the backend")
	}
}

func TestForwardStripsConfiguredAPIKeyHeader(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer backend.Close()

	reg := registry.NewStaticFromMap(map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	fast := retry.NewPolicy(config.RetryConfig{Enabled: false})
	f := New(reg, loadbalancer.NewRoundRobin(), circuitbreaker.NewManager(config.CircuitBreakerConfig{}), fast, nil, "X-Service-Key")

	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("X-Service-Key", "sk-live-abc")
	_, gerr, _ := doForward(t, f, r, &router.Route{Path: "/api/users", Service: "user-service"}, nil)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if got.Get("X-Service-Key") != "" {
		t.Error("configured api key header must not reach the backend")
	}
}

func TestOutboundPath(t *testing.T) {
	tests := []struct {
		name   string
		route  router.Route
		params map[string]string
		path   string
		want   string
	}{
		{"passthrough", router.Route{Path: "/api/users"}, nil, "/api/users", "/api/users"},
		{"strip wildcard route", router.Route{Path: "/api/**", StripPrefix: true}, nil, "/api/users", "/users"},
		{"strip param route", router.Route{Path: "/api/users/{id}", StripPrefix: true}, map[string]string{"id": "42"}, "/api/users/42", "/42"},
		{"strip whole", router.Route{Path: "/api", StripPrefix: true}, nil, "/api", "/"},
		{"rewrite", router.Route{Path: "/u/{id}", RewritePath: "/users/{id}/profile"}, map[string]string{"id": "7"}, "/u/7", "/users/7/profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := outboundPath(&router.Match{Route: &tt.route, Params: tt.params}, tt.path)
			if got != tt.want {
				t.Errorf("outboundPath = %q, want %q", got, tt.want)
			}
		})
	}
}
