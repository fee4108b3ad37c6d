package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/microgate/gateway/internal/audit"
	"github.com/microgate/gateway/internal/auth"
	"github.com/microgate/gateway/internal/circuitbreaker"
	"github.com/microgate/gateway/internal/config"
	"github.com/microgate/gateway/internal/loadbalancer"
	"github.com/microgate/gateway/internal/logging"
	"github.com/microgate/gateway/internal/metrics"
	"github.com/microgate/gateway/internal/proxy"
	"github.com/microgate/gateway/internal/ratelimit"
	"github.com/microgate/gateway/internal/registry"
	"github.com/microgate/gateway/internal/retry"
	"github.com/microgate/gateway/internal/router"
	"github.com/microgate/gateway/internal/token"
	"github.com/microgate/gateway/internal/tracing"
)

const testSecret = "gateway-test-secret"

func instanceFor(t *testing.T, srv *httptest.Server, service string) registry.ServiceInstance {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return registry.ServiceInstance{
		ID:      service + "-1",
		Service: service,
		Host:    u.Hostname(),
		Port:    port,
		Weight:  1,
		Healthy: true,
	}
}

func newTestServer(t *testing.T, instances map[string][]registry.ServiceInstance) (*Server, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.DefaultConfig()
	cfg.JWT.SecretKey = testSecret
	cfg.RateLimit.PerMinute = 5
	cfg.RateLimit.PerHour = 100
	cfg.RateLimit.PerDay = 1000
	cfg.RateLimit.StorageAsync = false
	cfg.Retry.MaxDelaySeconds = 0

	routes := []*router.Route{
		{Path: "/api/users/{id}", Service: "user-service", Methods: []string{"GET"}},
		{Path: "/api/secure/**", Service: "user-service", AuthRequired: true},
		{Path: "/api/auth/login", Service: "auth-service", Methods: []string{"POST"}},
	}
	rt, err := router.New(routes)
	if err != nil {
		t.Fatal(err)
	}

	streams, err := logging.New(cfg.Logging)
	if err != nil {
		t.Fatal(err)
	}
	logging.SetGlobal(streams)

	reg := registry.NewStaticFromMap(instances)
	lb, err := loadbalancer.New("round_robin")
	if err != nil {
		t.Fatal(err)
	}
	authn, err := auth.New(cfg.JWT, cfg.APIKey, nil)
	if err != nil {
		t.Fatal(err)
	}
	tracer, err := tracing.New(context.Background(), config.TracingConfig{}, "gateway-test")
	if err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	breakers := circuitbreaker.NewManager(cfg.CircuitBreaker)
	policy := retry.NewPolicy(cfg.Retry)

	s := &Server{
		cfg:      cfg,
		streams:  streams,
		router:   rt,
		registry: reg,
		breakers: breakers,
		fwd:      proxy.New(reg, lb, breakers, policy, m, cfg.APIKey.Header),
		limiter:  ratelimit.NewLimiter(rdb, cfg.RateLimit, cfg.APIKey.Header, nil),
		authn:    authn,
		tokens:   token.NewManager(rdb, cfg.JWT.RefreshTTL()),
		auditor:  audit.NewLogger(nil),
		metrics:  m,
		tracer:   tracer,
		rdb:      rdb,
	}
	return s, mr
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rec.Body.String())
	}
	return body
}

func TestDispatchProxiesMatchedRoute(t *testing.T) {
	var gotPath, gotRequestID, gotTraceID string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-Id")
		gotTraceID = r.Header.Get("X-Trace-Id")
		w.Write([]byte(`{"id":"42"}`))
	}))
	defer backend.Close()

	s, _ := newTestServer(t, map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	handler := s.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/users/42", nil)
	req.Header.Set("X-Trace-Id", "trace-abc")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/api/users/42" {
		t.Errorf("backend path = %q", gotPath)
	}
	if gotRequestID == "" {
		t.Error("backend did not receive X-Request-Id")
	}
	if gotTraceID != "trace-abc" {
		t.Errorf("backend X-Trace-Id = %q, want the caller's trace", gotTraceID)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}
	if rec.Header().Get("X-Trace-Id") != "trace-abc" {
		t.Errorf("response X-Trace-Id = %q", rec.Header().Get("X-Trace-Id"))
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("response missing X-RateLimit-Limit")
	}
}

func TestDispatchUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decodeError(t, rec)
	if body["error"] != "ROUTE_NOT_FOUND" {
		t.Errorf("error = %v", body["error"])
	}
	if body["request_id"] == "" {
		t.Error("error body missing request_id")
	}
}

func TestAuthRequiredWithoutCredentials(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/secure/profile", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	body := decodeError(t, rec)
	if body["error"] != "UNAUTHENTICATED" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestAuthRequiredForwardsIdentity(t *testing.T) {
	var gotUserID, gotRoles string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = r.Header.Get("X-User-Id")
		gotRoles = r.Header.Get("X-Roles")
	}))
	defer backend.Close()

	s, _ := newTestServer(t, map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})

	tok := signToken(t, jwt.MapClaims{
		"sub":      "u-77",
		"username": "frank",
		"roles":    []string{"admin", "editor"},
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest("GET", "/api/secure/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotUserID != "u-77" {
		t.Errorf("X-User-Id = %q", gotUserID)
	}
	if gotRoles != "admin,editor" {
		t.Errorf("X-Roles = %q", gotRoles)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	s, _ := newTestServer(t, map[string][]registry.ServiceInstance{
		"user-service": {instanceFor(t, backend, "user-service")},
	})
	handler := s.Handler()

	var rec *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rec = httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/users/1", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		handler.ServeHTTP(rec, req)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeError(t, rec)
	if body["error"] != "RATE_LIMITED" {
		t.Errorf("error = %v", body["error"])
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}
}

func TestDispatchNoInstances(t *testing.T) {
	s, _ := newTestServer(t, map[string][]registry.ServiceInstance{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/users/1", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := decodeError(t, rec)
	if body["error"] != "SERVICE_UNAVAILABLE" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	var gotUserID string
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" {
			t.Errorf("auth service path = %q", r.URL.Path)
		}
		gotUserID = r.Header.Get("X-User-Id")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "bearer",
			"expires_in":    1800,
		})
	}))
	defer authSrv.Close()

	s, _ := newTestServer(t, map[string][]registry.ServiceInstance{
		"auth-service": {instanceFor(t, authSrv, "auth-service")},
	})
	ctx := context.Background()
	if err := s.tokens.Store(ctx, "u-1", "alice", "old-refresh", "fam-1", ""); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/refresh",
		strings.NewReader(`{"refresh_token":"old-refresh"}`))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotUserID != "u-1" {
		t.Errorf("auth service saw X-User-Id = %q", gotUserID)
	}
	var resp refreshResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AccessToken != "new-access" || resp.RefreshToken != "new-refresh" {
		t.Errorf("unexpected token payload: %+v", resp)
	}

	// Rotation invalidates the presented token and registers the new one.
	if _, err := s.tokens.Validate(ctx, "old-refresh"); err == nil {
		t.Error("old refresh token still valid after rotation")
	}
	rec2, err := s.tokens.Validate(ctx, "new-refresh")
	if err != nil {
		t.Fatalf("new refresh token not stored: %v", err)
	}
	if rec2.UserID != "u-1" || rec2.Family != "fam-1" {
		t.Errorf("stored record = %+v", rec2)
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/refresh",
		strings.NewReader(`{"refresh_token":"never-issued"}`))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshNoAuthInstances(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if err := s.tokens.Store(context.Background(), "u-1", "alice", "tok", "fam", ""); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/auth/refresh",
		strings.NewReader(`{"refresh_token":"tok"}`))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()
	if err := s.tokens.Store(ctx, "u-1", "alice", "tok", "fam", ""); err != nil {
		t.Fatal(err)
	}

	payload := `{"refresh_token":"tok"}`
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/auth/revoke", bytes.NewReader([]byte(payload)))
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("revoke %d: status = %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	if _, err := s.tokens.Validate(ctx, "tok"); err == nil {
		t.Error("token still valid after revoke")
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body healthPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestHealthReportsBreakerState(t *testing.T) {
	s, _ := newTestServer(t, nil)
	b := s.breakers.Get("user-service")
	b.OnFailure()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body healthPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	snap, ok := body.Breakers["user-service"]
	if !ok {
		t.Fatalf("breakers = %+v, want user-service entry", body.Breakers)
	}
	if snap.State != "closed" || snap.FailureCount != 1 {
		t.Errorf("breaker snapshot = %+v", snap)
	}
}

func TestReadyReflectsRedis(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	s, mr := newTestServer(t, map[string][]registry.ServiceInstance{
		"auth-service": {instanceFor(t, backend, "auth-service")},
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d: %s", rec.Code, rec.Body.String())
	}

	mr.Close()
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status with redis down = %d", rec.Code)
	}
}

func TestReadyNoDiscoveryInstances(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d, want 503", rec.Code)
	}
}
