// Package proxy forwards matched requests to backend instances. Each
// forward runs discovery, balancing, the service's circuit breaker, and
// the retry policy, then streams the backend response to the client.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/microgate/gateway/internal/circuitbreaker"
	"github.com/microgate/gateway/internal/gwerrors"
	"github.com/microgate/gateway/internal/loadbalancer"
	"github.com/microgate/gateway/internal/logging"
	"github.com/microgate/gateway/internal/metrics"
	"github.com/microgate/gateway/internal/registry"
	"github.com/microgate/gateway/internal/reqctx"
	"github.com/microgate/gateway/internal/retry"
	"github.com/microgate/gateway/internal/router"
)

// hopHeaders are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// maxBufferedBody caps how much request body is buffered for retry
// replay. Bigger bodies disable retries for that request.
const maxBufferedBody = 10 << 20

// defaultTimeout bounds the backend call when the route sets none.
const defaultTimeout = 30 * time.Second

// Forwarder proxies requests to backends.
type Forwarder struct {
	registry     registry.Registry
	balancer     loadbalancer.Balancer
	breakers     *circuitbreaker.Manager
	policy       *retry.Policy
	metrics      *metrics.Metrics
	client       *http.Client
	apiKeyHeader string

	// Advisory transport-failure counts per instance address. Never
	// gates selection; surfaced in the health payload.
	failMu   sync.Mutex
	failures map[string]int64
}

// selectable filters to healthy instances. Weight-zero instances are
// kept only when nothing weighted remains.
func selectable(instances []registry.ServiceInstance) []registry.ServiceInstance {
	var healthy, weighted []registry.ServiceInstance
	for _, in := range instances {
		if !in.Healthy {
			continue
		}
		healthy = append(healthy, in)
		if in.Weight > 0 {
			weighted = append(weighted, in)
		}
	}
	if len(weighted) > 0 {
		return weighted
	}
	return healthy
}

func (f *Forwarder) countFailure(instance registry.ServiceInstance) {
	f.failMu.Lock()
	f.failures[instance.Addr()]++
	f.failMu.Unlock()
}

// FailureCounts returns a copy of the advisory per-instance failure
// counters.
func (f *Forwarder) FailureCounts() map[string]int64 {
	f.failMu.Lock()
	defer f.failMu.Unlock()
	out := make(map[string]int64, len(f.failures))
	for addr, n := range f.failures {
		out[addr] = n
	}
	return out
}

// New builds a forwarder with a pooled transport. apiKeyHeader names
// the gateway's API-key header, which is stripped before forwarding.
func New(reg registry.Registry, lb loadbalancer.Balancer, breakers *circuitbreaker.Manager, policy *retry.Policy, m *metrics.Metrics, apiKeyHeader string) *Forwarder {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Forwarder{
		registry:     reg,
		balancer:     lb,
		breakers:     breakers,
		policy:       policy,
		metrics:      m,
		apiKeyHeader: apiKeyHeader,
		client: &http.Client{
			Transport: transport,
			// Redirects pass through to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		failures: map[string]int64{},
	}
}

// Client exposes the pooled outbound client, one instance per process,
// for local handlers that call backends outside the proxy path.
func (f *Forwarder) Client() *http.Client {
	return f.client
}

// Forward proxies r to the service named by match and writes the
// backend response to w. A non-nil return means nothing was written and
// the caller renders the error.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, match *router.Match) *gwerrors.Error {
	rc := reqctx.FromRequest(r)
	service := match.Route.Service
	rc.ServiceName = service
	rc.RoutePath = match.Route.Path
	rc.PathParams = match.Params

	instances, err := f.registry.GetInstances(r.Context(), service)
	if err != nil {
		logging.Error("service discovery failed",
			zap.String("service", service), zap.Error(err))
		return gwerrors.ErrServiceUnavailable.WithRequestID(rc.RequestID).WithDetails(service)
	}
	if len(instances) == 0 {
		return gwerrors.ErrServiceUnavailable.WithRequestID(rc.RequestID).WithDetails(service)
	}
	candidates := selectable(instances)
	if len(candidates) == 0 {
		return gwerrors.ErrNoHealthyInstance.WithRequestID(rc.RequestID).WithDetails(service)
	}

	breaker := f.breakers.Get(service)
	if breaker != nil && !breaker.Allow() {
		if f.metrics != nil {
			f.metrics.BreakerState.WithLabelValues(service).Set(float64(breaker.State()))
		}
		return gwerrors.ErrCircuitOpen.WithRequestID(rc.RequestID).WithDetails(service)
	}

	body, replayable, gerr := f.bufferBody(rc, r)
	if gerr != nil {
		return gerr
	}

	outPath := outboundPath(match, r.URL.Path)

	timeout := defaultTimeout
	if match.Route.TimeoutSeconds > 0 {
		timeout = time.Duration(match.Route.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var resp *http.Response
	attempt := 0
	err = f.policy.Do(callCtx, func(ctx context.Context) error {
		attempt++
		rc.Attempts = attempt
		if attempt > 1 && f.metrics != nil {
			f.metrics.BackendRetries.WithLabelValues(service).Inc()
		}
		if attempt > 1 && !replayable {
			return retry.Permanent(fmt.Errorf("request body not replayable"))
		}

		instance, perr := f.balancer.Pick(service, candidates)
		if perr != nil {
			return retry.Permanent(perr)
		}
		rc.BackendAddr = instance.Addr()

		res, ferr := f.send(ctx, r, rc, instance, outPath, body, match.Route)
		f.balancer.Release(service, instance)
		if ferr != nil {
			f.countFailure(instance)
			return ferr
		}

		if retryableStatus(res.StatusCode) {
			io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
			res.Body.Close()
			return fmt.Errorf("backend returned %d", res.StatusCode)
		}
		resp = res
		return nil
	})

	if err != nil {
		if breaker != nil {
			breaker.OnFailure()
		}
		logging.Error("backend request failed",
			zap.String("service", service),
			zap.String("request_id", rc.RequestID),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return gwerrors.ErrBackendError.WithRequestID(rc.RequestID).WithCause(err)
	}
	if breaker != nil {
		breaker.OnSuccess()
	}

	defer resp.Body.Close()
	copyResponse(w, resp)
	rc.StatusCode = resp.StatusCode
	return nil
}

// bufferBody loads the request body so retries can replay it. A body
// already cached by the rate limiter is reused as-is.
func (f *Forwarder) bufferBody(rc *reqctx.RequestContext, r *http.Request) ([]byte, bool, *gwerrors.Error) {
	if rc.BodyCache != nil {
		return rc.BodyCache, true, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true, nil
	}
	if r.ContentLength > maxBufferedBody {
		// Too big to replay; forwarded once via the original reader.
		return nil, false, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody+1))
	r.Body.Close()
	if err != nil {
		return nil, false, gwerrors.ErrInternal.WithRequestID(rc.RequestID).WithCause(err)
	}
	if int64(len(data)) > maxBufferedBody {
		return nil, false, gwerrors.ErrInternal.WithRequestID(rc.RequestID).WithDetails("request body too large to buffer")
	}
	rc.BodyCache = data
	return data, true, nil
}

func (f *Forwarder) send(ctx context.Context, r *http.Request, rc *reqctx.RequestContext, instance registry.ServiceInstance, path string, body []byte, route *router.Route) (*http.Response, error) {
	target := &url.URL{
		Scheme:   "http",
		Host:     instance.Addr(),
		Path:     path,
		RawQuery: r.URL.RawQuery,
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else if r.Body != nil && r.Body != http.NoBody {
		reader = r.Body
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), reader)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	copyHeaders(req.Header, r.Header)
	f.synthesizeHeaders(req, r, rc, route.Headers)

	return f.client.Do(req)
}

// outboundPath applies the route's rewrite template or strip-prefix
// flag to the incoming path.
func outboundPath(match *router.Match, reqPath string) string {
	if match.Route.RewritePath != "" {
		return router.ExpandRewrite(match.Route.RewritePath, match.Params)
	}
	if match.Route.StripPrefix {
		prefix := match.Route.LiteralPrefix()
		if prefix != "/" && strings.HasPrefix(reqPath, prefix) {
			out := strings.TrimPrefix(reqPath, prefix)
			if !strings.HasPrefix(out, "/") {
				out = "/" + out
			}
			return out
		}
	}
	return reqPath
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// synthesizeHeaders adds the forwarding and identity headers backends
// rely on. The gateway's own API-key header never travels downstream,
// and client-sent identity headers are dropped so they cannot be
// spoofed past authentication.
func (f *Forwarder) synthesizeHeaders(req *http.Request, orig *http.Request, rc *reqctx.RequestContext, extra map[string]string) {
	req.Header.Del(f.apiKeyHeader)

	prior := orig.Header.Get("X-Forwarded-For")
	if prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+rc.ClientIP)
	} else {
		req.Header.Set("X-Forwarded-For", rc.ClientIP)
	}
	proto := "http"
	if orig.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set("X-Forwarded-Host", orig.Host)
	req.Header.Set("X-Request-Id", rc.RequestID)
	if rc.TraceID != "" {
		req.Header.Set("X-Trace-Id", rc.TraceID)
	}
	if rc.SpanID != "" {
		req.Header.Set("X-Span-Id", rc.SpanID)
	}

	for _, h := range []string{"X-User-Id", "X-Username", "X-Roles", "X-Tenant-Id", "X-Active"} {
		req.Header.Del(h)
	}
	if rc.User != nil {
		req.Header.Set("X-User-Id", rc.User.UserID)
		if rc.User.Username != "" {
			req.Header.Set("X-Username", rc.User.Username)
		}
		if rc.User.TenantID != "" {
			req.Header.Set("X-Tenant-Id", rc.User.TenantID)
		}
		if len(rc.User.Roles) > 0 {
			req.Header.Set("X-Roles", strings.Join(rc.User.Roles, ","))
		}
		req.Header.Set("X-Active", strconv.FormatBool(rc.User.Active))
	}

	for name, value := range extra {
		req.Header.Set(name, value)
	}
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// retryableStatus reports whether a backend status should be retried.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
