// Package ratelimit enforces fixed-window request limits in Redis.
// Identity is resolved most-specific first: authenticated user, then
// login username, then API key, then client IP. Redis trouble never
// blocks traffic; the limiter fails open.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/microgate/gateway/internal/config"
	"github.com/microgate/gateway/internal/logging"
	"github.com/microgate/gateway/internal/reqctx"
	"github.com/microgate/gateway/internal/router"
)

// maxLoginBody caps how much of a login request body the limiter will
// buffer while fishing for the account identifier.
const maxLoginBody = 64 * 1024

// Window is one fixed limiting window.
type Window struct {
	Name  string
	Size  time.Duration
	Limit int
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed    bool
	Window     string // the window that denied, or "minute" when allowed
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Identifier string
	IDType     string
}

// Recorder persists window counters to the durable store. routePath is
// empty for globally scoped counters.
type Recorder interface {
	UpsertRateLimitRecord(ctx context.Context, identifier, identifierType, windowType, routePath string, windowStart, windowEnd time.Time, delta int64) error
}

// Limiter checks requests against the configured windows.
type Limiter struct {
	rdb          redis.UniversalClient
	cfg          config.RateLimitConfig
	apiKeyHeader string
	recorder     Recorder
	now          func() time.Time
}

// NewLimiter creates a limiter. apiKeyHeader names the header consulted
// for the api_key identity tier; recorder may be nil to disable history.
func NewLimiter(rdb redis.UniversalClient, cfg config.RateLimitConfig, apiKeyHeader string, recorder Recorder) *Limiter {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &Limiter{rdb: rdb, cfg: cfg, apiKeyHeader: apiKeyHeader, recorder: recorder, now: time.Now}
}

func (l *Limiter) windows(override *router.RateLimitOverride) []Window {
	minute, hour, day := l.cfg.PerMinute, l.cfg.PerHour, l.cfg.PerDay
	if override != nil {
		if override.PerMinute > 0 {
			minute = override.PerMinute
		}
		if override.PerHour > 0 {
			hour = override.PerHour
		}
		if override.PerDay > 0 {
			day = override.PerDay
		}
	}
	return []Window{
		{Name: "minute", Size: time.Minute, Limit: minute},
		{Name: "hour", Size: time.Hour, Limit: hour},
		{Name: "day", Size: 24 * time.Hour, Limit: day},
	}
}

// Check resolves the request identity and walks the windows smallest
// first. The first exhausted window denies without consuming quota in
// the others; an admitted request counts against every window.
func (l *Limiter) Check(ctx context.Context, rc *reqctx.RequestContext, r *http.Request, override *router.RateLimitOverride) *Result {
	if !l.cfg.Enabled {
		return &Result{Allowed: true, Window: "minute"}
	}

	identifier, idType := l.resolveIdentity(rc, r)

	// Route-scoped keys when the route overrides the global limits, so
	// a tight per-route budget does not eat the global one.
	routeKey := ""
	if override != nil {
		routeKey = rc.RoutePath
	}

	windows := l.windows(override)

	for _, w := range windows {
		if w.Limit <= 0 {
			continue
		}
		k := key(identifier, w.Name, routeKey)
		count, err := l.rdb.Get(ctx, k).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			logging.Warn("rate limiter failing open",
				zap.String("identifier", identifier),
				zap.Error(err))
			return &Result{Allowed: true, Window: w.Name, Limit: w.Limit, Remaining: w.Limit, Identifier: identifier, IDType: idType}
		}
		if count >= int64(w.Limit) {
			retryAfter := w.Size
			if ttl, terr := l.rdb.TTL(ctx, k).Result(); terr == nil && ttl > 0 {
				retryAfter = ttl
			}
			res := &Result{
				Allowed:    false,
				Window:     w.Name,
				Limit:      w.Limit,
				Remaining:  0,
				RetryAfter: retryAfter,
				Identifier: identifier,
				IDType:     idType,
			}
			l.record(identifier, idType, routeKey, []Window{w})
			return res
		}
	}

	res := &Result{Allowed: true, Window: "minute", Identifier: identifier, IDType: idType}
	pipe := l.rdb.Pipeline()
	incrs := make(map[string]*redis.IntCmd, len(windows))
	for _, w := range windows {
		if w.Limit <= 0 {
			continue
		}
		k := key(identifier, w.Name, routeKey)
		incrs[w.Name] = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, w.Size)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn("rate limiter failing open",
			zap.String("identifier", identifier),
			zap.Error(err))
		res.Limit = windows[0].Limit
		res.Remaining = windows[0].Limit
		return res
	}

	for _, w := range windows {
		if w.Name != "minute" {
			continue
		}
		res.Limit = w.Limit
		if cmd := incrs[w.Name]; cmd != nil {
			res.Remaining = w.Limit - int(cmd.Val())
			if res.Remaining < 0 {
				res.Remaining = 0
			}
		}
	}
	rc.RateLimitRemaining = res.Remaining

	l.record(identifier, idType, routeKey, windows)
	return res
}

// record persists window counters, synchronously or in the background
// per config. Failures never affect the request.
func (l *Limiter) record(identifier, idType, route string, windows []Window) {
	if l.recorder == nil || !l.cfg.StorageEnabled {
		return
	}
	persist := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, w := range windows {
			if w.Limit <= 0 {
				continue
			}
			start := l.now().UTC().Truncate(w.Size)
			end := start.Add(w.Size)
			if err := l.recorder.UpsertRateLimitRecord(ctx, identifier, idType, w.Name, route, start, end, 1); err != nil {
				logging.Warn("rate limit history write failed", zap.Error(err))
			}
		}
	}
	if l.cfg.StorageAsync {
		go persist()
	} else {
		persist()
	}
}

// resolveIdentity picks the most specific identity available.
func (l *Limiter) resolveIdentity(rc *reqctx.RequestContext, r *http.Request) (string, string) {
	if rc.User != nil && rc.User.UserID != "" {
		return "user:" + rc.User.UserID, "user"
	}
	if id := l.loginIdentifier(rc, r); id != "" {
		rc.LoginIdentifier = id
		return "login:" + id, "login"
	}
	if key := r.Header.Get(l.apiKeyHeader); key != "" {
		return "api_key:" + key, "api_key"
	}
	return "ip:" + rc.ClientIP, "ip"
}

// loginIdentifier extracts the account identifier from a login or
// register body so repeated attempts against one account throttle
// together regardless of source address. The body is read once from
// the transport and cached for the proxy to replay; parse failures
// fall through to the IP identity.
func (l *Limiter) loginIdentifier(rc *reqctx.RequestContext, r *http.Request) string {
	if rc.LoginIdentifier != "" {
		return rc.LoginIdentifier
	}
	if r.Method != http.MethodPost || !IsAuthBodyPath(r.URL.Path) {
		return ""
	}
	if rc.BodyCache == nil {
		if r.Body == nil || r.Body == http.NoBody {
			return ""
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBody))
		r.Body.Close()
		if err != nil {
			return ""
		}
		rc.BodyCache = body
	}

	var payload map[string]any
	if err := json.Unmarshal(rc.BodyCache, &payload); err != nil {
		return ""
	}
	for _, field := range []string{"username", "user_name", "user", "email", "email_address"} {
		if v, ok := payload[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// IsAuthBodyPath reports whether path is a login or register endpoint
// whose body carries the account identifier.
func IsAuthBodyPath(path string) bool {
	return strings.HasSuffix(path, "/auth/login") || strings.HasSuffix(path, "/auth/register") ||
		path == "/login" || path == "/register"
}

func key(identifier, window, route string) string {
	k := "rate_limit:" + identifier + ":" + window
	if route != "" {
		k += ":" + route
	}
	return k
}

// SetHeaders writes the standard limit headers onto a response.
func SetHeaders(h http.Header, res *Result) {
	if res.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	}
	if !res.Allowed {
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}
