package gateway

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/microgate/gateway/internal/audit"
	"github.com/microgate/gateway/internal/auth"
	"github.com/microgate/gateway/internal/gwerrors"
	"github.com/microgate/gateway/internal/logging"
	"github.com/microgate/gateway/internal/middleware"
	"github.com/microgate/gateway/internal/ratelimit"
	"github.com/microgate/gateway/internal/reqctx"
)

// Handler builds the full middleware chain around the dispatch handler.
// Local endpoints are mounted directly; everything else goes through
// route matching and the proxy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/revoke", s.handleRevoke)
	mux.HandleFunc("/", s.dispatch)

	return middleware.Chain(mux,
		middleware.RequestContext(),
		middleware.Tracing(s.tracer.Tracer()),
		middleware.RequestLogger(s.streams),
	)
}

// dispatch runs the proxy pipeline: route match, body extraction,
// authentication, rate limiting, then forward.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromRequest(r)

	match := s.router.Find(r.Method, r.URL.Path)
	if match == nil {
		s.writeError(w, rc, gwerrors.ErrRouteNotFound)
		return
	}
	rc.ServiceName = match.Route.Service
	rc.RoutePath = match.Route.Path

	if match.Route.AuthRequired {
		user, err := s.authn.Authenticate(r)
		if err != nil {
			s.auditor.Record(audit.Event{
				Type:      audit.EventAuthFailure,
				ClientIP:  rc.ClientIP,
				UserAgent: rc.UserAgent,
				Method:    rc.Method,
				Path:      rc.Path,
				RequestID: rc.RequestID,
				Details:   err.Error(),
			})
			s.writeError(w, rc, authError(err))
			return
		}
		rc.User = user
	}

	res := s.limiter.Check(r.Context(), rc, r, match.Route.RateLimit)
	ratelimit.SetHeaders(w.Header(), res)
	if !res.Allowed {
		s.auditor.Record(audit.Event{
			Type:      audit.EventRateLimitExceeded,
			UserID:    userID(rc),
			ClientIP:  rc.ClientIP,
			UserAgent: rc.UserAgent,
			Method:    rc.Method,
			Path:      rc.Path,
			RequestID: rc.RequestID,
			Details:   res.Identifier + " over " + res.Window + " limit",
		})
		if s.metrics != nil {
			s.metrics.RateLimitDenials.WithLabelValues(res.IDType, res.Window).Inc()
		}
		s.writeError(w, rc, gwerrors.ErrRateLimited)
		return
	}
	if rc.LoginIdentifier != "" {
		s.auditor.Record(audit.Event{
			Type:      audit.EventLoginAttempt,
			Username:  rc.LoginIdentifier,
			ClientIP:  rc.ClientIP,
			UserAgent: rc.UserAgent,
			Method:    rc.Method,
			Path:      rc.Path,
			RequestID: rc.RequestID,
		})
	}

	if gerr := s.fwd.Forward(w, r, match); gerr != nil {
		if errors.Is(gerr, gwerrors.ErrCircuitOpen) {
			s.auditor.Record(audit.Event{
				Type:      audit.EventCircuitOpen,
				ClientIP:  rc.ClientIP,
				UserAgent: rc.UserAgent,
				Method:    rc.Method,
				Path:      rc.Path,
				RequestID: rc.RequestID,
				Details:   match.Route.Service,
			})
		}
		s.writeError(w, rc, gerr)
		return
	}

	s.metrics.ObserveRequest(rc.ServiceName, rc.Method, rc.StatusCode, rc.Elapsed())
}

// writeError renders a gateway error and records it in metrics.
func (s *Server) writeError(w http.ResponseWriter, rc *reqctx.RequestContext, gerr *gwerrors.Error) {
	gerr = gerr.WithRequestID(rc.RequestID)
	rc.StatusCode = gerr.Code
	if gerr.Code >= 500 {
		logging.Error("request rejected",
			zap.String("request_id", rc.RequestID),
			zap.String("path", rc.Path),
			zap.String("error", string(gerr.Kind)))
	}
	s.metrics.ObserveRequest(rc.ServiceName, rc.Method, gerr.Code, rc.Elapsed())
	gerr.WriteJSON(w)
}

// authError maps authenticator failures to wire errors.
func authError(err error) *gwerrors.Error {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return gwerrors.ErrUnauthenticatedMissing
	case errors.Is(err, auth.ErrTokenExpired):
		return gwerrors.ErrUnauthenticatedExpired
	default:
		return gwerrors.ErrUnauthenticatedInvalid
	}
}

func userID(rc *reqctx.RequestContext) string {
	if rc.User != nil {
		return rc.User.UserID
	}
	return ""
}
