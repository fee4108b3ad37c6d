package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/microgate/gateway/internal/audit"
	"github.com/microgate/gateway/internal/gwerrors"
	"github.com/microgate/gateway/internal/reqctx"
	"github.com/microgate/gateway/internal/token"
)

// authServiceName is the backend that issues access tokens.
const authServiceName = "auth-service"

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// handleRefresh exchanges a refresh token for new tokens. The gateway
// validates the old token, asks the auth service for replacements, and
// stores the new refresh token in the old one's family.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromRequest(r)
	rc.ServiceName = authServiceName

	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil || req.RefreshToken == "" {
		s.writeError(w, rc, gwerrors.ErrUnauthenticatedInvalid.WithDetails("refresh_token required"))
		return
	}

	rec, err := s.tokens.Validate(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			s.writeError(w, rc, gwerrors.ErrUnauthenticatedInvalid)
			return
		}
		s.writeError(w, rc, gwerrors.ErrInternal.WithCause(err))
		return
	}

	upstream, gerr := s.callAuthService(r, rec.UserID, req.RefreshToken)
	if gerr != nil {
		s.writeError(w, rc, gerr)
		return
	}

	family := rec.Family
	if family == "" {
		family = uuid.NewString()
	}
	oldToken := ""
	if s.cfg.JWT.RefreshRotation {
		oldToken = req.RefreshToken
	}
	if upstream.RefreshToken != "" {
		if err := s.tokens.Store(r.Context(), rec.UserID, rec.Username, upstream.RefreshToken, family, oldToken); err != nil {
			s.writeError(w, rc, gwerrors.ErrInternal.WithCause(err))
			return
		}
	}

	s.auditor.Record(audit.Event{
		Type:      audit.EventTokenRefresh,
		UserID:    rec.UserID,
		Username:  rec.Username,
		ClientIP:  rc.ClientIP,
		UserAgent: rc.UserAgent,
		Method:    rc.Method,
		Path:      rc.Path,
		RequestID: rc.RequestID,
	})

	writeJSON(w, http.StatusOK, upstream)
	rc.StatusCode = http.StatusOK
}

// callAuthService posts the refresh to a live auth-service instance.
func (s *Server) callAuthService(r *http.Request, userID, refreshToken string) (*refreshResponse, *gwerrors.Error) {
	rc := reqctx.FromRequest(r)

	instances, err := s.registry.GetInstances(r.Context(), authServiceName)
	if err != nil || len(instances) == 0 {
		return nil, gwerrors.ErrNoHealthyInstance.WithDetails(authServiceName)
	}
	addr := ""
	for i := range instances {
		if instances[i].Healthy {
			addr = instances[i].Addr()
			break
		}
	}
	if addr == "" {
		return nil, gwerrors.ErrNoHealthyInstance.WithDetails(authServiceName)
	}

	payload, _ := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+"/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return nil, gwerrors.ErrInternal.WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", userID)
	req.Header.Set("X-Request-Id", rc.RequestID)
	req.Header.Set("X-Trace-Id", rc.TraceID)

	// Auth-service calls ride the forwarder's pooled client.
	resp, err := s.fwd.Client().Do(req)
	if err != nil {
		return nil, gwerrors.ErrBackendError.WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, gwerrors.ErrUnauthenticatedInvalid
		}
		return nil, gwerrors.ErrBackendError.WithDetails(authServiceName)
	}

	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, gwerrors.ErrBackendError.WithCause(err)
	}
	if out.TokenType == "" {
		out.TokenType = "bearer"
	}
	return &out, nil
}

// handleRevoke invalidates a refresh token. Revoking an unknown token
// still returns 200; revocation is idempotent from the client's view.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromRequest(r)

	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil || req.RefreshToken == "" {
		s.writeError(w, rc, gwerrors.ErrUnauthenticatedInvalid.WithDetails("refresh_token required"))
		return
	}

	rec, err := s.tokens.Validate(r.Context(), req.RefreshToken)
	if err != nil {
		// Already gone; nothing to do.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if err := s.tokens.Revoke(r.Context(), req.RefreshToken); err != nil && !errors.Is(err, token.ErrNotFound) {
		s.writeError(w, rc, gwerrors.ErrInternal.WithCause(err))
		return
	}

	s.auditor.Record(audit.Event{
		Type:      audit.EventTokenRevoked,
		UserID:    rec.UserID,
		Username:  rec.Username,
		ClientIP:  rc.ClientIP,
		UserAgent: rc.UserAgent,
		Method:    rc.Method,
		Path:      rc.Path,
		RequestID: rc.RequestID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	rc.StatusCode = http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
