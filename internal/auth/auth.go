// Package auth authenticates requests. Bearer JWTs and API keys are
// both accepted; the Authorization header wins when both are present.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/microgate/gateway/internal/config"
	"github.com/microgate/gateway/internal/reqctx"
	"github.com/microgate/gateway/internal/storage"
)

var (
	// ErrMissingCredentials means the request carried neither a bearer
	// token nor an API key.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrTokenExpired means the JWT was valid but past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid means the JWT failed verification.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrAPIKeyInvalid means the API key is unknown or revoked.
	ErrAPIKeyInvalid = errors.New("api key invalid")
)

// KeyLookup resolves a hashed API key to its owner. Implemented by the
// durable store.
type KeyLookup interface {
	LookupAPIKey(ctx context.Context, hash string) (*storage.APIKeyRecord, error)
}

// Authenticator validates request credentials.
type Authenticator struct {
	jwt          *JWTValidator
	keys         KeyLookup
	apiKeyHeader string
	apiKeySalt   string
	apiKeyOn     bool
}

// New builds an authenticator. keys may be nil when API key auth is
// disabled.
func New(jwtCfg config.JWTConfig, keyCfg config.APIKeyConfig, keys KeyLookup) (*Authenticator, error) {
	v, err := NewJWTValidator(jwtCfg)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		jwt:          v,
		keys:         keys,
		apiKeyHeader: keyCfg.Header,
		apiKeySalt:   jwtCfg.SecretKey,
		apiKeyOn:     keyCfg.Enabled && keys != nil,
	}, nil
}

// Authenticate inspects r's credentials and returns the principal.
func (a *Authenticator) Authenticate(r *http.Request) (*reqctx.UserContext, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return nil, ErrTokenInvalid
		}
		return a.jwt.Validate(strings.TrimSpace(tok))
	}

	if a.apiKeyOn {
		if key := r.Header.Get(a.apiKeyHeader); key != "" {
			return a.validateAPIKey(r.Context(), key)
		}
	}

	return nil, ErrMissingCredentials
}

// HashAPIKey returns the salted hash under which keys are stored.
func HashAPIKey(salt, key string) string {
	sum := sha256.Sum256([]byte(salt + key))
	return hex.EncodeToString(sum[:])
}

func (a *Authenticator) validateAPIKey(ctx context.Context, key string) (*reqctx.UserContext, error) {
	hash := HashAPIKey(a.apiKeySalt, key)
	rec, err := a.keys.LookupAPIKey(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil || subtle.ConstantTimeCompare([]byte(rec.KeyHash), []byte(hash)) != 1 {
		return nil, ErrAPIKeyInvalid
	}

	var roles []string
	if rec.Roles != "" {
		roles = strings.Split(rec.Roles, ",")
	}
	return &reqctx.UserContext{
		UserID:   rec.UserID,
		Username: rec.Username,
		Roles:    roles,
		Active:   rec.Active,
		AuthType: "api_key",
	}, nil
}
