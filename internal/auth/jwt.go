package auth

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/microgate/gateway/internal/config"
	"github.com/microgate/gateway/internal/reqctx"
)

// StringList decodes a claim that is either a JSON list of strings or a
// single comma-joined string. Identity providers disagree on the shape.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	if joined == "" {
		*s = nil
		return nil
	}
	parts := strings.Split(joined, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	*s = parts
	return nil
}

// Claims are the token claims the gateway cares about.
type Claims struct {
	UserID      string     `json:"user_id,omitempty"`
	Username    string     `json:"username,omitempty"`
	Email       string     `json:"email,omitempty"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Roles       StringList `json:"roles,omitempty"`
	Permissions StringList `json:"permissions,omitempty"`
	Active      *bool      `json:"is_active,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator verifies bearer tokens. HS algorithms verify against the
// shared secret, RS algorithms against the configured public key.
type JWTValidator struct {
	algorithm string
	secret    []byte
	publicKey *rsa.PublicKey
}

// NewJWTValidator builds a validator from config, loading the RSA
// public key when an RS algorithm is selected.
func NewJWTValidator(cfg config.JWTConfig) (*JWTValidator, error) {
	v := &JWTValidator{algorithm: cfg.Algorithm, secret: []byte(cfg.SecretKey)}

	if strings.HasPrefix(cfg.Algorithm, "RS") {
		data, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read jwt public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jwt public key: %w", err)
		}
		v.publicKey = key
	}
	return v, nil
}

// Validate parses and verifies tok, returning the authenticated user.
func (v *JWTValidator) Validate(tok string) (*reqctx.UserContext, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, v.keyFunc,
		jwt.WithValidMethods([]string{v.algorithm}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return nil, ErrTokenInvalid
	}

	active := true
	if claims.Active != nil {
		active = *claims.Active
	}
	return &reqctx.UserContext{
		UserID:      userID,
		Username:    claims.Username,
		Email:       claims.Email,
		TenantID:    claims.TenantID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		Active:      active,
		AuthType:    "jwt",
	}, nil
}

func (v *JWTValidator) keyFunc(t *jwt.Token) (any, error) {
	switch {
	case strings.HasPrefix(v.algorithm, "HS"):
		return v.secret, nil
	case strings.HasPrefix(v.algorithm, "RS"):
		if v.publicKey == nil {
			return nil, fmt.Errorf("no public key configured for %s", v.algorithm)
		}
		return v.publicKey, nil
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm: %s", v.algorithm)
	}
}
