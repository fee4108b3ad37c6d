// Package token manages refresh tokens in Redis. Rotation is
// cooperative: the caller stores the replacement token with old_token
// set and the predecessor is deleted in the same operation. Tokens
// carry a family id so every descendant of a stolen token can be
// revoked at once.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound means the token is unknown, expired, or revoked.
var ErrNotFound = errors.New("refresh token not found")

const (
	tokenKeyPrefix  = "refresh_token:"
	userKeyPrefix   = "user_tokens:"
	familyKeyPrefix = "token_family:"
)

// Record is the stored state of one refresh token.
type Record struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Family    string    `json:"token_family,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager stores, validates, and revokes refresh tokens.
type Manager struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewManager creates a token manager. ttl is the refresh token lifetime.
func NewManager(rdb redis.UniversalClient, ttl time.Duration) *Manager {
	return &Manager{rdb: rdb, ttl: ttl}
}

// Store writes tok for userID. family groups rotation descendants;
// oldToken, when set, is deleted first so the predecessor is invalid by
// the time the new token is live.
func (m *Manager) Store(ctx context.Context, userID, username, tok, family, oldToken string) error {
	if oldToken != "" {
		if err := m.delete(ctx, oldToken, userID, family); err != nil {
			return err
		}
	}

	rec := Record{
		UserID:    userID,
		Username:  username,
		Family:    family,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, tokenKeyPrefix+tok, data, m.ttl)
	pipe.SAdd(ctx, userKeyPrefix+userID, tok)
	pipe.Expire(ctx, userKeyPrefix+userID, m.ttl)
	if family != "" {
		pipe.SAdd(ctx, familyKeyPrefix+family, tok)
		pipe.Expire(ctx, familyKeyPrefix+family, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// Validate returns the record for tok, or ErrNotFound.
func (m *Manager) Validate(ctx context.Context, tok string) (*Record, error) {
	data, err := m.rdb.Get(ctx, tokenKeyPrefix+tok).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode token record: %w", err)
	}
	return &rec, nil
}

// Revoke invalidates a single token. Revoking an unknown token returns
// ErrNotFound; callers treating revocation as idempotent may ignore it.
func (m *Manager) Revoke(ctx context.Context, tok string) error {
	rec, err := m.Validate(ctx, tok)
	if err != nil {
		return err
	}
	return m.delete(ctx, tok, rec.UserID, rec.Family)
}

// RevokeAll invalidates every live token of a user and returns how many
// were removed.
func (m *Manager) RevokeAll(ctx context.Context, userID string) (int, error) {
	toks, err := m.rdb.SMembers(ctx, userKeyPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user tokens: %w", err)
	}

	revoked := 0
	for _, tok := range toks {
		err := m.Revoke(ctx, tok)
		if err == nil {
			revoked++
		} else if !errors.Is(err, ErrNotFound) {
			return revoked, err
		}
	}
	if err := m.rdb.Del(ctx, userKeyPrefix+userID).Err(); err != nil {
		return revoked, fmt.Errorf("failed to clear user token set: %w", err)
	}
	return revoked, nil
}

// RevokeFamily invalidates every token in a rotation family. Used when
// token theft is suspected.
func (m *Manager) RevokeFamily(ctx context.Context, family string) (int, error) {
	toks, err := m.rdb.SMembers(ctx, familyKeyPrefix+family).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list token family: %w", err)
	}

	revoked := 0
	for _, tok := range toks {
		err := m.Revoke(ctx, tok)
		if err == nil {
			revoked++
		} else if !errors.Is(err, ErrNotFound) {
			return revoked, err
		}
	}
	if err := m.rdb.Del(ctx, familyKeyPrefix+family).Err(); err != nil {
		return revoked, fmt.Errorf("failed to clear token family set: %w", err)
	}
	return revoked, nil
}

func (m *Manager) delete(ctx context.Context, tok, userID, family string) error {
	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, tokenKeyPrefix+tok)
	if userID != "" {
		pipe.SRem(ctx, userKeyPrefix+userID, tok)
	}
	if family != "" {
		pipe.SRem(ctx, familyKeyPrefix+family, tok)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}
