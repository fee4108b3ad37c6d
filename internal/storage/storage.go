// Package storage is the durable Postgres store behind rate limit
// history, audit events, and API key lookups. Redis remains the hot
// path; everything here is best-effort bookkeeping the gateway can run
// without.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/microgate/gateway/internal/config"
)

// Store wraps the database handle.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RateLimitRecord is one identifier/window counter row. RoutePath is
// null for globally scoped counters.
type RateLimitRecord struct {
	ID             int64          `db:"id"`
	Identifier     string         `db:"identifier"`
	IdentifierType string         `db:"identifier_type"`
	WindowType     string         `db:"window_type"`
	RoutePath      sql.NullString `db:"route_path"`
	WindowStart    time.Time      `db:"window_start"`
	WindowEnd      time.Time      `db:"window_end"`
	RequestCount   int64          `db:"request_count"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// UpsertRateLimitRecord adds delta to the counter row for the
// identifier, window, and route, inserting the row on first sight. An
// empty routePath records a globally scoped counter.
func (s *Store) UpsertRateLimitRecord(ctx context.Context, identifier, identifierType, windowType, routePath string, windowStart, windowEnd time.Time, delta int64) error {
	const q = `
		INSERT INTO rate_limit_records (identifier, identifier_type, window_type, route_path, window_start, window_end, request_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (identifier, window_type, route_path, window_start)
		DO UPDATE SET request_count = rate_limit_records.request_count + $7, updated_at = NOW()`
	route := sql.NullString{String: routePath, Valid: routePath != ""}
	if _, err := s.db.ExecContext(ctx, q, identifier, identifierType, windowType, route, windowStart, windowEnd, delta); err != nil {
		return fmt.Errorf("failed to upsert rate limit record: %w", err)
	}
	return nil
}

// RateLimitHistory returns the counter rows for identifier since from,
// newest first.
func (s *Store) RateLimitHistory(ctx context.Context, identifier string, from time.Time) ([]RateLimitRecord, error) {
	const q = `
		SELECT id, identifier, identifier_type, window_type, route_path, window_start, window_end, request_count, updated_at
		FROM rate_limit_records
		WHERE identifier = $1 AND window_start >= $2
		ORDER BY window_start DESC`
	var out []RateLimitRecord
	if err := s.db.SelectContext(ctx, &out, q, identifier, from); err != nil {
		return nil, fmt.Errorf("failed to query rate limit history: %w", err)
	}
	return out, nil
}

// CleanupRateLimitRecords deletes counter rows older than the retention
// horizon and returns the number removed.
func (s *Store) CleanupRateLimitRecords(ctx context.Context, retentionDays int) (int64, error) {
	const q = `DELETE FROM rate_limit_records WHERE window_start < $1`
	horizon := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, q, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up rate limit records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AuditRecord is one persisted audit event.
type AuditRecord struct {
	EventType  string    `db:"event_type"`
	Timestamp  time.Time `db:"timestamp"`
	UserID     string    `db:"user_id"`
	Username   string    `db:"username"`
	ClientIP   string    `db:"client_ip"`
	UserAgent  string    `db:"user_agent"`
	Method     string    `db:"method"`
	Path       string    `db:"path"`
	StatusCode int       `db:"status_code"`
	RequestID  string    `db:"request_id"`
	Details    string    `db:"details"`
}

// InsertAuditRecord persists one audit event.
func (s *Store) InsertAuditRecord(ctx context.Context, rec AuditRecord) error {
	const q = `
		INSERT INTO audit_logs (event_type, timestamp, user_id, username, client_ip, user_agent, method, path, status_code, request_id, details)
		VALUES (:event_type, :timestamp, :user_id, :username, :client_ip, :user_agent, :method, :path, :status_code, :request_id, :details)`
	if _, err := s.db.NamedExecContext(ctx, q, rec); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// APIKeyRecord is the owner of one API key.
type APIKeyRecord struct {
	KeyHash  string `db:"key_hash"`
	UserID   string `db:"user_id"`
	Username string `db:"username"`
	Roles    string `db:"roles"` // comma separated
	Active   bool   `db:"active"`
}

// LookupAPIKey returns the active key record for hash, or nil when the
// hash is unknown or revoked.
func (s *Store) LookupAPIKey(ctx context.Context, hash string) (*APIKeyRecord, error) {
	const q = `
		SELECT key_hash, user_id, username, roles, active
		FROM api_keys
		WHERE key_hash = $1 AND active`
	var rec APIKeyRecord
	err := s.db.GetContext(ctx, &rec, q, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &rec, nil
}
