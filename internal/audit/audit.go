// Package audit records security-relevant events. Events are queued and
// written off the request path; shutdown drains the queue so nothing is
// lost on a clean exit.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/microgate/gateway/internal/logging"
	"github.com/microgate/gateway/internal/storage"
)

// Event types.
const (
	EventAuthSuccess       = "auth_success"
	EventAuthFailure       = "auth_failure"
	EventLoginAttempt      = "login_attempt"
	EventTokenRefresh      = "token_refresh"
	EventTokenRevoked      = "token_revoked"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventCircuitOpen       = "circuit_open"
)

// Event is one audit entry.
type Event struct {
	Type       string
	Timestamp  time.Time
	UserID     string
	Username   string
	ClientIP   string
	UserAgent  string
	Method     string
	Path       string
	StatusCode int
	RequestID  string
	Details    string
}

// Sink persists audit events durably. Implemented by the storage layer;
// nil disables persistence and events go to the audit log stream only.
type Sink interface {
	InsertAuditRecord(ctx context.Context, rec storage.AuditRecord) error
}

// Logger queues and writes audit events.
type Logger struct {
	sink   Sink
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewLogger starts the audit worker. Queue overflow drops events rather
// than blocking request handling.
func NewLogger(sink Sink) *Logger {
	l := &Logger{
		sink:   sink,
		events: make(chan Event, 1024),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues an event. Never blocks. Events recorded after Drain
// are dropped; a handler still finishing during shutdown must not
// panic the process.
func (l *Logger) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		logging.Warn("audit logger stopped, dropping event", zap.String("event_type", ev.Type))
		return
	}
	select {
	case l.events <- ev:
	default:
		logging.Warn("audit queue full, dropping event", zap.String("event_type", ev.Type))
	}
}

// Drain stops intake, flushes queued events, and waits up to the
// context deadline.
func (l *Logger) Drain(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
	l.mu.Unlock()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.events {
		l.write(ev)
	}
}

func (l *Logger) write(ev Event) {
	logging.Global().Audit.Info(ev.Type,
		zap.Time("event_time", ev.Timestamp),
		zap.String("user_id", ev.UserID),
		zap.String("username", ev.Username),
		zap.String("client_ip", ev.ClientIP),
		zap.String("user_agent", ev.UserAgent),
		zap.String("method", ev.Method),
		zap.String("path", ev.Path),
		zap.Int("status_code", ev.StatusCode),
		zap.String("request_id", ev.RequestID),
		zap.String("details", ev.Details),
	)

	if l.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.sink.InsertAuditRecord(ctx, storage.AuditRecord{
		EventType:  ev.Type,
		Timestamp:  ev.Timestamp,
		UserID:     ev.UserID,
		Username:   ev.Username,
		ClientIP:   ev.ClientIP,
		UserAgent:  ev.UserAgent,
		Method:     ev.Method,
		Path:       ev.Path,
		StatusCode: ev.StatusCode,
		RequestID:  ev.RequestID,
		Details:    ev.Details,
	})
	if err != nil {
		logging.Warn("audit persistence failed", zap.Error(err))
	}
}
