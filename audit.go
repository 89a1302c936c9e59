package trustkit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Audit event types emitted by the Core.
const (
	EventLogin             = "login"
	EventLoginTwoFactor    = "login.twofactor"
	EventTwoFactorEnroll   = "twofactor.enroll"
	EventTwoFactorEnable   = "twofactor.enable"
	EventTwoFactorDisable  = "twofactor.disable"
	EventRecoveryRedeem    = "twofactor.recovery_redeem"
	EventSessionRevoke     = "session.revoke"
	EventSessionRevokeAll  = "session.revoke_all"
	EventTokenIssue        = "token.issue"
	EventTokenRedeem       = "token.redeem"
	EventPasswordReset     = "password.reset"
	EventEmailVerified     = "email.verified"
	EventDeletionScheduled = "account.deletion_scheduled"
)

// AuditEvent is one security-relevant decision. Events never carry
// plaintext credentials, secrets, or token values.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives events from the Core's dispatcher. Implementations
// must tolerate concurrent calls.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards everything.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink hands events to a consumer-owned channel.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to the wrapped writer.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
