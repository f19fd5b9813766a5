package tenauth

import (
	"context"

	"github.com/veldtlabs/tenauth/internal/audit"
)

// Audit event types emitted by the Service. Stable strings; downstream
// pipelines filter on them.
const (
	EventUserCreated          = "user_created"
	EventLoginSuccess         = "login_success"
	EventLoginFailure         = "login_failure"
	EventLoginLocked          = "login_locked"
	EventMFAChallengeIssued   = "mfa_challenge_issued"
	EventMFASuccess           = "mfa_success"
	EventMFAFailure           = "mfa_failure"
	EventMFASetup             = "mfa_setup"
	EventPasswordChanged      = "password_changed"
	EventPasswordResetRequest = "password_reset_requested"
	EventPasswordReset        = "password_reset"
	EventTokenRefreshed       = "token_refreshed"
	EventRefreshReuseDetected = "refresh_reuse_detected"
	EventLogout               = "logout"
	EventLogoutAll            = "logout_all"
)

// AuditEvent is the tenant-scoped audit record. Alias of the internal
// model so sinks can be implemented outside this module.
type AuditEvent = audit.Event

// AuditSink receives dispatched audit events.
type AuditSink = audit.Sink

// NewChannelAuditSink returns a sink whose events are read from a channel.
func NewChannelAuditSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONAuditSink returns a sink writing one JSON event per line.
var NewJSONAuditSink = audit.NewJSONWriterSink

// emitAudit fires an event without ever blocking or failing the calling
// operation. Client IP is taken from ctx when present.
func (s *Service) emitAudit(ctx context.Context, event AuditEvent) {
	if s.auditor == nil {
		return
	}
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	s.auditor.Emit(ctx, event)
}

// AuditDropped reports how many audit events were shed under buffer
// pressure since startup.
func (s *Service) AuditDropped() uint64 {
	return s.auditor.Dropped()
}
