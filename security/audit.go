// Package security provides the security plumbing of the authorization core:
// audit logging, per-identifier rate limiting, response security headers,
// token digests, request IDs, and clock-skew-tolerant expiry checks.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types emitted by the authorization core.
const (
	EventCodeIssued           = "authorization_code_issued"
	EventCodeExchanged        = "authorization_code_exchanged"
	EventCodeReuseDetected    = "authorization_code_reuse_detected"
	EventTokenIssued          = "token_issued"
	EventTokenRefreshed       = "token_refreshed"
	EventTokenRevoked         = "token_revoked"
	EventTokenReuseDetected   = "refresh_token_reuse_detected"
	EventFamilyRevoked        = "refresh_token_family_revoked"
	EventAuthFailure          = "auth_failure"
	EventPKCEValidationFailed = "pkce_validation_failed"
	EventInsufficientScope    = "insufficient_scope"
	EventRateLimitExceeded    = "rate_limit_exceeded"
)

// AuditMetrics counts audit events in the telemetry pipeline.
type AuditMetrics interface {
	RecordAuditEvent(ctx context.Context, eventType string)
}

// Auditor handles security event logging with PII protection. Subject IDs are
// hashed before logging so audit trails can be correlated without exposing
// user identifiers.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics AuditMetrics
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// SetMetrics attaches a counter so every audit event is also visible in the
// metrics pipeline.
func (a *Auditor) SetMetrics(metrics AuditMetrics) {
	a.metrics = metrics
}

// Event represents a security audit event.
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs a successful token grant.
func (a *Auditor) LogTokenIssued(subjectID, clientID, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs a refresh-token rotation.
func (a *Auditor) LogTokenRefreshed(subjectID, clientID string, generation int) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details:   map[string]any{"generation": generation},
	})
}

// LogTokenRevoked logs an explicit token revocation.
func (a *Auditor) LogTokenRevoked(subjectID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details:   map[string]any{"token_type": tokenType},
	})
}

// LogAuthFailure logs an authentication or grant failure.
func (a *Auditor) LogAuthFailure(subjectID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogReuseDetected logs a code or refresh-token replay with the containment
// action taken.
func (a *Auditor) LogReuseDetected(eventType, subjectID, clientID, familyID string, revoked int) {
	a.LogEvent(Event{
		Type:      eventType,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"severity":       "critical",
			"family_id":      familyID,
			"tokens_revoked": revoked,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, subjectID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		SubjectID: subjectID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for
// logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
