package server

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies a security-relevant proxy action.
type AuditEvent string

const (
	AuditSessionOpened       AuditEvent = "session_opened"
	AuditChallengeIssued     AuditEvent = "challenge_issued"
	AuditSessionApproved     AuditEvent = "session_approved"
	AuditApproveFailure      AuditEvent = "approve_failure"
	AuditTokenUnlocked       AuditEvent = "token_unlocked"
	AuditUnlockFailure       AuditEvent = "unlock_failure"
	AuditPINRateLimited      AuditEvent = "pin_rate_limited"
	AuditCertificateExported AuditEvent = "certificate_exported"
	AuditKeyExported         AuditEvent = "key_exported"
)

// auditLogger wraps slog.Logger for structured audit logging. PINs are never
// logged.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{logger: logger.With("component", "audit")}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	ts := time.Now().UTC().Format(time.RFC3339)
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts),
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{Event: string(event), RemoteAddr: r.RemoteAddr, Timestamp: ts}
		if len(attrs) > 0 {
			evt.Attrs = make(map[string]string, len(attrs))
			for _, a := range attrs {
				evt.Attrs[a.Key] = a.Value.String()
			}
		}
		al.webhook.enqueue(evt)
	}
}
