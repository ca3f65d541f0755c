package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditAuthFailure     AuditEvent = "auth_failure"
	AuditAuthRateLimited AuditEvent = "auth_rate_limited"
	AuditCAGenerated     AuditEvent = "ca_generated"
	AuditCAActivated     AuditEvent = "ca_activated"
	AuditCADeactivated   AuditEvent = "ca_deactivated"
	AuditKeyExported     AuditEvent = "key_exported"
	AuditCertIssued      AuditEvent = "cert_issued"
	AuditCertRevoked     AuditEvent = "cert_revoked"
	AuditCertDeleted     AuditEvent = "cert_deleted"
	AuditCRLRebuilt      AuditEvent = "crl_rebuilt"
)

// auditLogger wraps slog.Logger for structured audit logging of CA
// operations. Events are also fed to the anomaly detector and forwarded to
// the webhook when those are configured.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, actor string, attrs ...slog.Attr) {
	now := time.Now().UTC().Format(time.RFC3339)
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now),
	}
	if actor != "" {
		baseAttrs = append(baseAttrs, slog.String("actor", actor))
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			Actor:      actor,
			RemoteAddr: r.RemoteAddr,
			Timestamp:  now,
		}
		if len(attrs) > 0 {
			evt.Attrs = make(map[string]string, len(attrs))
			for _, a := range attrs {
				evt.Attrs[a.Key] = a.Value.String()
			}
		}
		al.webhook.enqueue(evt)
	}
}

// logEvent records a successful administrative action by actor.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, actor string, extra ...slog.Attr) {
	al.log(event, r, actor, extra...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, "", attrs...)
}
