// ABOUTME: Structured audit logger for authentication, messaging, and admin actions
// ABOUTME: Best-effort store writes; audit failures never fail the audited operation

package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/michaelansel/c3po/internal/store"
)

// MaxEntries bounds the audit ring kept in the store.
const MaxEntries = 1000

// Logger records security-relevant events. Every entry is written to
// the structured log; store persistence is best effort so an audit
// failure never breaks the operation being audited.
type Logger struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an audit logger backed by the given store.
func New(s store.Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: s, logger: logger.With("component", "audit")}
}

// log writes one audit entry.
func (l *Logger) log(ctx context.Context, event, actor string, detail map[string]any) {
	entry := &store.AuditEntry{
		ID:        uuid.New().String(),
		Event:     event,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}

	attrs := []any{"event", event, "actor", actor}
	for k, v := range detail {
		attrs = append(attrs, k, v)
	}
	l.logger.Info("audit", attrs...)

	if err := l.store.AppendAudit(ctx, entry, MaxEntries); err != nil {
		l.logger.Warn("audit store write failed", "event", event, "error", err)
	}
}

// AuthSuccess records a successful authentication.
func (l *Logger) AuthSuccess(ctx context.Context, keyID, agentPattern, source string) {
	l.log(ctx, "auth_success", keyID, map[string]any{
		"agent_pattern": agentPattern,
		"source":        source,
	})
}

// AuthLegacyAdmin records acceptance of the deprecated admin token
// format without the server-secret prefix.
func (l *Logger) AuthLegacyAdmin(ctx context.Context, source string) {
	l.log(ctx, "auth_success", "admin", map[string]any{
		"source": source,
		"legacy": true,
	})
}

// AuthFailure records a failed authentication attempt.
func (l *Logger) AuthFailure(ctx context.Context, reason, source string) {
	l.log(ctx, "auth_failure", "", map[string]any{
		"reason": reason,
		"source": source,
	})
}

// AgentRegister records an agent registration.
func (l *Logger) AgentRegister(ctx context.Context, agentID, keyID, outcome string) {
	l.log(ctx, "agent_register", agentID, map[string]any{
		"key_id":  keyID,
		"outcome": outcome,
	})
}

// AgentUnregister records an agent unregistration.
func (l *Logger) AgentUnregister(ctx context.Context, agentID string, kept bool) {
	l.log(ctx, "agent_unregister", agentID, map[string]any{"kept": kept})
}

// MessageSend records a queued message.
func (l *Logger) MessageSend(ctx context.Context, fromAgent, toAgent, messageID string) {
	l.log(ctx, "message_send", fromAgent, map[string]any{
		"to_agent":   toAgent,
		"message_id": messageID,
	})
}

// MessageReply records a queued reply.
func (l *Logger) MessageReply(ctx context.Context, fromAgent, messageID, status string) {
	l.log(ctx, "message_reply", fromAgent, map[string]any{
		"message_id": messageID,
		"status":     status,
	})
}

// MessageAck records acknowledged messages.
func (l *Logger) MessageAck(ctx context.Context, agentID string, count int) {
	l.log(ctx, "message_ack", agentID, map[string]any{"count": count})
}

// KeyCreate records API key creation.
func (l *Logger) KeyCreate(ctx context.Context, keyID, agentPattern string) {
	l.log(ctx, "admin_key_create", "admin", map[string]any{
		"key_id":        keyID,
		"agent_pattern": agentPattern,
	})
}

// KeyRevoke records API key revocation.
func (l *Logger) KeyRevoke(ctx context.Context, keyID string) {
	l.log(ctx, "admin_key_revoke", "admin", map[string]any{"key_id": keyID})
}

// AuthorizationDenied records an agent-pattern scope denial.
func (l *Logger) AuthorizationDenied(ctx context.Context, agentID, keyID, pattern string) {
	l.log(ctx, "authorization_denied", keyID, map[string]any{
		"agent_id": agentID,
		"pattern":  pattern,
	})
}

// BulkRemove records an admin bulk agent removal.
func (l *Logger) BulkRemove(ctx context.Context, pattern string, removed []string) {
	l.log(ctx, "admin_bulk_remove", "admin", map[string]any{
		"pattern": pattern,
		"count":   len(removed),
	})
}

// RateLimitFailOpen records a store failure during a rate-limit check
// that was resolved by allowing the request.
func (l *Logger) RateLimitFailOpen(ctx context.Context, operation, identity string) {
	l.log(ctx, "rate_limit_fail_open", identity, map[string]any{
		"operation": operation,
	})
}

// BlobUpload records a stored blob.
func (l *Logger) BlobUpload(ctx context.Context, blobID, filename string, size int, uploader, source string) {
	l.log(ctx, "blob_upload", uploader, map[string]any{
		"blob_id":  blobID,
		"filename": filename,
		"size":     size,
		"source":   source,
	})
}

// BlobDownload records a blob fetch.
func (l *Logger) BlobDownload(ctx context.Context, blobID, requester, source string) {
	l.log(ctx, "blob_download", requester, map[string]any{
		"blob_id": blobID,
		"source":  source,
	})
}

// Recent returns up to limit entries, newest first, optionally
// filtered by event type.
func (l *Logger) Recent(ctx context.Context, limit int, eventFilter string) ([]*store.AuditEntry, error) {
	if limit <= 0 || limit > MaxEntries {
		limit = 100
	}
	return l.store.ListAudit(ctx, limit, eventFilter)
}
