// ABOUTME: Message engine: send, reply, peek, ack, and blocking waits
// ABOUTME: Inbox append always precedes the notify push so no token lacks its message

package messaging

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/michaelansel/c3po/internal/agents"
	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/audit"
	"github.com/michaelansel/c3po/internal/store"
)

// MaxMessageLength caps message and context bodies at 50 KB.
const MaxMessageLength = 50 * 1000

// Blocking wait bounds in seconds.
const (
	MinWaitTimeout = 1
	MaxWaitTimeout = 3600
)

// messageIDDelimiter separates the segments of a message id. Double
// colon is not a legal agent-id character sequence.
const messageIDDelimiter = "::"

// waitPollInterval bounds each blocking cycle so heartbeats refresh
// and shutdown is detected promptly during long waits.
const waitPollInterval = 10 * time.Second

var uuidSuffixPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

// Wait outcome statuses.
const (
	WaitStatusReceived = "received"
	WaitStatusTimeout  = "timeout"
	WaitStatusRetry    = "retry"
)

// WaitResult is the outcome of a blocking wait. Timeout is not an
// error: it comes back as a successful result with StatusTimeout.
type WaitResult struct {
	Status   string
	Messages []*store.Message
	Elapsed  float64
}

// Engine coordinates message delivery between agents.
type Engine struct {
	store      store.Store
	registry   *agents.Registry
	audit      *audit.Logger
	webhooks   *WebhookNotifier
	messageTTL time.Duration
	logger     *slog.Logger
}

// NewEngine creates a message engine.
func NewEngine(s store.Store, registry *agents.Registry, auditLog *audit.Logger, webhooks *WebhookNotifier, messageTTL time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      s,
		registry:   registry,
		audit:      auditLog,
		webhooks:   webhooks,
		messageTTL: messageTTL,
		logger:     logger.With("component", "messaging"),
	}
}

// newMessageID composes {from}::{to}::{8hex}. The suffix is the first
// four bytes of a v4 UUID, server-generated.
func newMessageID(fromAgent, toAgent string) string {
	u := uuid.New()
	return fromAgent + messageIDDelimiter + toAgent + messageIDDelimiter + hex.EncodeToString(u[:4])
}

// ParseMessageID validates and splits a message id into its sender
// and recipient segments.
func ParseMessageID(messageID, field string) (fromAgent, toAgent string, err *apierr.Error) {
	if messageID == "" {
		return "", "", apierr.InvalidRequest(field, "must be a non-empty message ID")
	}
	parts := strings.Split(messageID, messageIDDelimiter)
	if len(parts) != 3 {
		return "", "", apierr.InvalidRequest(field,
			"invalid format - must be 'from_agent::to_agent::uuid'")
	}
	fromAgent, toAgent, suffix := parts[0], parts[1], parts[2]
	if fromAgent == "" || toAgent == "" {
		return "", "", apierr.InvalidRequest(field, "from_agent and to_agent must be non-empty")
	}
	if len(fromAgent) > 64 || len(toAgent) > 64 {
		return "", "", apierr.InvalidRequest(field, "agent IDs must be 64 characters or less")
	}
	if !uuidSuffixPattern.MatchString(suffix) {
		return "", "", apierr.InvalidRequest(field, "UUID must be exactly 8 hex characters")
	}
	return fromAgent, toAgent, nil
}

func validateBody(body, field string) *apierr.Error {
	if strings.TrimSpace(body) == "" {
		return apierr.InvalidRequest(field, "cannot be empty")
	}
	if len(body) > MaxMessageLength {
		return apierr.InvalidRequest(field,
			fmt.Sprintf("exceeds maximum length of %d characters", MaxMessageLength))
	}
	return nil
}

// SendResult carries the queued message plus delivery annotations.
type SendResult struct {
	Message         *store.Message
	OfflineDelivery bool
}

// Send queues a message in the recipient's inbox and pushes one
// notify token. An unregistered target fails with AGENT_NOT_FOUND
// unless deliverOffline creates a placeholder first.
func (e *Engine) Send(ctx context.Context, fromAgent, toAgent, body, msgContext string, deliverOffline bool) (*SendResult, error) {
	if verr := agents.ValidateID(toAgent, "target"); verr != nil {
		return nil, verr
	}
	if verr := validateBody(body, "message"); verr != nil {
		return nil, verr
	}
	if len(msgContext) > MaxMessageLength {
		return nil, apierr.InvalidRequest("context",
			fmt.Sprintf("exceeds maximum length of %d characters", MaxMessageLength))
	}

	target, err := e.registry.Lookup(ctx, toAgent)
	if err != nil {
		return nil, err
	}
	if target == nil {
		if !deliverOffline {
			e.logger.Warn("send rejected", "from", fromAgent, "to", toAgent, "reason", "agent_not_found")
			return nil, e.notFound(ctx, toAgent)
		}
		if target, err = e.registry.EnsurePlaceholder(ctx, toAgent); err != nil {
			return nil, err
		}
		e.logger.Info("offline delivery", "from", fromAgent, "to", toAgent)
	}

	now := time.Now().UTC()
	msg := &store.Message{
		ID:        newMessageID(fromAgent, toAgent),
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Type:      store.MessageTypeMessage,
		Message:   body,
		Context:   msgContext,
		Timestamp: now,
		Status:    store.MessageStatusPending,
	}

	// Inbox append must precede the notify push: a failed send leaves
	// no token without its message, while the inverse is tolerated.
	if err := e.store.AppendMessage(ctx, msg, now.Add(e.messageTTL)); err != nil {
		return nil, fmt.Errorf("queueing message: %w", err)
	}
	e.store.NotifyPush(toAgent)

	e.logger.Info("message sent", "message_id", msg.ID, "from", fromAgent, "to", toAgent)
	e.audit.MessageSend(ctx, fromAgent, toAgent, msg.ID)
	e.webhooks.Notify(target)

	return &SendResult{
		Message:         msg,
		OfflineDelivery: target.Status == agents.StatusOffline,
	}, nil
}

// Reply queues a reply into the original sender's inbox. Only the
// original recipient named in the message id may reply.
func (e *Engine) Reply(ctx context.Context, fromAgent, messageID, response, status string) (*store.Message, error) {
	if verr := validateBody(response, "response"); verr != nil {
		return nil, verr
	}
	originalSender, originalRecipient, verr := ParseMessageID(messageID, "message_id")
	if verr != nil {
		return nil, verr
	}
	if fromAgent != originalRecipient {
		return nil, apierr.InvalidRequest("message_id",
			fmt.Sprintf("agent %q is not the recipient of this message (recipient is %q)",
				fromAgent, originalRecipient))
	}
	if status == "" {
		status = "success"
	}

	now := time.Now().UTC()
	reply := &store.Message{
		ID:          newMessageID(fromAgent, originalSender),
		FromAgent:   fromAgent,
		ToAgent:     originalSender,
		Type:        store.MessageTypeReply,
		Message:     response,
		ReplyTo:     messageID,
		ReplyStatus: status,
		Timestamp:   now,
		Status:      store.MessageStatusPending,
	}

	if err := e.store.AppendMessage(ctx, reply, now.Add(e.messageTTL)); err != nil {
		return nil, fmt.Errorf("queueing reply: %w", err)
	}
	e.store.NotifyPush(originalSender)

	e.logger.Info("reply sent",
		"message_id", messageID, "reply_id", reply.ID,
		"from", fromAgent, "to", originalSender, "status", status)
	e.audit.MessageReply(ctx, fromAgent, messageID, status)

	if target, err := e.registry.Lookup(ctx, originalSender); err == nil && target != nil {
		e.webhooks.Notify(target)
	}

	return reply, nil
}

// Get returns a non-destructive snapshot of the recipient's inbox in
// enqueue order. Messages remain queued until acknowledged.
func (e *Engine) Get(ctx context.Context, agentID string) ([]*store.Message, error) {
	msgs, err := e.store.ListInbox(ctx, agentID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reading inbox: %w", err)
	}
	e.logger.Debug("inbox peeked", "agent", agentID, "count", len(msgs))
	return msgs, nil
}

// Ack removes the listed message ids from the inbox. Absent ids are
// silently tolerated so retries are safe; malformed ids reject the
// whole batch before anything is removed.
func (e *Engine) Ack(ctx context.Context, agentID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	var invalid []string
	for _, id := range messageIDs {
		if _, _, verr := ParseMessageID(id, "message_ids"); verr != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		listed := invalid
		if len(listed) > 5 {
			listed = listed[:5]
		}
		return 0, apierr.InvalidRequest("message_ids",
			fmt.Sprintf("contains %d invalid ID(s): %s", len(invalid), strings.Join(listed, ", ")))
	}

	acked, err := e.store.DeleteMessages(ctx, agentID, messageIDs)
	if err != nil {
		return 0, fmt.Errorf("acking messages: %w", err)
	}
	e.logger.Info("messages acked", "agent", agentID, "requested", len(messageIDs), "acked", acked)
	e.audit.MessageAck(ctx, agentID, acked)
	return acked, nil
}

// HasPending reports whether unacknowledged messages are queued.
func (e *Engine) HasPending(ctx context.Context, agentID string) (bool, error) {
	n, err := e.store.InboxLen(ctx, agentID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("checking inbox: %w", err)
	}
	return n > 0, nil
}

// ValidateWaitTimeout enforces the 1-3600 second bound.
func ValidateWaitTimeout(seconds int) *apierr.Error {
	if seconds < MinWaitTimeout || seconds > MaxWaitTimeout {
		return apierr.InvalidRequest("timeout",
			fmt.Sprintf("must be between %d and %d seconds", MinWaitTimeout, MaxWaitTimeout))
	}
	return nil
}

// WaitAny blocks until any message is queued for the agent, or the
// timeout elapses. The returned snapshot is not acknowledged; the
// caller must ack explicitly. heartbeat, when non-nil, runs once per
// blocking cycle so the owning agent stays online through a long wait.
func (e *Engine) WaitAny(ctx context.Context, agentID string, timeoutSeconds int, heartbeat func()) (*WaitResult, error) {
	return e.wait(ctx, agentID, timeoutSeconds, heartbeat, func(msgs []*store.Message) []*store.Message {
		return msgs
	})
}

// WaitFor blocks until a reply correlated to replyTo arrives, or the
// timeout elapses. Other pending messages are left queued untouched.
func (e *Engine) WaitFor(ctx context.Context, agentID, replyTo string, timeoutSeconds int, heartbeat func()) (*WaitResult, error) {
	if _, _, verr := ParseMessageID(replyTo, "reply_to"); verr != nil {
		return nil, verr
	}
	return e.wait(ctx, agentID, timeoutSeconds, heartbeat, func(msgs []*store.Message) []*store.Message {
		var matches []*store.Message
		for _, m := range msgs {
			if m.Type == store.MessageTypeReply && m.ReplyTo == replyTo {
				matches = append(matches, m)
			}
		}
		return matches
	})
}

// wait is the shared long-poll loop. filter selects the messages that
// satisfy the wait from an inbox snapshot; an empty selection keeps
// blocking. Spurious notify tokens (message acked between signal and
// read) are tolerated by looping until the deadline.
func (e *Engine) wait(ctx context.Context, agentID string, timeoutSeconds int, heartbeat func(), filter func([]*store.Message) []*store.Message) (*WaitResult, error) {
	if verr := ValidateWaitTimeout(timeoutSeconds); verr != nil {
		return nil, verr
	}

	start := time.Now()
	deadline := start.Add(time.Duration(timeoutSeconds) * time.Second)

	// Fast path: work already queued. Consume at most one token so N
	// concurrent waiters serve up to N notifications.
	snapshot, err := e.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if matched := filter(snapshot); len(matched) > 0 {
		e.store.NotifyTryConsume(agentID)
		return &WaitResult{
			Status:   WaitStatusReceived,
			Messages: matched,
			Elapsed:  time.Since(start).Seconds(),
		}, nil
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.logger.Info("wait timeout", "agent", agentID, "timeout", timeoutSeconds)
			return &WaitResult{
				Status:  WaitStatusTimeout,
				Elapsed: time.Since(start).Seconds(),
			}, nil
		}
		slice := remaining
		if slice > waitPollInterval {
			slice = waitPollInterval
		}

		signalled, werr := e.store.NotifyWait(ctx, agentID, slice)

		if heartbeat != nil {
			heartbeat()
		}

		if werr != nil {
			// Cancelled mid-wait: the server is draining or the client
			// went away. Tell the caller to retry rather than failing.
			e.logger.Info("wait interrupted", "agent", agentID, "error", werr)
			return &WaitResult{
				Status:  WaitStatusRetry,
				Elapsed: time.Since(start).Seconds(),
			}, nil
		}
		if !signalled {
			continue
		}

		snapshot, err := e.Get(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if matched := filter(snapshot); len(matched) > 0 {
			e.logger.Info("wait received", "agent", agentID, "count", len(matched))
			return &WaitResult{
				Status:   WaitStatusReceived,
				Messages: matched,
				Elapsed:  time.Since(start).Seconds(),
			}, nil
		}
		// Stale token: the message was acked before we read. Keep
		// blocking until the deadline.
	}
}

// notFound builds an AGENT_NOT_FOUND error with a deliver_offline hint.
func (e *Engine) notFound(ctx context.Context, target string) *apierr.Error {
	var available []string
	if all, err := e.registry.List(ctx); err == nil {
		for _, a := range all {
			available = append(available, a.ID)
		}
	}
	aerr := apierr.AgentNotFound(target, available)
	aerr.Suggestion += " Pass deliver_offline=true to queue for an unregistered agent."
	return aerr
}
