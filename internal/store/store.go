// ABOUTME: Store interface and data types for coordinator persistence
// ABOUTME: Defines Agent, Message, APIKey, AuditEntry, Blob and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// MessageType constants for message types.
const (
	MessageTypeMessage = "message" // Initiating message
	MessageTypeReply   = "reply"   // Reply correlated to a prior message
)

// Message status constants.
const (
	MessageStatusPending = "pending"
	MessageStatusAcked   = "acked"
)

// Agent represents a registered agent. Status is derived from
// LastSeen at read time and never persisted.
type Agent struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"name,omitempty"`
	Description   string    `json:"description"`
	Capabilities  []string  `json:"capabilities"`
	SessionID     string    `json:"session_id,omitempty"`
	WebhookURL    string    `json:"webhook_url,omitempty"`
	WebhookSecret string    `json:"webhook_secret,omitempty"`
	Placeholder   bool      `json:"placeholder,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeen      time.Time `json:"last_seen"`
	Status        string    `json:"status,omitempty"`
}

// Sanitized returns a copy safe to hand to callers: the webhook
// secret is never visible outside the coordinator.
func (a *Agent) Sanitized() *Agent {
	c := *a
	c.WebhookSecret = ""
	return &c
}

// Message represents one entry in a recipient's inbox. The ID has the
// shape {from_agent}::{to_agent}::{8-hex}; ToAgent always matches the
// inbox the message is stored under.
type Message struct {
	ID          string    `json:"id"`
	FromAgent   string    `json:"from_agent"`
	ToAgent     string    `json:"to_agent"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Context     string    `json:"context,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	ReplyStatus string    `json:"reply_status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
}

// APIKey represents an issued agent credential. The raw key is never
// stored: KeyHash (sha256) serves as the lookup index and BcryptHash
// as the verification record.
type APIKey struct {
	KeyID        string     `json:"key_id"`
	KeyHash      string     `json:"-"`
	BcryptHash   string     `json:"-"`
	AgentPattern string     `json:"agent_pattern"`
	Description  string     `json:"description"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsed     time.Time  `json:"last_used"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// AuditEntry is one append-only security event.
type AuditEntry struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Blob is a temporary content transfer between agents.
type Blob struct {
	ID        string    `json:"blob_id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Size      int       `json:"size"`
	Uploader  string    `json:"uploader,omitempty"`
	Content   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store defines the persistence interface for all coordinator state.
type Store interface {
	// Agents
	PutAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	TouchAgent(ctx context.Context, id string, seen time.Time) (bool, error)
	DeleteAgent(ctx context.Context, id string) (bool, error)

	// Inbox (FIFO per recipient, TTL at the entry level)
	AppendMessage(ctx context.Context, msg *Message, expiresAt time.Time) error
	ListInbox(ctx context.Context, agentID string, now time.Time) ([]*Message, error)
	DeleteMessages(ctx context.Context, agentID string, ids []string) (int, error)
	InboxLen(ctx context.Context, agentID string, now time.Time) (int, error)
	DeleteInbox(ctx context.Context, agentID string) error
	PruneExpired(ctx context.Context, now time.Time) (int64, error)

	// API keys
	PutAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	TouchAPIKey(ctx context.Context, keyHash string, used time.Time) error
	RevokeAPIKey(ctx context.Context, keyID string, revoked time.Time) (bool, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)

	// Rate-limit window (sorted by timestamp, pruned on read)
	RateCount(ctx context.Context, operation, identity string, windowStart time.Time) (int, error)
	RateRecord(ctx context.Context, operation, identity string, at time.Time) error

	// Audit (bounded ring, newest first)
	AppendAudit(ctx context.Context, entry *AuditEntry, maxEntries int) error
	ListAudit(ctx context.Context, limit int, eventFilter string) ([]*AuditEntry, error)

	// Blobs
	PutBlob(ctx context.Context, blob *Blob) error
	GetBlob(ctx context.Context, id string, now time.Time) (*Blob, error)

	// Notify channel: the blocking-pop primitive long-poll waits use.
	// Each inbox append pushes exactly one token; a waiter consumes at
	// most one. Tokens may outlive their message (spurious wakeups),
	// which waiters tolerate by re-reading the inbox.
	NotifyPush(agentID string)
	NotifyTryConsume(agentID string) bool
	NotifyWait(ctx context.Context, agentID string, timeout time.Duration) (bool, error)
	NotifyClear(agentID string)
	NotifyWakeAll()

	// Close releases any resources held by the store
	Close() error
}
