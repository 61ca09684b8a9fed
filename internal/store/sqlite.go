// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/inbox/key/rate/audit/blob persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeFormat is a fixed-width RFC3339 variant. The padded
// fraction keeps lexicographic string comparison identical to
// chronological order, which the expiry predicates rely on.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	notify *notifyHub
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		notify: newNotifyHub(),
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '[]',
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			placeholder INTEGER NOT NULL DEFAULT 0,
			registered_at DATETIME NOT NULL,
			last_seen DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS inbox (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_inbox_agent
			ON inbox(agent_id, seq);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_inbox_agent_message
			ON inbox(agent_id, message_id);

		CREATE TABLE IF NOT EXISTS api_keys (
			key_hash TEXT PRIMARY KEY,
			key_id TEXT NOT NULL UNIQUE,
			bcrypt_hash TEXT NOT NULL,
			agent_pattern TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_used DATETIME NOT NULL,
			revoked_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS rate_events (
			operation TEXT NOT NULL,
			identity TEXT NOT NULL,
			ts REAL NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rate_op_identity
			ON rate_events(operation, identity, ts);

		CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			audit_id TEXT NOT NULL,
			event TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			ts DATETIME NOT NULL,
			detail_json TEXT
		);

		CREATE TABLE IF NOT EXISTS blobs (
			blob_id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			uploader TEXT NOT NULL DEFAULT '',
			content BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the database handle and wakes any blocked waiters.
func (s *SQLiteStore) Close() error {
	s.notify.wakeAll()
	return s.db.Close()
}

// --- Agents ---

// PutAgent inserts or replaces an agent record.
func (s *SQLiteStore) PutAgent(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, session_id, display_name, description, capabilities,
			webhook_url, webhook_secret, placeholder, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			session_id = excluded.session_id,
			display_name = excluded.display_name,
			description = excluded.description,
			capabilities = excluded.capabilities,
			webhook_url = excluded.webhook_url,
			webhook_secret = excluded.webhook_secret,
			placeholder = excluded.placeholder,
			registered_at = excluded.registered_at,
			last_seen = excluded.last_seen
	`,
		agent.ID,
		agent.SessionID,
		agent.DisplayName,
		agent.Description,
		string(caps),
		agent.WebhookURL,
		agent.WebhookSecret,
		boolToInt(agent.Placeholder),
		agent.RegisteredAt.UTC().Format(sqliteTimeFormat),
		agent.LastSeen.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

const agentColumns = `agent_id, session_id, display_name, description, capabilities,
	webhook_url, webhook_secret, placeholder, registered_at, last_seen`

func scanAgent(scanner interface{ Scan(dest ...any) error }) (*Agent, error) {
	var a Agent
	var caps, registeredAt, lastSeen string
	var placeholder int
	if err := scanner.Scan(
		&a.ID,
		&a.SessionID,
		&a.DisplayName,
		&a.Description,
		&caps,
		&a.WebhookURL,
		&a.WebhookSecret,
		&placeholder,
		&registeredAt,
		&lastSeen,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}
	var err error
	if a.RegisteredAt, err = time.Parse(sqliteTimeFormat, registeredAt); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if a.LastSeen, err = time.Parse(sqliteTimeFormat, lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	a.Placeholder = placeholder != 0
	return &a, nil
}

// GetAgent returns the agent with the given ID, or ErrNotFound.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agent records ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	agents := []*Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// TouchAgent updates last_seen iff the record exists. Returns whether
// a record was updated.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, seen time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen = ? WHERE agent_id = ?`,
		seen.UTC().Format(sqliteTimeFormat), id)
	if err != nil {
		return false, fmt.Errorf("touching agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touching agent: %w", err)
	}
	return n > 0, nil
}

// DeleteAgent removes an agent record. Returns whether a record existed.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting agent: %w", err)
	}
	return n > 0, nil
}

// --- Inbox ---

// AppendMessage appends a message to the recipient's inbox. The
// autoincrement seq column preserves FIFO enqueue order across
// concurrent senders.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message, expiresAt time.Time) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inbox (agent_id, message_id, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		msg.ToAgent,
		msg.ID,
		string(payload),
		msg.Timestamp.UTC().Format(sqliteTimeFormat),
		expiresAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// ListInbox returns a snapshot of the recipient's inbox in enqueue
// order, excluding expired entries.
func (s *SQLiteStore) ListInbox(ctx context.Context, agentID string, now time.Time) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM inbox
		WHERE agent_id = ? AND expires_at > ?
		ORDER BY seq
	`, agentID, now.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return nil, fmt.Errorf("querying inbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*Message{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning inbox entry: %w", err)
		}
		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("unmarshaling inbox entry: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating inbox: %w", err)
	}
	return messages, nil
}

// DeleteMessages removes the listed message IDs from the recipient's
// inbox. Absent IDs are silently tolerated; the returned count is the
// number of rows actually removed.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, agentID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, agentID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM inbox WHERE agent_id = ? AND message_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return int(n), nil
}

// InboxLen returns the number of unexpired entries in the inbox.
func (s *SQLiteStore) InboxLen(ctx context.Context, agentID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbox WHERE agent_id = ? AND expires_at > ?`,
		agentID, now.UTC().Format(sqliteTimeFormat)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting inbox: %w", err)
	}
	return n, nil
}

// DeleteInbox removes all inbox entries for the agent.
func (s *SQLiteStore) DeleteInbox(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("deleting inbox: %w", err)
	}
	s.notify.clear(agentID)
	return nil
}

// PruneExpired removes expired inbox entries and blobs. Returns the
// number of rows removed.
func (s *SQLiteStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	ts := now.UTC().Format(sqliteTimeFormat)
	var total int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE expires_at <= ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("pruning inbox: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	res, err = s.db.ExecContext(ctx, `DELETE FROM blobs WHERE expires_at <= ?`, ts)
	if err != nil {
		return total, fmt.Errorf("pruning blobs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// --- API keys ---

// PutAPIKey inserts a new API key record.
func (s *SQLiteStore) PutAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, key_id, bcrypt_hash, agent_pattern, description, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		key.KeyHash,
		key.KeyID,
		key.BcryptHash,
		key.AgentPattern,
		key.Description,
		key.CreatedAt.UTC().Format(sqliteTimeFormat),
		key.LastUsed.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

func scanAPIKey(scanner interface{ Scan(dest ...any) error }) (*APIKey, error) {
	var k APIKey
	var createdAt, lastUsed string
	var revokedAt sql.NullString
	if err := scanner.Scan(
		&k.KeyHash,
		&k.KeyID,
		&k.BcryptHash,
		&k.AgentPattern,
		&k.Description,
		&createdAt,
		&lastUsed,
		&revokedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if k.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if k.LastUsed, err = time.Parse(sqliteTimeFormat, lastUsed); err != nil {
		return nil, fmt.Errorf("parsing last_used: %w", err)
	}
	if revokedAt.Valid {
		t, err := time.Parse(sqliteTimeFormat, revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing revoked_at: %w", err)
		}
		k.RevokedAt = &t
	}
	return &k, nil
}

const apiKeyColumns = `key_hash, key_id, bcrypt_hash, agent_pattern, description, created_at, last_used, revoked_at`

// GetAPIKeyByHash looks up an unrevoked key by its sha256 index.
func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL`, keyHash)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return key, nil
}

// TouchAPIKey updates the last_used timestamp for a key.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, keyHash string, used time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ? WHERE key_hash = ?`,
		used.UTC().Format(sqliteTimeFormat), keyHash); err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	return nil
}

// RevokeAPIKey marks a key revoked by its key_id. Returns whether an
// unrevoked key was found.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, keyID string, revoked time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE key_id = ? AND revoked_at IS NULL`,
		revoked.UTC().Format(sqliteTimeFormat), keyID)
	if err != nil {
		return false, fmt.Errorf("revoking api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoking api key: %w", err)
	}
	return n > 0, nil
}

// ListAPIKeys returns all key records, including revoked ones.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []*APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}
	return keys, nil
}

// --- Rate-limit window ---

// RateCount prunes entries older than windowStart and returns the
// count remaining in the window.
func (s *SQLiteStore) RateCount(ctx context.Context, operation, identity string, windowStart time.Time) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_events WHERE operation = ? AND identity = ? AND ts < ?`,
		operation, identity, timeToScore(windowStart)); err != nil {
		return 0, fmt.Errorf("pruning rate window: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_events WHERE operation = ? AND identity = ?`,
		operation, identity).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rate window: %w", err)
	}
	return n, nil
}

// RateRecord appends one event to the window.
func (s *SQLiteStore) RateRecord(ctx context.Context, operation, identity string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_events (operation, identity, ts) VALUES (?, ?, ?)`,
		operation, identity, timeToScore(at)); err != nil {
		return fmt.Errorf("recording rate event: %w", err)
	}
	return nil
}

func timeToScore(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// --- Audit ---

// AppendAudit inserts an audit entry and trims the ring to maxEntries.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry, maxEntries int) error {
	var detailJSON *string
	if entry.Detail != nil {
		data, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, event, actor, ts, detail_json)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.Event,
		entry.Actor,
		entry.Timestamp.UTC().Format(sqliteTimeFormat),
		detailJSON,
	); err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	if maxEntries > 0 {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM audit_log WHERE seq <= (
				SELECT seq FROM audit_log ORDER BY seq DESC LIMIT 1 OFFSET ?
			)
		`, maxEntries); err != nil {
			return fmt.Errorf("trimming audit log: %w", err)
		}
	}
	return nil
}

// ListAudit returns up to limit entries, newest first, optionally
// filtered by event type.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit int, eventFilter string) ([]*AuditEntry, error) {
	query := `SELECT audit_id, event, actor, ts, detail_json FROM audit_log`
	args := []any{}
	if eventFilter != "" {
		query += ` WHERE event = ?`
		args = append(args, eventFilter)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []*AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var ts string
		var detailJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Event, &e.Actor, &ts, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(sqliteTimeFormat, ts); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		if detailJSON.Valid {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// --- Blobs ---

// PutBlob inserts a blob.
func (s *SQLiteStore) PutBlob(ctx context.Context, blob *Blob) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (blob_id, filename, mime_type, size, uploader, content, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		blob.ID,
		blob.Filename,
		blob.MimeType,
		blob.Size,
		blob.Uploader,
		blob.Content,
		blob.CreatedAt.UTC().Format(sqliteTimeFormat),
		blob.ExpiresAt.UTC().Format(sqliteTimeFormat),
	); err != nil {
		return fmt.Errorf("inserting blob: %w", err)
	}
	return nil
}

// GetBlob returns an unexpired blob by ID, or ErrNotFound.
func (s *SQLiteStore) GetBlob(ctx context.Context, id string, now time.Time) (*Blob, error) {
	var b Blob
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT blob_id, filename, mime_type, size, uploader, content, created_at, expires_at
		FROM blobs WHERE blob_id = ? AND expires_at > ?
	`, id, now.UTC().Format(sqliteTimeFormat)).Scan(
		&b.ID, &b.Filename, &b.MimeType, &b.Size, &b.Uploader, &b.Content, &createdAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying blob: %w", err)
	}
	if b.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing blob created_at: %w", err)
	}
	if b.ExpiresAt, err = time.Parse(sqliteTimeFormat, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing blob expires_at: %w", err)
	}
	return &b, nil
}

// --- Notify ---

// NotifyPush pushes one wake token for the agent.
func (s *SQLiteStore) NotifyPush(agentID string) { s.notify.push(agentID) }

// NotifyTryConsume consumes a pending token without blocking.
func (s *SQLiteStore) NotifyTryConsume(agentID string) bool { return s.notify.tryConsume(agentID) }

// NotifyWait blocks until a token arrives, the timeout elapses, or the
// context is cancelled. Returns true iff a token was consumed.
func (s *SQLiteStore) NotifyWait(ctx context.Context, agentID string, timeout time.Duration) (bool, error) {
	return s.notify.wait(ctx, agentID, timeout)
}

// NotifyClear drops all pending tokens for the agent.
func (s *SQLiteStore) NotifyClear(agentID string) { s.notify.clear(agentID) }

// NotifyWakeAll wakes every blocked waiter, used during shutdown drain.
func (s *SQLiteStore) NotifyWakeAll() { s.notify.wakeAll() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
