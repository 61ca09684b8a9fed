// ABOUTME: Agent registration, collision resolution, heartbeats, and lifecycle
// ABOUTME: Registry state lives in the store; status is derived at read time

package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/store"
)

// Outcome describes how a Register call resolved.
type Outcome string

const (
	OutcomeCreated     Outcome = "created"     // no prior record
	OutcomeReconnected Outcome = "reconnected" // same session touched its record
	OutcomeTookOver    Outcome = "took_over"   // offline record overwritten
	OutcomeSuffixed    Outcome = "suffixed"    // live collision, -N suffix assigned
)

// MaxCollisionProbes bounds suffix probing: requested-2 through
// requested-100. Exhaustion fails with REGISTRATION_EXHAUSTED.
const MaxCollisionProbes = 99

// Agent status values derived from last_seen.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// agentIDPattern validates agent identifiers: 1-64 characters,
// alphanumeric start, then alphanumerics plus _ . / -.
var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_./-]{0,63}$`)

// ValidateID checks an agent id for well-formedness. Bare ids without
// a "/" separator are rejected: the canonical shape is machine/project.
func ValidateID(agentID, field string) *apierr.Error {
	if agentID == "" {
		return apierr.InvalidRequest(field, "cannot be empty")
	}
	if !agentIDPattern.MatchString(agentID) {
		return apierr.InvalidRequest(field,
			"must be 1-64 characters, alphanumeric with _ . / - (no leading special chars)")
	}
	if !strings.Contains(agentID, "/") {
		return apierr.InvalidRequest(field,
			"bare machine name is not a valid agent ID; use machine/project")
	}
	return nil
}

// Registry maintains agent records in the store.
type Registry struct {
	store        store.Store
	heartbeatTTL time.Duration
	messageTTL   time.Duration
	logger       *slog.Logger
}

// NewRegistry creates a registry with the given liveness window.
func NewRegistry(s store.Store, heartbeatTTL, messageTTL time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        s,
		heartbeatTTL: heartbeatTTL,
		messageTTL:   messageTTL,
		logger:       logger.With("component", "agents"),
	}
}

// status derives online/offline from last_seen at the given instant.
func (r *Registry) status(a *store.Agent, now time.Time) string {
	if now.Sub(a.LastSeen) <= r.heartbeatTTL {
		return StatusOnline
	}
	return StatusOffline
}

// withStatus stamps the derived status onto a copy-safe record.
func (r *Registry) withStatus(a *store.Agent, now time.Time) *store.Agent {
	a.Status = r.status(a, now)
	return a
}

// Register assigns a canonical id to the calling session.
//
//  1. No record at the requested id: create it.
//  2. Same session (or no session id while the record is online, the
//     static-config reconnect case): heartbeat touch.
//  3. Different session, record offline: take over the id.
//  4. Different session, record live: probe -2, -3, ... up to the cap
//     and create at the first free slot.
func (r *Registry) Register(ctx context.Context, requestedID, sessionID string, capabilities []string, displayName string) (*store.Agent, Outcome, error) {
	if verr := ValidateID(requestedID, "agent_id"); verr != nil {
		return nil, "", verr
	}
	now := time.Now().UTC()

	existing, err := r.store.GetAgent(ctx, requestedID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("looking up agent: %w", err)
	}

	if existing != nil {
		online := r.status(existing, now) == StatusOnline
		sameSession := sessionID != "" && existing.SessionID == sessionID
		implicitReconnect := sessionID == "" && online

		if sameSession || implicitReconnect {
			existing.LastSeen = now
			if capabilities != nil {
				existing.Capabilities = capabilities
			}
			if displayName != "" {
				existing.DisplayName = displayName
			}
			existing.Placeholder = false
			if err := r.store.PutAgent(ctx, existing); err != nil {
				return nil, "", fmt.Errorf("updating agent: %w", err)
			}
			r.logger.Debug("agent heartbeat", "agent", requestedID)
			return r.withStatus(existing, now), OutcomeReconnected, nil
		}

		if online {
			canonical, err := r.probeFreeSlot(ctx, requestedID, now)
			if err != nil {
				return nil, "", err
			}
			r.logger.Warn("agent collision", "requested", requestedID, "resolved", canonical)
			agent, err := r.create(ctx, canonical, sessionID, capabilities, displayName, now)
			if err != nil {
				return nil, "", err
			}
			return agent, OutcomeSuffixed, nil
		}

		// Offline record with a different session: the id is free to
		// take over. Pending inbox entries are inherited.
		agent, err := r.create(ctx, requestedID, sessionID, capabilities, displayName, now)
		if err != nil {
			return nil, "", err
		}
		r.logger.Info("agent took over offline id", "agent", requestedID, "session", sessionID)
		return agent, OutcomeTookOver, nil
	}

	agent, err := r.create(ctx, requestedID, sessionID, capabilities, displayName, now)
	if err != nil {
		return nil, "", err
	}
	r.logger.Info("agent registered", "agent", requestedID, "session", sessionID)
	return agent, OutcomeCreated, nil
}

func (r *Registry) create(ctx context.Context, id, sessionID string, capabilities []string, displayName string, now time.Time) (*store.Agent, error) {
	if capabilities == nil {
		capabilities = []string{}
	}
	agent := &store.Agent{
		ID:           id,
		DisplayName:  displayName,
		Capabilities: capabilities,
		SessionID:    sessionID,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return r.withStatus(agent, now), nil
}

// probeFreeSlot finds the first available suffixed id. A slot is free
// if no record exists there or the existing record is offline.
func (r *Registry) probeFreeSlot(ctx context.Context, baseID string, now time.Time) (string, error) {
	for i := 2; i <= MaxCollisionProbes+1; i++ {
		candidate := fmt.Sprintf("%s-%d", baseID, i)
		existing, err := r.store.GetAgent(ctx, candidate)
		if errors.Is(err, store.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("probing collision slot: %w", err)
		}
		if r.status(existing, now) == StatusOffline {
			return candidate, nil
		}
	}
	return "", apierr.RegistrationExhausted(baseID, MaxCollisionProbes)
}

// Heartbeat updates last_seen iff the record exists. Idempotent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (bool, error) {
	touched, err := r.store.TouchAgent(ctx, agentID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("touching heartbeat: %w", err)
	}
	return touched, nil
}

// Get returns a single agent with derived status, or AGENT_NOT_FOUND.
func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, r.notFound(ctx, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	return r.withStatus(agent, time.Now().UTC()), nil
}

// Lookup returns an agent or nil without constructing a not-found
// error, for callers that branch on existence.
func (r *Registry) Lookup(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}
	return r.withStatus(agent, time.Now().UTC()), nil
}

// List returns all records with derived status.
func (r *Registry) List(ctx context.Context) ([]*store.Agent, error) {
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	now := time.Now().UTC()
	for _, a := range all {
		a.Status = r.status(a, now)
	}
	return all, nil
}

// CountOnline returns the number of currently online agents.
func (r *Registry) CountOnline(ctx context.Context) (int, error) {
	all, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range all {
		if a.Status == StatusOnline {
			count++
		}
	}
	return count, nil
}

// SetDescription updates the agent's description without touching its
// heartbeat.
func (r *Registry) SetDescription(ctx context.Context, agentID, description string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, r.notFound(ctx, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	agent.Description = description
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("updating agent: %w", err)
	}
	r.logger.Info("agent description set", "agent", agentID)
	return r.withStatus(agent, time.Now().UTC()), nil
}

// SetWebhook stores webhook delivery configuration for an agent.
func (r *Registry) SetWebhook(ctx context.Context, agentID, url, secret string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, r.notFound(ctx, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	agent.WebhookURL = url
	agent.WebhookSecret = secret
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("updating agent: %w", err)
	}
	r.logger.Info("agent webhook set", "agent", agentID)
	return r.withStatus(agent, time.Now().UTC()), nil
}

// ClearWebhook removes webhook configuration. Idempotent.
func (r *Registry) ClearWebhook(ctx context.Context, agentID string) (*store.Agent, error) {
	return r.SetWebhook(ctx, agentID, "", "")
}

// EnsurePlaceholder creates an offline placeholder record so messages
// can queue for an agent that has not yet registered. Placeholders are
// cleaned up by the scavenger once their inbox drains.
func (r *Registry) EnsurePlaceholder(ctx context.Context, agentID string) (*store.Agent, error) {
	existing, err := r.store.GetAgent(ctx, agentID)
	if err == nil {
		return r.withStatus(existing, time.Now().UTC()), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}
	now := time.Now().UTC()
	agent := &store.Agent{
		ID:           agentID,
		Capabilities: []string{},
		Placeholder:  true,
		RegisteredAt: now,
		LastSeen:     time.Unix(0, 0).UTC(),
	}
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("creating placeholder: %w", err)
	}
	r.logger.Info("placeholder agent created", "agent", agentID)
	return r.withStatus(agent, now), nil
}

// MarkOffline rewinds last_seen to the epoch so the record reads as
// offline immediately while remaining in the registry.
func (r *Registry) MarkOffline(ctx context.Context, agentID string) (bool, error) {
	touched, err := r.store.TouchAgent(ctx, agentID, time.Unix(0, 0).UTC())
	if err != nil {
		return false, fmt.Errorf("marking agent offline: %w", err)
	}
	return touched, nil
}

// UnregisterResult reports how an unregister resolved.
type UnregisterResult struct {
	Removed         bool
	Kept            bool
	PendingMessages bool
}

// Unregister handles graceful disconnect. With keep=true, or when
// messages are still queued, the record stays and is marked offline so
// the inbox survives a reconnect. Otherwise record, inbox, and notify
// state are removed.
func (r *Registry) Unregister(ctx context.Context, agentID string, keep bool) (*UnregisterResult, error) {
	pending, err := r.store.InboxLen(ctx, agentID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("checking inbox: %w", err)
	}

	if keep || pending > 0 {
		marked, err := r.MarkOffline(ctx, agentID)
		if err != nil {
			return nil, err
		}
		r.logger.Info("agent unregistered, record kept",
			"agent", agentID, "pending", pending, "keep", keep, "marked", marked)
		return &UnregisterResult{Kept: true, PendingMessages: pending > 0}, nil
	}

	removed, err := r.store.DeleteAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("deleting agent: %w", err)
	}
	if err := r.store.DeleteInbox(ctx, agentID); err != nil {
		return nil, fmt.Errorf("deleting inbox: %w", err)
	}
	r.logger.Info("agent unregistered", "agent", agentID, "removed", removed)
	return &UnregisterResult{Removed: removed}, nil
}

// RemoveByPattern removes every agent matching the glob pattern along
// with its inbox and notify state. Returns the removed ids.
func (r *Registry) RemoveByPattern(ctx context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, apierr.InvalidRequest("pattern", fmt.Sprintf("invalid glob: %v", err))
	}
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	var ids []string
	for _, a := range all {
		if g.Match(a.ID) {
			ids = append(ids, a.ID)
		}
	}
	return r.RemoveByIDs(ctx, ids)
}

// RemoveByIDs removes the listed agents and their queues.
func (r *Registry) RemoveByIDs(ctx context.Context, ids []string) ([]string, error) {
	removed := []string{}
	for _, id := range ids {
		ok, err := r.store.DeleteAgent(ctx, id)
		if err != nil {
			return removed, fmt.Errorf("deleting agent %q: %w", id, err)
		}
		if err := r.store.DeleteInbox(ctx, id); err != nil {
			return removed, fmt.Errorf("deleting inbox %q: %w", id, err)
		}
		if ok {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.logger.Info("agents bulk removed", "count", len(removed))
	}
	return removed, nil
}

// Scavenge removes zombie records: agents whose last_seen aged past
// the message TTL and whose inbox is empty. This cleans up both
// deliver_offline placeholders and records re-materialized by a
// heartbeat racing an unregister.
func (r *Registry) Scavenge(ctx context.Context) (int, error) {
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing agents: %w", err)
	}
	now := time.Now().UTC()
	removed := 0
	for _, a := range all {
		if now.Sub(a.LastSeen) <= r.messageTTL {
			continue
		}
		pending, err := r.store.InboxLen(ctx, a.ID, now)
		if err != nil {
			return removed, fmt.Errorf("checking inbox: %w", err)
		}
		if pending > 0 {
			continue
		}
		if _, err := r.store.DeleteAgent(ctx, a.ID); err != nil {
			return removed, fmt.Errorf("deleting agent %q: %w", a.ID, err)
		}
		if err := r.store.DeleteInbox(ctx, a.ID); err != nil {
			return removed, fmt.Errorf("deleting inbox %q: %w", a.ID, err)
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("scavenged stale agents", "count", removed)
	}
	return removed, nil
}

// notFound builds an AGENT_NOT_FOUND error listing known agents.
func (r *Registry) notFound(ctx context.Context, agentID string) *apierr.Error {
	var available []string
	if all, err := r.store.ListAgents(ctx); err == nil {
		for _, a := range all {
			available = append(available, a.ID)
		}
	}
	return apierr.AgentNotFound(agentID, available)
}
