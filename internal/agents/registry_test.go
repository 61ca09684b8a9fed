// ABOUTME: Tests for the agent registry: outcomes, collision suffixing, lifecycle
// ABOUTME: Covers the register laws, unregister preservation, and the scavenger

package agents

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/store"
)

const testHeartbeatTTL = 15 * time.Minute

func setupRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewRegistry(s, testHeartbeatTTL, 24*time.Hour, nil), s
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		agentID string
		wantErr bool
	}{
		{"valid composite", "macbook/myproject", false},
		{"valid with dots and dashes", "host-1.local/my_proj", false},
		{"bare machine name", "macbook", true},
		{"empty", "", true},
		{"leading special char", "-bad/proj", true},
		{"too long", "a/" + strings.Repeat("x", 70), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.agentID, "agent_id")
			if tt.wantErr {
				assert.NotNil(t, err)
			} else {
				assert.Nil(t, err)
			}
		})
	}
}

func TestRegisterCreated(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	agent, outcome, err := r.Register(ctx, "lab/alpha", "sess-1", []string{"search"}, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, "lab/alpha", agent.ID)
	assert.Equal(t, StatusOnline, agent.Status)
	assert.Equal(t, []string{"search"}, agent.Capabilities)
}

func TestRegisterSameSessionReconnects(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	first, _, err := r.Register(ctx, "lab/alpha", "sess-1", nil, "")
	require.NoError(t, err)

	second, outcome, err := r.Register(ctx, "lab/alpha", "sess-1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReconnected, outcome)
	assert.Equal(t, first.ID, second.ID)
	assert.WithinDuration(t, first.RegisteredAt, second.RegisteredAt, time.Millisecond)
}

func TestRegisterLiveCollisionSuffixes(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	_, _, err := r.Register(ctx, "host/proj", "s1", nil, "")
	require.NoError(t, err)

	agent, outcome, err := r.Register(ctx, "host/proj", "s2", nil, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuffixed, outcome)
	assert.Equal(t, "host/proj-2", agent.ID)

	// A third live session gets the next slot
	agent, outcome, err = r.Register(ctx, "host/proj", "s3", nil, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuffixed, outcome)
	assert.Equal(t, "host/proj-3", agent.ID)
}

func TestRegisterOfflineTakeover(t *testing.T) {
	r, s := setupRegistry(t)
	ctx := context.Background()

	_, _, err := r.Register(ctx, "host/proj", "s1", nil, "")
	require.NoError(t, err)

	// Age the record past the heartbeat TTL
	stale := time.Now().UTC().Add(-testHeartbeatTTL - time.Minute)
	_, err = s.TouchAgent(ctx, "host/proj", stale)
	require.NoError(t, err)

	agent, outcome, err := r.Register(ctx, "host/proj", "s3", nil, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTookOver, outcome)
	assert.Equal(t, "host/proj", agent.ID)
	assert.Equal(t, StatusOnline, agent.Status)
}

func TestRegisterNoSessionWhileOnlineIsHeartbeat(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	_, _, err := r.Register(ctx, "lab/alpha", "sess-1", nil, "")
	require.NoError(t, err)

	agent, outcome, err := r.Register(ctx, "lab/alpha", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReconnected, outcome)
	assert.Equal(t, "lab/alpha", agent.ID)
}

func TestRegisterExhaustion(t *testing.T) {
	r, s := setupRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Fill the base slot and all 99 probe slots with live agents.
	require.NoError(t, s.PutAgent(ctx, &store.Agent{
		ID: "host/proj", SessionID: "s0", Capabilities: []string{},
		RegisteredAt: now, LastSeen: now,
	}))
	for i := 2; i <= MaxCollisionProbes+1; i++ {
		require.NoError(t, s.PutAgent(ctx, &store.Agent{
			ID:        fmt.Sprintf("host/proj-%d", i),
			SessionID: fmt.Sprintf("s%d", i), Capabilities: []string{},
			RegisteredAt: now, LastSeen: now,
		}))
	}

	_, _, err := r.Register(ctx, "host/proj", "s-new", nil, "")
	require.Error(t, err)
	var aerr *apierr.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, apierr.CodeRegistrationExhausted, aerr.Code)
}

func TestHeartbeatIdempotent(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	touched, err := r.Heartbeat(ctx, "missing/agent")
	require.NoError(t, err)
	assert.False(t, touched)

	_, _, err = r.Register(ctx, "lab/alpha", "s1", nil, "")
	require.NoError(t, err)
	touched, err = r.Heartbeat(ctx, "lab/alpha")
	require.NoError(t, err)
	assert.True(t, touched)
}

func TestListDerivesStatus(t *testing.T) {
	r, s := setupRegistry(t)
	ctx := context.Background()

	_, _, err := r.Register(ctx, "lab/online", "s1", nil, "")
	require.NoError(t, err)
	_, _, err = r.Register(ctx, "lab/offline", "s2", nil, "")
	require.NoError(t, err)
	_, err = s.TouchAgent(ctx, "lab/offline", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	all, err := r.List(ctx)
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, a := range all {
		statuses[a.ID] = a.Status
	}
	assert.Equal(t, StatusOnline, statuses["lab/online"])
	assert.Equal(t, StatusOffline, statuses["lab/offline"])

	online, err := r.CountOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, online)
}

func TestSetDescriptionUnknownAgent(t *testing.T) {
	r, _ := setupRegistry(t)
	_, err := r.SetDescription(context.Background(), "missing/agent", "does things")
	var aerr *apierr.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, apierr.CodeAgentNotFound, aerr.Code)
}

func TestUnregisterEmptyInboxRemoves(t *testing.T) {
	r, s := setupRegistry(t)
	ctx := context.Background()

	_, _, err := r.Register(ctx, "lab/alpha", "s1", nil, "")
	require.NoError(t, err)

	result, err := r.Unregister(ctx, "lab/alpha", false)
	require.NoError(t, err)
	assert.True(t, result.Removed)
	assert.False(t, result.Kept)

	_, err = s.GetAgent(ctx, "lab/alpha")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUnregisterWithPendingKeepsRecord(t *testing.T) {
	r, s := setupRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := r.Register(ctx, "lab/beta", "s1", nil, "")
	require.NoError(t, err)

	msg := &store.Message{
		ID: "lab/a::lab/beta::aaaaaaaa", FromAgent: "lab/a", ToAgent: "lab/beta",
		Type: store.MessageTypeMessage, Message: "pending", Timestamp: now,
		Status: store.MessageStatusPending,
	}
	require.NoError(t, s.AppendMessage(ctx, msg, now.Add(time.Hour)))

	result, err := r.Unregister(ctx, "lab/beta", false)
	require.NoError(t, err)
	assert.True(t, result.Kept)
	assert.True(t, result.PendingMessages)

	// Record survives, offline, inbox intact
	agent, err := r.Get(ctx, "lab/beta")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, agent.Status)
	n, err := s.InboxLen(ctx, "lab/beta", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-registration inherits the same canonical id and the queue
	again, outcome, err := r.Register(ctx, "lab/beta", "s2", nil, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTookOver, outcome)
	assert.Equal(t, "lab/beta", again.ID)
}

func TestUnregisterKeepFlag(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	_, _, err := r.Register(ctx, "lab/gamma", "s1", nil, "")
	require.NoError(t, err)

	result, err := r.Unregister(ctx, "lab/gamma", true)
	require.NoError(t, err)
	assert.True(t, result.Kept)

	agent, err := r.Get(ctx, "lab/gamma")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, agent.Status)
}

func TestEnsurePlaceholder(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	agent, err := r.EnsurePlaceholder(ctx, "ghost/agent")
	require.NoError(t, err)
	assert.True(t, agent.Placeholder)
	assert.Equal(t, StatusOffline, agent.Status)

	// Idempotent on an existing record
	again, err := r.EnsurePlaceholder(ctx, "ghost/agent")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, again.ID)
}

func TestRemoveByPattern(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"stress/a", "stress/b", "lab/keep"} {
		_, _, err := r.Register(ctx, id, "s", nil, "")
		require.NoError(t, err)
	}

	removed, err := r.RemoveByPattern(ctx, "stress/*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stress/a", "stress/b"}, removed)

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "lab/keep", all[0].ID)
}

func TestScavengeRemovesStaleEmptyAgents(t *testing.T) {
	r, s := setupRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Stale with empty inbox: removed
	require.NoError(t, s.PutAgent(ctx, &store.Agent{
		ID: "old/empty", Capabilities: []string{},
		RegisteredAt: now.Add(-48 * time.Hour), LastSeen: now.Add(-48 * time.Hour),
	}))
	// Stale with pending messages: kept
	require.NoError(t, s.PutAgent(ctx, &store.Agent{
		ID: "old/busy", Capabilities: []string{},
		RegisteredAt: now.Add(-48 * time.Hour), LastSeen: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, s.AppendMessage(ctx, &store.Message{
		ID: "a/b::old/busy::aaaaaaaa", FromAgent: "a/b", ToAgent: "old/busy",
		Type: store.MessageTypeMessage, Message: "m", Timestamp: now,
		Status: store.MessageStatusPending,
	}, now.Add(time.Hour)))
	// Fresh: kept
	_, _, err := r.Register(ctx, "new/agent", "s", nil, "")
	require.NoError(t, err)

	removed, err := r.Scavenge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetAgent(ctx, "old/empty")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAgent(ctx, "old/busy")
	assert.NoError(t, err)
}
