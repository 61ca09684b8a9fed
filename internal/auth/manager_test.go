// ABOUTME: Tests for auth: trust domains, composite tokens, key lifecycle, scope globs
// ABOUTME: Covers dev mode, legacy admin tokens, revocation, and fnmatch-style patterns

package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/store"
)

var testSecrets = Secrets{
	ServerSecret:     "srv-secret",
	AdminKey:         "admin-key",
	ProxyBearerToken: "proxy-token",
}

func setupManager(t *testing.T, secrets Secrets) *Manager {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s, secrets, nil)
}

func TestDomainForPath(t *testing.T) {
	tests := []struct {
		path string
		want Domain
	}{
		{"/agent/mcp", DomainAgent},
		{"/agent/api/register", DomainAgent},
		{"/oauth/mcp", DomainProxy},
		{"/admin/api/keys", DomainAdmin},
		{"/api/health", DomainPublic},
		{"/", DomainPublic},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DomainForPath(tt.path), tt.path)
	}
}

func TestDevModeAllowsAnonymous(t *testing.T) {
	m := setupManager(t, Secrets{})
	ctx := context.Background()

	for _, domain := range []Domain{DomainAgent, DomainProxy, DomainAdmin, DomainPublic} {
		p, aerr := m.Authenticate(ctx, "", domain)
		require.Nil(t, aerr, string(domain))
		assert.Equal(t, PrincipalAnonymous, p.Type)
	}
}

func TestAgentDomainRequiresHeader(t *testing.T) {
	m := setupManager(t, testSecrets)
	_, aerr := m.Authenticate(context.Background(), "", DomainAgent)
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeUnauthenticated, aerr.Code)
}

func TestAgentDomainMalformedTokens(t *testing.T) {
	m := setupManager(t, testSecrets)
	ctx := context.Background()

	for _, header := range []string{
		"Basic abc",
		"Bearer ",
		"Bearer no-dot-token",
		"Bearer .keyonly",
		"Bearer secretonly.",
	} {
		_, aerr := m.Authenticate(ctx, header, DomainAgent)
		require.NotNil(t, aerr, header)
		assert.Equal(t, apierr.CodeUnauthenticated, aerr.Code, header)
	}
}

func TestAgentDomainWrongServerSecretRejected(t *testing.T) {
	m := setupManager(t, testSecrets)
	_, aerr := m.Authenticate(context.Background(), "Bearer wrong-secret.anykey", DomainAgent)
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeUnauthenticated, aerr.Code)
}

func TestCreateKeyAndAuthenticate(t *testing.T) {
	m := setupManager(t, testSecrets)
	ctx := context.Background()

	record, rawKey, composite, err := m.CreateKey(ctx, "lab/*", "test key")
	require.NoError(t, err)
	assert.NotEmpty(t, record.KeyID)
	assert.Equal(t, "srv-secret."+rawKey, composite)

	p, aerr := m.Authenticate(ctx, "Bearer "+composite, DomainAgent)
	require.Nil(t, aerr)
	assert.Equal(t, PrincipalAgent, p.Type)
	assert.Equal(t, record.KeyID, p.KeyID)
	assert.Equal(t, "lab/*", p.AgentPattern)
}

func TestUnknownKeyRejected(t *testing.T) {
	m := setupManager(t, testSecrets)
	_, aerr := m.Authenticate(context.Background(), "Bearer srv-secret.nonexistent", DomainAgent)
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeUnauthenticated, aerr.Code)
}

func TestRevokedKeyRejected(t *testing.T) {
	m := setupManager(t, testSecrets)
	ctx := context.Background()

	record, _, composite, err := m.CreateKey(ctx, "lab/*", "")
	require.NoError(t, err)

	revoked, err := m.RevokeKey(ctx, record.KeyID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, aerr := m.Authenticate(ctx, "Bearer "+composite, DomainAgent)
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeUnauthenticated, aerr.Code)

	// Revoking again reports not found
	revoked, err = m.RevokeKey(ctx, record.KeyID)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestAdminKeyThroughAgentDomain(t *testing.T) {
	m := setupManager(t, testSecrets)
	p, aerr := m.Authenticate(context.Background(), "Bearer srv-secret.admin-key", DomainAgent)
	require.Nil(t, aerr)
	assert.Equal(t, PrincipalAdmin, p.Type)
	assert.Equal(t, "*", p.AgentPattern)
}

func TestAdminDomainComposite(t *testing.T) {
	m := setupManager(t, testSecrets)
	p, aerr := m.Authenticate(context.Background(), "Bearer srv-secret.admin-key", DomainAdmin)
	require.Nil(t, aerr)
	assert.True(t, p.IsAdmin())
	assert.False(t, p.LegacyToken())
}

func TestAdminDomainLegacyToken(t *testing.T) {
	m := setupManager(t, testSecrets)

	p, aerr := m.Authenticate(context.Background(), "Bearer admin-key", DomainAdmin)
	require.Nil(t, aerr)
	assert.True(t, p.IsAdmin())
	assert.True(t, p.LegacyToken())

	_, aerr = m.Authenticate(context.Background(), "Bearer wrong-key", DomainAdmin)
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeUnauthenticated, aerr.Code)
}

func TestProxyDomain(t *testing.T) {
	m := setupManager(t, testSecrets)
	ctx := context.Background()

	p, aerr := m.Authenticate(ctx, "Bearer proxy-token", DomainProxy)
	require.Nil(t, aerr)
	assert.Equal(t, PrincipalProxy, p.Type)

	_, aerr = m.Authenticate(ctx, "Bearer wrong-token", DomainProxy)
	require.NotNil(t, aerr)
	assert.Equal(t, apierr.CodeUnauthenticated, aerr.Code)
}

func TestCheckScope(t *testing.T) {
	m := setupManager(t, testSecrets)

	tests := []struct {
		name    string
		pattern string
		agentID string
		allowed bool
	}{
		{"star matches everything", "*", "any/agent", true},
		{"machine prefix match", "lab/*", "lab/proj", true},
		{"machine prefix mismatch", "lab/*", "other/proj", false},
		{"project suffix match", "*/deploy", "host1/deploy", true},
		{"project suffix mismatch", "*/deploy", "host1/test", false},
		{"exact match", "lab/proj", "lab/proj", true},
		{"exact mismatch", "lab/proj", "lab/proj-2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Principal{Type: PrincipalAgent, KeyID: "k", AgentPattern: tt.pattern}
			aerr := m.CheckScope(p, tt.agentID)
			if tt.allowed {
				assert.Nil(t, aerr)
			} else {
				require.NotNil(t, aerr)
				assert.Equal(t, apierr.CodeForbiddenScope, aerr.Code)
			}
		})
	}
}

func TestCheckScopeAdminUnrestricted(t *testing.T) {
	m := setupManager(t, testSecrets)
	p := &Principal{Type: PrincipalAdmin, KeyID: "admin", AgentPattern: "*"}
	assert.Nil(t, m.CheckScope(p, "anything/at-all"))
}

func TestListKeysOmitsSecrets(t *testing.T) {
	m := setupManager(t, testSecrets)
	ctx := context.Background()

	_, _, _, err := m.CreateKey(ctx, "lab/*", "first")
	require.NoError(t, err)

	keys, err := m.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "lab/*", keys[0].AgentPattern)
	assert.NotEmpty(t, keys[0].BcryptHash) // internal field, JSON-hidden
}
