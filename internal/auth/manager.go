// ABOUTME: Bearer token validation, API key lifecycle, and agent-pattern scope checks
// ABOUTME: Composite tokens split a constant-time perimeter check from the key record check

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/crypto/bcrypt"

	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/store"
)

// Domain selects which validator applies to a request, derived from
// the URL path prefix by the transport.
type Domain string

const (
	DomainAgent  Domain = "agent"  // /agent/*  — Bearer {server_secret}.{api_key}
	DomainProxy  Domain = "proxy"  // /oauth/*  — Bearer {proxy_token}
	DomainAdmin  Domain = "admin"  // /admin/*  — Bearer {server_secret}.{admin_key}
	DomainPublic Domain = "public" // /api/health and other open endpoints
)

// Secrets holds the three configured trust-domain secrets.
type Secrets struct {
	ServerSecret     string
	AdminKey         string
	ProxyBearerToken string
}

// DevMode reports whether all secrets are absent, disabling auth.
func (s Secrets) DevMode() bool {
	return s.ServerSecret == "" && s.AdminKey == "" && s.ProxyBearerToken == ""
}

// Manager validates bearer credentials and manages API keys.
type Manager struct {
	store   store.Store
	secrets Secrets
	logger  *slog.Logger
}

// NewManager creates an auth manager with the given secrets.
func NewManager(s store.Store, secrets Secrets, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, secrets: secrets, logger: logger.With("component", "auth")}
}

// DevMode reports whether authentication is disabled.
func (m *Manager) DevMode() bool { return m.secrets.DevMode() }

// DomainForPath maps a request path to its trust domain.
func DomainForPath(path string) Domain {
	switch {
	case path == "/agent" || strings.HasPrefix(path, "/agent/"):
		return DomainAgent
	case path == "/oauth" || strings.HasPrefix(path, "/oauth/"):
		return DomainProxy
	case path == "/admin" || strings.HasPrefix(path, "/admin/"):
		return DomainAdmin
	default:
		return DomainPublic
	}
}

// hashKey is the sha256 lookup index of a raw API key.
func hashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// parseBearer extracts the token from an Authorization header value.
func parseBearer(authorization string) (string, error) {
	if authorization == "" {
		return "", errors.New("missing Authorization header")
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid Authorization format, expected: Bearer <token>")
	}
	if parts[1] == "" {
		return "", errors.New("empty token")
	}
	return parts[1], nil
}

// splitComposite splits a composite token into (server_secret, key).
func splitComposite(token string) (string, string, error) {
	dot := strings.Index(token, ".")
	if dot < 0 {
		return "", "", errors.New("invalid token format, expected: <server_secret>.<key>")
	}
	secret, key := token[:dot], token[dot+1:]
	if secret == "" || key == "" {
		return "", "", errors.New("both server_secret and key must be non-empty")
	}
	return secret, key, nil
}

// constantEqual compares two secrets in constant time.
func constantEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// Authenticate validates the Authorization header against the given
// trust domain and returns the resulting principal. Dev mode short-
// circuits everything to anonymous.
func (m *Manager) Authenticate(ctx context.Context, authorization string, domain Domain) (*Principal, *apierr.Error) {
	if m.secrets.DevMode() {
		return &Principal{Type: PrincipalAnonymous, AgentPattern: "*"}, nil
	}

	switch domain {
	case DomainPublic:
		return &Principal{Type: PrincipalAnonymous, AgentPattern: "*"}, nil
	case DomainAgent:
		return m.authenticateAgent(ctx, authorization)
	case DomainProxy:
		return m.authenticateProxy(authorization)
	case DomainAdmin:
		return m.authenticateAdmin(authorization)
	default:
		return nil, apierr.Unauthenticated("Unknown trust domain")
	}
}

func (m *Manager) authenticateAgent(ctx context.Context, authorization string) (*Principal, *apierr.Error) {
	token, err := parseBearer(authorization)
	if err != nil {
		return nil, apierr.Unauthenticated(err.Error())
	}
	secret, apiKey, err := splitComposite(token)
	if err != nil {
		return nil, apierr.Unauthenticated(err.Error())
	}
	if m.secrets.ServerSecret != "" && !constantEqual(secret, m.secrets.ServerSecret) {
		m.logger.Warn("auth failed", "reason", "invalid_server_secret")
		return nil, apierr.Unauthenticated("Invalid server secret")
	}

	// The admin key is accepted through the agent domain with an
	// unrestricted pattern, matching the composite admin token shape.
	if m.secrets.AdminKey != "" && constantEqual(apiKey, m.secrets.AdminKey) {
		return &Principal{Type: PrincipalAdmin, KeyID: "admin", AgentPattern: "*"}, nil
	}

	record, serr := m.store.GetAPIKeyByHash(ctx, hashKey(apiKey))
	if errors.Is(serr, store.ErrNotFound) {
		m.logger.Warn("auth failed", "reason", "invalid_api_key")
		return nil, apierr.Unauthenticated("Invalid API key")
	}
	if serr != nil {
		return nil, apierr.StoreUnavailable(serr)
	}
	if bcrypt.CompareHashAndPassword([]byte(record.BcryptHash), []byte(apiKey)) != nil {
		m.logger.Warn("auth failed", "reason", "bcrypt_mismatch", "key_id", record.KeyID)
		return nil, apierr.Unauthenticated("Invalid API key")
	}

	if err := m.store.TouchAPIKey(ctx, record.KeyHash, time.Now().UTC()); err != nil {
		m.logger.Warn("api key touch failed", "key_id", record.KeyID, "error", err)
	}

	return &Principal{
		Type:         PrincipalAgent,
		KeyID:        record.KeyID,
		AgentPattern: record.AgentPattern,
	}, nil
}

func (m *Manager) authenticateProxy(authorization string) (*Principal, *apierr.Error) {
	token, err := parseBearer(authorization)
	if err != nil {
		return nil, apierr.Unauthenticated(err.Error())
	}
	if m.secrets.ProxyBearerToken == "" || !constantEqual(token, m.secrets.ProxyBearerToken) {
		m.logger.Warn("auth failed", "reason", "invalid_proxy_token")
		return nil, apierr.Unauthenticated("Invalid proxy token")
	}
	return &Principal{Type: PrincipalProxy, KeyID: "proxy", AgentPattern: "*"}, nil
}

func (m *Manager) authenticateAdmin(authorization string) (*Principal, *apierr.Error) {
	token, err := parseBearer(authorization)
	if err != nil {
		return nil, apierr.Unauthenticated(err.Error())
	}
	if m.secrets.AdminKey == "" {
		return nil, apierr.Unauthenticated("Admin authentication is not configured")
	}

	if secret, key, err := splitComposite(token); err == nil {
		if m.secrets.ServerSecret != "" && !constantEqual(secret, m.secrets.ServerSecret) {
			m.logger.Warn("auth failed", "reason", "invalid_server_secret")
			return nil, apierr.Unauthenticated("Invalid server secret")
		}
		if !constantEqual(key, m.secrets.AdminKey) {
			m.logger.Warn("auth failed", "reason", "invalid_admin_key")
			return nil, apierr.Unauthenticated("Invalid admin key")
		}
		return &Principal{Type: PrincipalAdmin, KeyID: "admin", AgentPattern: "*"}, nil
	}

	// Legacy format: Bearer {admin_key} without the server-secret
	// prefix. Still accepted; flagged for eventual removal.
	if constantEqual(token, m.secrets.AdminKey) {
		m.logger.Warn("deprecated admin token format accepted; use Bearer {server_secret}.{admin_key}")
		return &Principal{Type: PrincipalAdmin, KeyID: "admin", AgentPattern: "*", legacyToken: true}, nil
	}

	m.logger.Warn("auth failed", "reason", "invalid_admin_key")
	return nil, apierr.Unauthenticated("Invalid admin key")
}

// CheckScope verifies that the principal may act as agentID. Admin and
// proxy principals have unrestricted scope; agent principals are bound
// by their key's glob pattern (fnmatch semantics: * crosses /).
func (m *Manager) CheckScope(p *Principal, agentID string) *apierr.Error {
	if p == nil {
		return apierr.Unauthenticated("")
	}
	if p.Type != PrincipalAgent || p.AgentPattern == "*" {
		return nil
	}
	g, err := glob.Compile(p.AgentPattern)
	if err != nil {
		m.logger.Warn("invalid agent pattern on key", "key_id", p.KeyID, "pattern", p.AgentPattern)
		return apierr.ForbiddenScope(agentID, p.AgentPattern)
	}
	if !g.Match(agentID) {
		return apierr.ForbiddenScope(agentID, p.AgentPattern)
	}
	return nil
}

// CreateKey generates a new API key scoped to agentPattern. The raw
// key is returned exactly once, both bare and as the composite bearer
// token; only its sha256 index and bcrypt hash are stored.
func (m *Manager) CreateKey(ctx context.Context, agentPattern, description string) (*store.APIKey, string, string, error) {
	if agentPattern == "" {
		agentPattern = "*"
	}
	if _, err := glob.Compile(agentPattern); err != nil {
		return nil, "", "", apierr.InvalidRequest("agent_pattern", fmt.Sprintf("invalid glob: %v", err))
	}

	rawKey, err := randomToken(32)
	if err != nil {
		return nil, "", "", fmt.Errorf("generating api key: %w", err)
	}
	keyID, err := randomToken(8)
	if err != nil {
		return nil, "", "", fmt.Errorf("generating key id: %w", err)
	}
	bcryptHash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", "", fmt.Errorf("hashing api key: %w", err)
	}

	now := time.Now().UTC()
	record := &store.APIKey{
		KeyID:        keyID,
		KeyHash:      hashKey(rawKey),
		BcryptHash:   string(bcryptHash),
		AgentPattern: agentPattern,
		Description:  description,
		CreatedAt:    now,
		LastUsed:     now,
	}
	if err := m.store.PutAPIKey(ctx, record); err != nil {
		return nil, "", "", fmt.Errorf("storing api key: %w", err)
	}

	m.logger.Info("api key created", "key_id", keyID, "pattern", agentPattern)
	return record, rawKey, m.CompositeToken(rawKey), nil
}

// CompositeToken builds the full bearer credential for a raw key.
func (m *Manager) CompositeToken(rawKey string) string {
	return m.secrets.ServerSecret + "." + rawKey
}

// RevokeKey revokes an API key by its key_id. Returns whether an
// unrevoked key was found.
func (m *Manager) RevokeKey(ctx context.Context, keyID string) (bool, error) {
	revoked, err := m.store.RevokeAPIKey(ctx, keyID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("revoking api key: %w", err)
	}
	if revoked {
		m.logger.Info("api key revoked", "key_id", keyID)
	}
	return revoked, nil
}

// ListKeys returns key records without secrets.
func (m *Manager) ListKeys(ctx context.Context) ([]*store.APIKey, error) {
	return m.store.ListAPIKeys(ctx)
}

// randomToken returns a URL-safe base64 token from n random bytes.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
