// ABOUTME: Principal and identity propagation through request contexts
// ABOUTME: Provides WithPrincipal/FromContext and WithAgentID/AgentIDFromContext

package auth

import (
	"context"
)

// PrincipalType identifies which trust domain authenticated a request.
type PrincipalType string

const (
	PrincipalAgent     PrincipalType = "agent"
	PrincipalProxy     PrincipalType = "proxy"
	PrincipalAdmin     PrincipalType = "admin"
	PrincipalAnonymous PrincipalType = "anonymous"
)

// Principal holds the authenticated identity extracted from a request.
// It is populated by the transport middleware and retrieved from the
// context by handlers.
type Principal struct {
	Type         PrincipalType
	KeyID        string // API key id for agent principals, "admin" for admin
	AgentPattern string // glob constraining usable agent ids; "*" for admin/proxy

	legacyToken bool // authenticated via the deprecated bare admin token
}

// LegacyToken reports whether the deprecated admin token format
// (no server-secret prefix) was used to authenticate.
func (p *Principal) LegacyToken() bool {
	return p.legacyToken
}

// IsAdmin returns true for the admin principal.
func (p *Principal) IsAdmin() bool {
	return p.Type == PrincipalAdmin
}

// Identity returns the rate-limit identity for this principal. Agent
// principals are rate limited by canonical agent id instead, which the
// transport resolves separately.
func (p *Principal) Identity() string {
	switch p.Type {
	case PrincipalAdmin:
		return "admin"
	case PrincipalProxy:
		return "proxy"
	default:
		return string(p.Type)
	}
}

type principalKey struct{}

// WithPrincipal returns a new context with the principal attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the principal, returning nil if not present.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

type agentIDKey struct{}

// WithAgentID returns a new context carrying the canonical agent id
// resolved by the identity middleware.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentIDFromContext retrieves the canonical agent id, or "".
func AgentIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey{}).(string)
	return id
}
