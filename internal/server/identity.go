// ABOUTME: Identity middleware: derives canonical agent_id from arguments, headers, or body
// ABOUTME: Auto-registers unknown identities and enforces key scope before registration

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/michaelansel/c3po/internal/agents"
	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/auth"
)

// Identity headers.
const (
	HeaderMachineName = "X-Machine-Name"
	HeaderProjectName = "X-Project-Name"
	HeaderSessionID   = "X-Session-ID"
)

// composeAgentID builds "{machine}/{project}". When project is empty
// the machine value must already be a composite id containing a "/".
func composeAgentID(machine, project string) (string, *apierr.Error) {
	machine = strings.TrimSpace(machine)
	project = strings.TrimSpace(project)
	if machine == "" {
		return "", apierr.InvalidRequest("machine", "missing X-Machine-Name header")
	}
	if project != "" {
		return machine + "/" + project, nil
	}
	if !strings.Contains(machine, "/") {
		return "", apierr.InvalidRequest("machine",
			"bare machine name is not a valid agent ID; provide X-Project-Name or a composite machine/project")
	}
	return machine, nil
}

// restIdentity resolves the agent id for a REST call from headers,
// falling back to machine/project values decoded from the JSON body.
// The id is validated and scope-checked but NOT registered and NOT
// heartbeat-touched: REST callers may be external watchers acting for
// an offline agent.
func (s *Server) restIdentity(r *http.Request, bodyMachine, bodyProject string) (string, *apierr.Error) {
	machine := r.Header.Get(HeaderMachineName)
	project := r.Header.Get(HeaderProjectName)
	if machine == "" {
		machine, project = bodyMachine, bodyProject
	}

	agentID, aerr := composeAgentID(machine, project)
	if aerr != nil {
		return "", aerr
	}
	if verr := agents.ValidateID(agentID, "agent_id"); verr != nil {
		return "", verr
	}

	principal := auth.FromContext(r.Context())
	if aerr := s.checkScope(r.Context(), principal, agentID); aerr != nil {
		return "", aerr
	}
	return agentID, nil
}

// toolIdentity resolves the canonical agent id for an RPC tool call.
// Order: explicit agent_id argument, then X-Machine-Name plus
// X-Project-Name headers. The assembled id is scope-checked, then
// registered (collision resolution may suffix it) and heartbeat-
// touched; the canonical id is returned.
func (s *Server) toolIdentity(ctx context.Context, r *http.Request, explicit string) (string, error) {
	principal := auth.FromContext(ctx)
	sessionID := r.Header.Get(HeaderSessionID)

	requested := strings.TrimSpace(explicit)
	if requested == "" {
		agentID, aerr := composeAgentID(r.Header.Get(HeaderMachineName), r.Header.Get(HeaderProjectName))
		if aerr != nil {
			return "", apierr.InvalidRequest("agent_id",
				"could not determine agent identity; pass agent_id or set X-Machine-Name and X-Project-Name headers")
		}
		requested = agentID
	}

	if verr := agents.ValidateID(requested, "agent_id"); verr != nil {
		return "", verr
	}
	if aerr := s.checkScope(ctx, principal, requested); aerr != nil {
		return "", aerr
	}

	agent, _, err := s.registry.Register(ctx, requested, sessionID, nil, "")
	if err != nil {
		return "", err
	}
	return agent.ID, nil
}

// checkScope enforces the key's agent pattern, auditing denials.
func (s *Server) checkScope(ctx context.Context, principal *auth.Principal, agentID string) *apierr.Error {
	if principal == nil {
		return nil
	}
	if aerr := s.auth.CheckScope(principal, agentID); aerr != nil {
		s.audit.AuthorizationDenied(ctx, agentID, principal.KeyID, principal.AgentPattern)
		return aerr
	}
	return nil
}
