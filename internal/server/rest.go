// ABOUTME: REST handlers: enrollment, inbox peek, long-poll wait, unregister, blobs, admin
// ABOUTME: Thin wrappers that resolve identity, rate limit, and dispatch to components

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/michaelansel/c3po/internal/agents"
	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/blobs"
	"github.com/michaelansel/c3po/internal/messaging"
	"github.com/michaelansel/c3po/internal/store"
)

// maxRESTBodySize bounds JSON request bodies (messages are capped at
// 50 KB separately; this is transport-level protection).
const maxRESTBodySize = 1 << 20

// decodeBody decodes a JSON request body into dst, tolerating an
// empty body.
func decodeBody(r *http.Request, dst any) *apierr.Error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRESTBodySize))
	if err != nil {
		return apierr.InvalidRequest("body", "unreadable request body")
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apierr.InvalidRequest("body", "invalid JSON")
	}
	return nil
}

// identityBody is the optional JSON identity carried by REST calls.
type identityBody struct {
	Machine string `json:"machine"`
	Project string `json:"project"`
}

// handleRegister registers an agent on behalf of session hooks that
// cannot speak the RPC surface.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if aerr := s.allow(r.Context(), "rest_register", s.clientIP(r)); aerr != nil {
		s.writeError(w, aerr)
		return
	}

	var body identityBody
	if aerr := decodeBody(r, &body); aerr != nil {
		s.writeError(w, aerr)
		return
	}
	agentID, aerr := s.restIdentity(r, body.Machine, body.Project)
	if aerr != nil {
		s.writeError(w, aerr)
		return
	}

	principal := auth.FromContext(r.Context())
	agent, outcome, err := s.registry.Register(r.Context(), agentID, r.Header.Get(HeaderSessionID), nil, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.AgentRegister(r.Context(), agent.ID, principal.KeyID, string(outcome))
	s.writeJSON(w, http.StatusOK, registrationResponse(agent, outcome))
}

func registrationResponse(agent *store.Agent, outcome agents.Outcome) map[string]any {
	return map[string]any{
		"id":            agent.ID,
		"name":          agent.DisplayName,
		"description":   agent.Description,
		"capabilities":  agent.Capabilities,
		"registered_at": agent.RegisteredAt,
		"last_seen":     agent.LastSeen,
		"status":        agent.Status,
		"outcome":       string(outcome),
	}
}

// handlePending peeks at the inbox without consuming anything. Used
// by stop hooks to decide whether the agent has work waiting.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if aerr := s.allow(r.Context(), "rest_pending", s.clientIP(r)); aerr != nil {
		s.writeError(w, aerr)
		return
	}
	agentID, aerr := s.restIdentity(r, "", "")
	if aerr != nil {
		s.writeError(w, aerr)
		return
	}

	msgs, err := s.engine.Get(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(msgs),
		"messages": msgs,
	})
}

// handleWait long-polls the inbox on behalf of an external watcher.
//
// This endpoint never updates the agent heartbeat: the caller is a
// watcher, not the agent, and the agent correctly shows offline while
// only the watcher is running. The RPC wait_for_message tool is the
// heartbeat-refreshing variant.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	if aerr := s.allow(r.Context(), "rest_wait", s.clientIP(r)); aerr != nil {
		s.writeError(w, aerr)
		return
	}
	agentID, aerr := s.restIdentity(r, "", "")
	if aerr != nil {
		s.writeError(w, aerr)
		return
	}

	timeout := 30
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, apierr.InvalidRequest("timeout", "must be an integer number of seconds"))
			return
		}
		timeout = parsed
	}

	result, err := s.engine.WaitAny(r.Context(), agentID, timeout, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch result.Status {
	case messaging.WaitStatusRetry:
		w.Header().Set("Retry-After", "15")
		s.writeJSON(w, http.StatusOK, map[string]any{"count": 0, "status": "retry"})
	case messaging.WaitStatusTimeout:
		s.writeJSON(w, http.StatusOK, map[string]any{"count": 0, "status": "timeout"})
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"count":    len(result.Messages),
			"messages": result.Messages,
			"status":   "received",
		})
	}
}

// handleUnregister handles graceful disconnect. ?keep=true preserves
// the record offline for the external-watcher pattern; a non-empty
// inbox forces preservation regardless.
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if aerr := s.allow(r.Context(), "rest_unregister", s.clientIP(r)); aerr != nil {
		s.writeError(w, aerr)
		return
	}
	var body identityBody
	if aerr := decodeBody(r, &body); aerr != nil {
		s.writeError(w, aerr)
		return
	}
	agentID, aerr := s.restIdentity(r, body.Machine, body.Project)
	if aerr != nil {
		s.writeError(w, aerr)
		return
	}

	keep := false
	switch strings.ToLower(r.URL.Query().Get("keep")) {
	case "1", "true", "yes":
		keep = true
	}

	result, err := s.registry.Unregister(r.Context(), agentID, keep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.AgentUnregister(r.Context(), agentID, result.Kept)

	if result.Kept {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"message":          fmt.Sprintf("Agent %q marked offline and kept in registry", agentID),
			"pending_messages": result.PendingMessages,
			"kept":             true,
		})
		return
	}
	message := fmt.Sprintf("Agent %q unregistered", agentID)
	if !result.Removed {
		message = fmt.Sprintf("Agent %q was not registered", agentID)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": message})
}

// handleValidate verifies a credential before a session launches and
// optionally probes a machine name against the key's pattern.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if aerr := s.allow(r.Context(), "rest_validate", s.clientIP(r)); aerr != nil {
		s.writeError(w, aerr)
		return
	}
	principal := auth.FromContext(r.Context())

	if machineName := strings.TrimSpace(r.URL.Query().Get("machine_name")); machineName != "" {
		probe := machineName + "/probe"
		if aerr := s.auth.CheckScope(principal, probe); aerr != nil {
			s.writeError(w, aerr)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"valid":         true,
		"key_id":        principal.KeyID,
		"agent_pattern": principal.AgentPattern,
	})
}

// handleBlobUpload stores raw body content as a blob.
func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	if aerr := s.allow(r.Context(), "upload_blob", s.clientIP(r)); aerr != nil {
		s.writeError(w, aerr)
		return
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, blobs.MaxBlobSize+1))
	if err != nil {
		s.writeError(w, apierr.InvalidRequest("body", "unreadable request body"))
		return
	}

	filename := r.Header.Get("X-Filename")
	if filename == "" {
		filename = "upload"
	}
	mimeType := r.Header.Get("X-Mime-Type")
	if mimeType == "" {
		mimeType = r.Header.Get("Content-Type")
	}
	uploader := r.Header.Get(HeaderMachineName)
	if project := r.Header.Get(HeaderProjectName); project != "" && uploader != "" {
		uploader = uploader + "/" + project
	}

	blob, berr := s.blobs.Store(r.Context(), content, filename, mimeType, uploader)
	if berr != nil {
		s.writeError(w, berr)
		return
	}
	s.audit.BlobUpload(r.Context(), blob.ID, blob.Filename, blob.Size, uploader, "rest")
	s.writeJSON(w, http.StatusCreated, blob)
}

// handleBlobDownload streams raw blob content.
func (s *Server) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	if aerr := s.allow(r.Context(), "fetch_blob", s.clientIP(r)); aerr != nil {
		s.writeError(w, aerr)
		return
	}
	blobID := r.PathValue("blob_id")

	blob, err := s.blobs.Get(r.Context(), blobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.BlobDownload(r.Context(), blob.ID, s.clientIP(r), "rest")

	w.Header().Set("Content-Type", blob.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", blob.Filename))
	for k, v := range securityHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(blob.Content); err != nil {
		s.logger.Warn("blob write failed", "blob_id", blob.ID, "error", err)
	}
}

// --- Admin surface ---

// handleCreateKey issues a new API key; the composite token is
// returned exactly once.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if aerr := s.allow(r.Context(), "register_key", s.clientIP(r)); aerr != nil {
		s.writeError(w, aerr)
		return
	}

	var body struct {
		AgentPattern string `json:"agent_pattern"`
		Description  string `json:"description"`
	}
	if aerr := decodeBody(r, &body); aerr != nil {
		s.writeError(w, aerr)
		return
	}

	record, rawKey, compositeToken, err := s.auth.CreateKey(r.Context(), body.AgentPattern, body.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.KeyCreate(r.Context(), record.KeyID, record.AgentPattern)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"key_id":        record.KeyID,
		"api_key":       rawKey,
		"token":         compositeToken,
		"agent_pattern": record.AgentPattern,
		"description":   record.Description,
		"created_at":    record.CreatedAt,
	})
}

// handleListKeys returns key metadata without secrets.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.auth.ListKeys(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handleRevokeKey revokes a key by its key_id.
func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("key_id")
	revoked, err := s.auth.RevokeKey(r.Context(), keyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !revoked {
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error": fmt.Sprintf("Key %q not found", keyID),
		})
		return
	}
	s.audit.KeyRevoke(r.Context(), keyID)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "key_id": keyID})
}

// handleAudit returns recent audit entries, newest first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	entries, err := s.audit.Recent(r.Context(), limit, r.URL.Query().Get("event"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleAdminListAgents lists agents with optional status and glob
// pattern filters.
func (s *Server) handleAdminListAgents(w http.ResponseWriter, r *http.Request) {
	all, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	statusFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if statusFilter != "" && statusFilter != agents.StatusOnline && statusFilter != agents.StatusOffline {
		s.writeError(w, apierr.InvalidRequest("status", "must be 'online' or 'offline'"))
		return
	}

	var matcher glob.Glob
	if pattern := strings.TrimSpace(r.URL.Query().Get("pattern")); pattern != "" {
		g, gerr := glob.Compile(pattern)
		if gerr != nil {
			s.writeError(w, apierr.InvalidRequest("pattern", "invalid glob"))
			return
		}
		matcher = g
	}

	filtered := []*store.Agent{}
	for _, a := range all {
		if statusFilter != "" && a.Status != statusFilter {
			continue
		}
		if matcher != nil && !matcher.Match(a.ID) {
			continue
		}
		filtered = append(filtered, a.Sanitized())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": filtered, "count": len(filtered)})
}

// handleAdminRemoveAgents bulk-removes agents by glob pattern and/or
// status filter. A bare "*" without a status filter is refused.
func (s *Server) handleAdminRemoveAgents(w http.ResponseWriter, r *http.Request) {
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	statusFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))

	if statusFilter != "" && statusFilter != agents.StatusOnline && statusFilter != agents.StatusOffline {
		s.writeError(w, apierr.InvalidRequest("status", "must be 'online' or 'offline'"))
		return
	}
	if pattern == "" && statusFilter == "" {
		s.writeError(w, apierr.InvalidRequest("pattern", "missing required query parameter: pattern (or status)"))
		return
	}
	if pattern == "*" && statusFilter == "" {
		s.writeError(w, apierr.InvalidRequest("pattern",
			"refusing to remove all agents; use a more specific pattern or add status=offline"))
		return
	}

	var removed []string
	var err error
	if statusFilter != "" {
		effective := pattern
		if effective == "" {
			effective = "*"
		}
		g, gerr := glob.Compile(effective)
		if gerr != nil {
			s.writeError(w, apierr.InvalidRequest("pattern", "invalid glob"))
			return
		}
		all, lerr := s.registry.List(r.Context())
		if lerr != nil {
			s.writeError(w, lerr)
			return
		}
		var ids []string
		for _, a := range all {
			if a.Status == statusFilter && g.Match(a.ID) {
				ids = append(ids, a.ID)
			}
		}
		removed, err = s.registry.RemoveByIDs(r.Context(), ids)
		pattern = effective
	} else {
		removed, err = s.registry.RemoveByPattern(r.Context(), pattern)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.audit.BulkRemove(r.Context(), pattern, removed)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"pattern":   pattern,
		"removed":   len(removed),
		"agent_ids": removed,
	})
}
