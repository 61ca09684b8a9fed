// ABOUTME: Typed tool table for the RPC surface: one handler per tool kind
// ABOUTME: Arguments decode into per-tool structs; no dynamic dispatch by reflection

package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/messaging"
	"github.com/michaelansel/c3po/internal/store"
)

// toolDef binds a tool name to its schema and typed handler.
type toolDef struct {
	name        string
	description string
	inputSchema string
	handler     func(s *Server, r *http.Request, args json.RawMessage) (any, error)
}

// lookupTool returns the tool definition by name, or nil.
func lookupTool(name string) *toolDef {
	for i := range toolTable {
		if toolTable[i].name == name {
			return &toolTable[i]
		}
	}
	return nil
}

// decodeArgs unmarshals tool arguments into dst.
func decodeArgs(args json.RawMessage, dst any) error {
	if err := json.Unmarshal(args, dst); err != nil {
		return apierr.InvalidRequest("arguments", "invalid tool arguments")
	}
	return nil
}

// rateIdentity picks the rate-limit identity for a tool call before
// the canonical agent id is known: header identity when present,
// otherwise the authenticated key, otherwise the client address.
func (s *Server) rateIdentity(r *http.Request) string {
	if id, aerr := composeAgentID(r.Header.Get(HeaderMachineName), r.Header.Get(HeaderProjectName)); aerr == nil {
		return id
	}
	if p := auth.FromContext(r.Context()); p != nil && p.KeyID != "" {
		return p.KeyID
	}
	return s.clientIP(r)
}

// agentView is the caller-facing agent record.
func agentView(a *store.Agent) map[string]any {
	a = a.Sanitized()
	view := map[string]any{
		"id":            a.ID,
		"description":   a.Description,
		"capabilities":  a.Capabilities,
		"registered_at": a.RegisteredAt,
		"last_seen":     a.LastSeen,
		"status":        a.Status,
	}
	if a.DisplayName != "" {
		view["name"] = a.DisplayName
	}
	if a.WebhookURL != "" {
		view["webhook_url"] = a.WebhookURL
	}
	return view
}

// waitView shapes a WaitResult for callers. Timeouts are successful
// responses with a status marker, never errors.
func waitView(result *messaging.WaitResult, timeoutSeconds int) map[string]any {
	elapsed := math.Round(result.Elapsed*10) / 10
	switch result.Status {
	case messaging.WaitStatusTimeout:
		return map[string]any{
			"status":          "timeout",
			"code":            "TIMEOUT",
			"message":         fmt.Sprintf("No messages received within %d seconds", timeoutSeconds),
			"suggestion":      "No agents have sent messages. You can continue with other work.",
			"elapsed_seconds": elapsed,
		}
	case messaging.WaitStatusRetry:
		return map[string]any{
			"status":      "retry",
			"message":     "Server is restarting. Please call wait_for_message again in 15 seconds.",
			"retry_after": 15,
		}
	default:
		return map[string]any{
			"status":          "received",
			"messages":        result.Messages,
			"elapsed_seconds": elapsed,
		}
	}
}

var toolTable = []toolDef{
	{
		name:        "ping",
		description: "Check coordinator health. Returns ok with timestamp.",
		inputSchema: `{"type":"object","properties":{}}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			return map[string]any{
				"ok":        true,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}, nil
		},
	},
	{
		name:        "list_agents",
		description: "List all registered agents with their status (online/offline).",
		inputSchema: `{"type":"object","properties":{}}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			if aerr := s.allow(r.Context(), "list_agents", s.rateIdentity(r)); aerr != nil {
				return nil, aerr
			}
			all, err := s.registry.List(r.Context())
			if err != nil {
				return nil, err
			}
			views := make([]map[string]any, len(all))
			for i, a := range all {
				views[i] = agentView(a)
			}
			return views, nil
		},
	},
	{
		name:        "register_agent",
		description: "Explicitly register this agent with optional name, capabilities, and description.",
		inputSchema: `{"type":"object","properties":{"agent_id":{"type":"string"},"name":{"type":"string"},"capabilities":{"type":"array","items":{"type":"string"}},"description":{"type":"string"}}}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				AgentID      string   `json:"agent_id"`
				Name         string   `json:"name"`
				Capabilities []string `json:"capabilities"`
				Description  string   `json:"description"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}

			requested := strings.TrimSpace(in.AgentID)
			if requested == "" {
				id, aerr := composeAgentID(r.Header.Get(HeaderMachineName), r.Header.Get(HeaderProjectName))
				if aerr != nil {
					return nil, aerr
				}
				requested = id
			}
			principal := auth.FromContext(r.Context())
			if aerr := s.checkScope(r.Context(), principal, requested); aerr != nil {
				return nil, aerr
			}

			agent, outcome, err := s.registry.Register(r.Context(), requested,
				r.Header.Get(HeaderSessionID), in.Capabilities, in.Name)
			if err != nil {
				return nil, err
			}
			if in.Description != "" {
				if agent, err = s.registry.SetDescription(r.Context(), agent.ID, in.Description); err != nil {
					return nil, err
				}
			}
			keyID := ""
			if principal != nil {
				keyID = principal.KeyID
			}
			s.audit.AgentRegister(r.Context(), agent.ID, keyID, string(outcome))
			return registrationResponse(agent, outcome), nil
		},
	},
	{
		name:        "set_description",
		description: "Set a description for this agent so others know what it does.",
		inputSchema: `{"type":"object","properties":{"description":{"type":"string"},"agent_id":{"type":"string"}},"required":["description"]}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				Description string `json:"description"`
				AgentID     string `json:"agent_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			agentID, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			agent, err := s.registry.SetDescription(r.Context(), agentID, in.Description)
			if err != nil {
				return nil, err
			}
			return agentView(agent), nil
		},
	},
	{
		name:        "send_message",
		description: "Send a message to another agent. Pass deliver_offline=true to queue for an unregistered agent.",
		inputSchema: `{"type":"object","properties":{"target":{"type":"string"},"message":{"type":"string"},"context":{"type":"string"},"deliver_offline":{"type":"boolean"},"agent_id":{"type":"string"}},"required":["target","message"]}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				Target         string `json:"target"`
				Message        string `json:"message"`
				Context        string `json:"context"`
				DeliverOffline bool   `json:"deliver_offline"`
				AgentID        string `json:"agent_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			fromAgent, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			if aerr := s.allow(r.Context(), "send_message", fromAgent); aerr != nil {
				return nil, aerr
			}
			result, err := s.engine.Send(r.Context(), fromAgent, in.Target, in.Message, in.Context, in.DeliverOffline)
			if err != nil {
				return nil, err
			}
			view := map[string]any{
				"id":         result.Message.ID,
				"from_agent": result.Message.FromAgent,
				"to_agent":   result.Message.ToAgent,
				"message":    result.Message.Message,
				"timestamp":  result.Message.Timestamp,
				"status":     result.Message.Status,
			}
			if result.Message.Context != "" {
				view["context"] = result.Message.Context
			}
			if result.OfflineDelivery {
				view["offline_delivery"] = true
				view["note"] = fmt.Sprintf("Agent %q is offline. Message queued for delivery when they reconnect.", in.Target)
			}
			return view, nil
		},
	},
	{
		name:        "reply",
		description: "Reply to a message from another agent. Only the original recipient may reply.",
		inputSchema: `{"type":"object","properties":{"message_id":{"type":"string"},"response":{"type":"string"},"status":{"type":"string"},"agent_id":{"type":"string"}},"required":["message_id","response"]}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				MessageID string `json:"message_id"`
				Response  string `json:"response"`
				Status    string `json:"status"`
				AgentID   string `json:"agent_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			fromAgent, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			if aerr := s.allow(r.Context(), "reply", fromAgent); aerr != nil {
				return nil, aerr
			}
			reply, err := s.engine.Reply(r.Context(), fromAgent, in.MessageID, in.Response, in.Status)
			if err != nil {
				return nil, err
			}
			return reply, nil
		},
	},
	{
		name:        "get_messages",
		description: "Get all pending messages. Non-destructive: call ack_messages to remove them.",
		inputSchema: `{"type":"object","properties":{"agent_id":{"type":"string"}}}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				AgentID string `json:"agent_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			agentID, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			if aerr := s.allow(r.Context(), "get_messages", agentID); aerr != nil {
				return nil, aerr
			}
			return s.engine.Get(r.Context(), agentID)
		},
	},
	{
		name:        "ack_messages",
		description: "Acknowledge messages so they no longer appear in get_messages or wait_for_message.",
		inputSchema: `{"type":"object","properties":{"message_ids":{"type":"array","items":{"type":"string"}},"agent_id":{"type":"string"}},"required":["message_ids"]}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				MessageIDs []string `json:"message_ids"`
				AgentID    string   `json:"agent_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			agentID, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			if aerr := s.allow(r.Context(), "ack_messages", agentID); aerr != nil {
				return nil, aerr
			}
			acked, err := s.engine.Ack(r.Context(), agentID, in.MessageIDs)
			if err != nil {
				return nil, err
			}
			return map[string]any{"ok": true, "acked": acked}, nil
		},
	},
	{
		name:        "wait_for_message",
		description: "Block until a message arrives or the timeout elapses. With reply_to, waits for the correlated reply.",
		inputSchema: `{"type":"object","properties":{"timeout":{"type":"integer","minimum":1,"maximum":3600},"reply_to":{"type":"string"},"agent_id":{"type":"string"}}}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			in := struct {
				Timeout int    `json:"timeout"`
				ReplyTo string `json:"reply_to"`
				AgentID string `json:"agent_id"`
			}{Timeout: 60}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			agentID, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			if aerr := s.allow(r.Context(), "wait_for_message", agentID); aerr != nil {
				return nil, aerr
			}

			// The agent itself is calling: refresh its heartbeat on
			// every blocking cycle so it stays online through the wait.
			heartbeat := func() {
				if _, herr := s.registry.Heartbeat(r.Context(), agentID); herr != nil {
					s.logger.Debug("wait heartbeat failed", "agent", agentID, "error", herr)
				}
			}

			var result *messaging.WaitResult
			if in.ReplyTo != "" {
				result, err = s.engine.WaitFor(r.Context(), agentID, in.ReplyTo, in.Timeout, heartbeat)
			} else {
				result, err = s.engine.WaitAny(r.Context(), agentID, in.Timeout, heartbeat)
			}
			if err != nil {
				return nil, err
			}
			return waitView(result, in.Timeout), nil
		},
	},
	{
		name:        "register_webhook",
		description: "Register a webhook for instant message notifications, signed with HMAC-SHA256.",
		inputSchema: `{"type":"object","properties":{"url":{"type":"string"},"secret":{"type":"string"},"agent_id":{"type":"string"}},"required":["url","secret"]}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				URL     string `json:"url"`
				Secret  string `json:"secret"`
				AgentID string `json:"agent_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
				return nil, apierr.InvalidRequest("url", "must be a valid HTTP(S) URL")
			}
			if len(in.Secret) < 16 {
				return nil, apierr.InvalidRequest("secret", "must be at least 16 characters")
			}
			agentID, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			agent, err := s.registry.SetWebhook(r.Context(), agentID, in.URL, in.Secret)
			if err != nil {
				return nil, err
			}
			return agentView(agent), nil
		},
	},
	{
		name:        "unregister_webhook",
		description: "Remove the webhook registration for this agent. Idempotent.",
		inputSchema: `{"type":"object","properties":{"agent_id":{"type":"string"}}}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				AgentID string `json:"agent_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			agentID, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			agent, err := s.registry.ClearWebhook(r.Context(), agentID)
			if err != nil {
				return nil, err
			}
			return agentView(agent), nil
		},
	},
	{
		name:        "upload_blob",
		description: "Upload a blob for sharing with other agents. Use encoding=base64 for binary content.",
		inputSchema: `{"type":"object","properties":{"content":{"type":"string"},"filename":{"type":"string"},"mime_type":{"type":"string"},"encoding":{"type":"string","enum":["utf-8","base64"]},"agent_id":{"type":"string"}},"required":["content","filename"]}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				Content  string `json:"content"`
				Filename string `json:"filename"`
				MimeType string `json:"mime_type"`
				Encoding string `json:"encoding"`
				AgentID  string `json:"agent_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			agentID, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			if aerr := s.allow(r.Context(), "upload_blob", agentID); aerr != nil {
				return nil, aerr
			}

			content := []byte(in.Content)
			if in.Encoding == "base64" {
				decoded, derr := base64.StdEncoding.DecodeString(in.Content)
				if derr != nil {
					return nil, apierr.InvalidRequest("content", "invalid base64 encoding")
				}
				content = decoded
			}

			blob, err := s.blobs.Store(r.Context(), content, in.Filename, in.MimeType, agentID)
			if err != nil {
				return nil, err
			}
			s.audit.BlobUpload(r.Context(), blob.ID, blob.Filename, blob.Size, agentID, "rpc")
			return blob, nil
		},
	},
	{
		name:        "fetch_blob",
		description: "Fetch a blob by ID. Small blobs return inline; large ones return a download URL.",
		inputSchema: `{"type":"object","properties":{"blob_id":{"type":"string"},"inline_large":{"type":"boolean"},"agent_id":{"type":"string"}},"required":["blob_id"]}`,
		handler: func(s *Server, r *http.Request, args json.RawMessage) (any, error) {
			var in struct {
				BlobID      string `json:"blob_id"`
				InlineLarge bool   `json:"inline_large"`
				AgentID     string `json:"agent_id"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			agentID, err := s.toolIdentity(r.Context(), r, in.AgentID)
			if err != nil {
				return nil, err
			}
			if aerr := s.allow(r.Context(), "fetch_blob", agentID); aerr != nil {
				return nil, aerr
			}

			result, err := s.blobs.Fetch(r.Context(), in.BlobID, in.InlineLarge)
			if err != nil {
				return nil, err
			}
			s.audit.BlobDownload(r.Context(), result.Blob.ID, agentID, "rpc")

			view := map[string]any{
				"blob_id":    result.Blob.ID,
				"filename":   result.Blob.Filename,
				"mime_type":  result.Blob.MimeType,
				"size":       result.Blob.Size,
				"created_at": result.Blob.CreatedAt,
				"expires_at": result.Blob.ExpiresAt,
			}
			if result.Encoding != "" {
				view["content"] = result.Content
				view["encoding"] = result.Encoding
			} else {
				view["download_url"] = result.DownloadURL
				view["note"] = result.Note
			}
			return view, nil
		},
	},
}
