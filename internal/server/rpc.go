// ABOUTME: JSON-RPC 2.0 tool surface for agents: initialize, tools/list, tools/call
// ABOUTME: Stateless Streamable-HTTP style endpoint; tool errors come back as isError results

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/michaelansel/c3po/internal/apierr"
)

// maxRPCBodySize bounds JSON-RPC request bodies (1 MB).
const maxRPCBodySize = 1 << 20

// JSON-RPC 2.0 types

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
)

// toolInfo describes one tool for tools/list.
type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// callToolParams are the params for tools/call.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// callToolResult is the result for tools/call.
type callToolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// toolContent represents content in a tool result.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// handleRPC processes JSON-RPC messages sent via HTTP POST. The
// surface is stateless: no session handshake state is kept between
// calls, matching clients configured from static files.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBodySize+1))
	if err != nil {
		s.sendRPCError(w, nil, rpcParseError, "failed to read request body")
		return
	}
	if len(body) > maxRPCBodySize {
		s.sendRPCError(w, nil, rpcInvalidRequest, "request body too large")
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendRPCError(w, nil, rpcParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendRPCError(w, req.ID, rpcInvalidRequest, "invalid JSON-RPC version")
		return
	}

	// Notifications carry no id: accept and return 202 with no body.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req)
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendRPCError(w, req.ID, rpcMethodNotFound, "method not found")
	}
}

// handleInitialize answers the handshake with server info.
func (s *Server) handleInitialize(w http.ResponseWriter, req rpcRequest) {
	result := map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "c3po",
			"version": "1.0.0",
		},
	}
	s.sendRPCResult(w, req.ID, result)
}

// handleToolsList returns the tool table.
func (s *Server) handleToolsList(w http.ResponseWriter, req rpcRequest) {
	tools := make([]toolInfo, len(toolTable))
	for i, def := range toolTable {
		tools[i] = toolInfo{
			Name:        def.name,
			Description: def.description,
			InputSchema: json.RawMessage(def.inputSchema),
		}
	}
	s.sendRPCResult(w, req.ID, map[string]any{"tools": tools})
}

// handleToolsCall dispatches a tool invocation through the typed
// handler table. Handler errors become isError tool results carrying
// the structured code and suggestion (unclassified errors as
// STORE_UNAVAILABLE); malformed params and unknown tools are JSON-RPC
// errors.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendRPCError(w, req.ID, rpcInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendRPCError(w, req.ID, rpcInvalidParams, "tool name is required")
		return
	}

	def := lookupTool(params.Name)
	if def == nil {
		s.sendRPCError(w, req.ID, rpcInvalidParams, "tool not found")
		return
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	s.logger.Debug("tools/call", "tool", params.Name)

	result, err := def.handler(s, r, args)
	if err != nil {
		s.sendToolError(w, req.ID, params.Name, err)
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("tool result marshal failed", "tool", params.Name, "error", err)
		s.sendRPCError(w, req.ID, rpcInvalidRequest, "tool result not serializable")
		return
	}
	s.sendRPCResult(w, req.ID, callToolResult{
		Content: []toolContent{{Type: "text", Text: string(payload)}},
	})
}

// sendToolError encodes a component error as an isError tool result so
// callers receive the structured code, message, and suggestion.
func (s *Server) sendToolError(w http.ResponseWriter, id json.RawMessage, toolName string, err error) {
	var aerr *apierr.Error
	if !errors.As(err, &aerr) {
		s.logger.Error("unclassified tool error", "tool", toolName, "error", err)
		aerr = apierr.StoreUnavailable(nil)
	}
	payload, merr := json.Marshal(aerr)
	if merr != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	s.sendRPCResult(w, id, callToolResult{
		Content: []toolContent{{Type: "text", Text: string(payload)}},
		IsError: true,
	})
}

// sendRPCResult sends a successful JSON-RPC response.
func (s *Server) sendRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendRPCError sends a JSON-RPC error response.
func (s *Server) sendRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
