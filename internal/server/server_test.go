// ABOUTME: End-to-end transport tests over httptest: RPC tools, REST, auth, rate limits
// ABOUTME: Exercises the round-trip, collision, ack, scope, rate-limit, and offline scenarios

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelansel/c3po/internal/config"
	"github.com/michaelansel/c3po/internal/store"
)

func newTestServer(t *testing.T, authCfg config.AuthConfig) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{BindHost: "127.0.0.1", Port: 8420},
		Store:  config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")},
		Auth:   authCfg,
		Agents: config.AgentsConfig{
			HeartbeatTTL: 15 * time.Minute,
			MessageTTL:   24 * time.Hour,
		},
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ts := httptest.NewServer(New(cfg, st, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

// callTool invokes one RPC tool and returns the decoded result text
// and whether the tool reported an error.
func callTool(t *testing.T, baseURL, path, token string, headers map[string]string, tool string, args map[string]any) (json.RawMessage, bool) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": tool, "arguments": args},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Nil(t, envelope.Error)
	require.NotEmpty(t, envelope.Result.Content)
	return json.RawMessage(envelope.Result.Content[0].Text), envelope.Result.IsError
}

func errCode(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(raw, &e))
	return e.Code
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{ServerSecret: "s", AdminKey: "a"})

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status       string `json:"status"`
		AgentsOnline int    `json:"agents_online"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.AgentsOnline)
}

func TestScenarioBasicRoundTrip(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	result, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "register_agent", map[string]any{"agent_id": "lab/A"})
	require.False(t, isErr, "register A: %s", result)
	result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "register_agent", map[string]any{"agent_id": "lab/B"})
	require.False(t, isErr, "register B: %s", result)

	// A sends to B
	result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "send_message", map[string]any{
		"agent_id": "lab/A", "target": "lab/B", "message": "What is 2+2?",
	})
	require.False(t, isErr, "send: %s", result)
	var sent struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(result, &sent))
	assert.Regexp(t, `^lab/A::lab/B::[a-f0-9]{8}$`, sent.ID)

	// B waits and receives the message
	result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "wait_for_message", map[string]any{
		"agent_id": "lab/B", "timeout": 30,
	})
	require.False(t, isErr, "wait: %s", result)
	var wait struct {
		Status   string `json:"status"`
		Messages []struct {
			ID      string `json:"id"`
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(result, &wait))
	assert.Equal(t, "received", wait.Status)
	require.Len(t, wait.Messages, 1)
	assert.Equal(t, sent.ID, wait.Messages[0].ID)
	assert.Equal(t, "What is 2+2?", wait.Messages[0].Message)

	// B replies
	result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "reply", map[string]any{
		"agent_id": "lab/B", "message_id": sent.ID, "response": "4",
	})
	require.False(t, isErr, "reply: %s", result)
	var reply struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(result, &reply))

	// A waits for the correlated reply
	result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "wait_for_message", map[string]any{
		"agent_id": "lab/A", "reply_to": sent.ID, "timeout": 30,
	})
	require.False(t, isErr, "wait for reply: %s", result)
	require.NoError(t, json.Unmarshal(result, &wait))
	assert.Equal(t, "received", wait.Status)
	require.Len(t, wait.Messages, 1)
	assert.Equal(t, "4", wait.Messages[0].Message)
	assert.Equal(t, "reply", wait.Messages[0].Type)

	// Both ack; both inboxes drain
	_, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "ack_messages", map[string]any{
		"agent_id": "lab/B", "message_ids": []string{sent.ID},
	})
	require.False(t, isErr)
	_, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "ack_messages", map[string]any{
		"agent_id": "lab/A", "message_ids": []string{reply.ID},
	})
	require.False(t, isErr)

	for _, agent := range []string{"lab/A", "lab/B"} {
		result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "get_messages", map[string]any{"agent_id": agent})
		require.False(t, isErr)
		var msgs []any
		require.NoError(t, json.Unmarshal(result, &msgs))
		assert.Empty(t, msgs, agent)
	}
}

func TestScenarioCollisionSuffix(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	result, isErr := callTool(t, ts.URL, "/agent/mcp", "",
		map[string]string{"X-Session-ID": "s1"},
		"register_agent", map[string]any{"agent_id": "host/proj"})
	require.False(t, isErr)
	var reg struct {
		ID      string `json:"id"`
		Outcome string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(result, &reg))
	assert.Equal(t, "host/proj", reg.ID)
	assert.Equal(t, "created", reg.Outcome)

	// A second live session collides and gets a suffix
	result, isErr = callTool(t, ts.URL, "/agent/mcp", "",
		map[string]string{"X-Session-ID": "s2"},
		"register_agent", map[string]any{"agent_id": "host/proj"})
	require.False(t, isErr)
	require.NoError(t, json.Unmarshal(result, &reg))
	assert.Equal(t, "host/proj-2", reg.ID)
	assert.Equal(t, "suffixed", reg.Outcome)
}

func TestScenarioIdempotentAck(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	for _, id := range []string{"lab/A", "lab/B"} {
		_, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "register_agent", map[string]any{"agent_id": id})
		require.False(t, isErr)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		result, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "send_message", map[string]any{
			"agent_id": "lab/A", "target": "lab/B", "message": fmt.Sprintf("m%d", i),
		})
		require.False(t, isErr)
		var sent struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(result, &sent))
		ids = append(ids, sent.ID)
	}

	result, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "ack_messages", map[string]any{
		"agent_id": "lab/B", "message_ids": ids,
	})
	require.False(t, isErr)
	var ack struct {
		Acked int `json:"acked"`
	}
	require.NoError(t, json.Unmarshal(result, &ack))
	assert.Equal(t, 3, ack.Acked)

	// Re-acking one id is a silent no-op
	result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "ack_messages", map[string]any{
		"agent_id": "lab/B", "message_ids": ids[:1],
	})
	require.False(t, isErr, "re-ack: %s", result)
	require.NoError(t, json.Unmarshal(result, &ack))
	assert.Equal(t, 0, ack.Acked)

	result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "get_messages", map[string]any{"agent_id": "lab/B"})
	require.False(t, isErr)
	var msgs []any
	require.NoError(t, json.Unmarshal(result, &msgs))
	assert.Empty(t, msgs)
}

func TestScenarioScopeEnforcement(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{ServerSecret: "srv", AdminKey: "adm"})

	// Admin issues a key scoped to lab/*
	payload := bytes.NewReader([]byte(`{"agent_pattern":"lab/*","description":"scoped"}`))
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/admin/api/keys", payload)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer srv.adm")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.Token)

	// The scoped key can register within its pattern
	result, isErr := callTool(t, ts.URL, "/agent/mcp", created.Token, nil,
		"register_agent", map[string]any{"agent_id": "lab/proj"})
	require.False(t, isErr, "in-scope register: %s", result)

	// Outside the pattern: FORBIDDEN_SCOPE
	result, isErr = callTool(t, ts.URL, "/agent/mcp", created.Token, nil,
		"register_agent", map[string]any{"agent_id": "other/proj"})
	require.True(t, isErr)
	assert.Equal(t, "FORBIDDEN_SCOPE", errCode(t, result))
}

func TestScenarioRateLimit(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	for _, id := range []string{"lab/X", "lab/Y"} {
		_, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "register_agent", map[string]any{"agent_id": id})
		require.False(t, isErr)
	}

	for i := 0; i < 10; i++ {
		result, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "send_message", map[string]any{
			"agent_id": "lab/X", "target": "lab/Y", "message": "burst",
		})
		require.False(t, isErr, "send %d: %s", i+1, result)
	}

	// The 11th send inside the window is rejected
	result, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "send_message", map[string]any{
		"agent_id": "lab/X", "target": "lab/Y", "message": "one too many",
	})
	require.True(t, isErr)
	assert.Equal(t, "RATE_LIMITED", errCode(t, result))
}

func TestScenarioOfflinePreservation(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	for _, id := range []string{"lab/A", "lab/B"} {
		_, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "register_agent", map[string]any{"agent_id": id})
		require.False(t, isErr)
	}
	for i := 0; i < 2; i++ {
		_, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "send_message", map[string]any{
			"agent_id": "lab/A", "target": "lab/B", "message": fmt.Sprintf("unread-%d", i),
		})
		require.False(t, isErr)
	}

	// B unregisters without keep; the non-empty inbox forces retention
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/agent/api/unregister", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderMachineName, "lab")
	req.Header.Set(HeaderProjectName, "B")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var unreg struct {
		Kept            bool `json:"kept"`
		PendingMessages bool `json:"pending_messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&unreg))
	assert.True(t, unreg.Kept)
	assert.True(t, unreg.PendingMessages)

	// B re-registers with a new session: same canonical id, queue intact
	result, isErr := callTool(t, ts.URL, "/agent/mcp", "",
		map[string]string{"X-Session-ID": "fresh-session"},
		"register_agent", map[string]any{"agent_id": "lab/B"})
	require.False(t, isErr)
	var reg struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(result, &reg))
	assert.Equal(t, "lab/B", reg.ID)

	result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "get_messages", map[string]any{"agent_id": "lab/B"})
	require.False(t, isErr)
	var msgs []struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(result, &msgs))
	assert.Len(t, msgs, 2)
}

func TestRESTAuthEnforced(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{ServerSecret: "srv", AdminKey: "adm"})

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/agent/api/register", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderMachineName, "lab")
	req.Header.Set(HeaderProjectName, "proj")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Admin surface too
	resp2, err := http.Get(ts.URL + "/admin/api/keys")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestRPCAuthRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{ServerSecret: "srv", AdminKey: "adm"})

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ping","arguments":{}}}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/agent/mcp", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong.credentials")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRESTWaitTimesOut(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	// Register so identity checks pass, then wait on an empty inbox
	_, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "register_agent", map[string]any{"agent_id": "lab/W"})
	require.False(t, isErr)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/agent/api/wait?timeout=1", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderMachineName, "lab")
	req.Header.Set(HeaderProjectName, "W")

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	var wait struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wait))
	assert.Equal(t, "timeout", wait.Status)
	assert.Equal(t, 0, wait.Count)
}

func TestRESTWaitRejectsOutOfRangeTimeout(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	for _, timeout := range []string{"0", "3601"} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/agent/api/wait?timeout="+timeout, nil)
		require.NoError(t, err)
		req.Header.Set(HeaderMachineName, "lab")
		req.Header.Set(HeaderProjectName, "W")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "timeout=%s", timeout)
		_ = resp.Body.Close()
	}
}

func TestWaitTimeoutToolResponse(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	_, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "register_agent", map[string]any{"agent_id": "lab/Q"})
	require.False(t, isErr)

	// Timeout comes back as a successful result with a status marker
	result, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "wait_for_message", map[string]any{
		"agent_id": "lab/Q", "timeout": 1,
	})
	require.False(t, isErr)
	var wait struct {
		Status string `json:"status"`
		Code   string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(result, &wait))
	assert.Equal(t, "timeout", wait.Status)
	assert.Equal(t, "TIMEOUT", wait.Code)
}

func TestAdminKeyLifecycleOverREST(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{ServerSecret: "srv", AdminKey: "adm"})
	adminToken := "srv.adm"

	doAdmin := func(method, path string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ts.URL+path, body)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := doAdmin(http.MethodPost, "/admin/api/keys", bytes.NewReader([]byte(`{"agent_pattern":"lab/*"}`)))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		KeyID string `json:"key_id"`
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()

	resp = doAdmin(http.MethodGet, "/admin/api/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Keys []struct {
			KeyID string `json:"key_id"`
		} `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	_ = resp.Body.Close()
	require.Len(t, listed.Keys, 1)
	assert.Equal(t, created.KeyID, listed.Keys[0].KeyID)

	resp = doAdmin(http.MethodDelete, "/admin/api/keys/"+created.KeyID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// The revoked key no longer authenticates
	rpcBody := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ping","arguments":{}}}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/agent/mcp", bytes.NewReader(rpcBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+created.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Audit has recorded the lifecycle
	resp = doAdmin(http.MethodGet, "/admin/api/audit?event=admin_key_revoke", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var audit struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&audit))
	_ = resp.Body.Close()
	assert.Equal(t, 1, audit.Count)
}

func TestSendToMissingAgentWithoutDeliverOffline(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	_, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "register_agent", map[string]any{"agent_id": "lab/A"})
	require.False(t, isErr)

	result, isErr := callTool(t, ts.URL, "/agent/mcp", "", nil, "send_message", map[string]any{
		"agent_id": "lab/A", "target": "ghost/agent", "message": "anyone there?",
	})
	require.True(t, isErr)
	assert.Equal(t, "AGENT_NOT_FOUND", errCode(t, result))

	// With deliver_offline the message queues against a placeholder
	result, isErr = callTool(t, ts.URL, "/agent/mcp", "", nil, "send_message", map[string]any{
		"agent_id": "lab/A", "target": "ghost/agent", "message": "anyone there?", "deliver_offline": true,
	})
	require.False(t, isErr, "deliver_offline send: %s", result)
	var sent struct {
		OfflineDelivery bool `json:"offline_delivery"`
	}
	require.NoError(t, json.Unmarshal(result, &sent))
	assert.True(t, sent.OfflineDelivery)
}

func TestProxyDomainRPC(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{ServerSecret: "srv", AdminKey: "adm", ProxyBearerToken: "proxy-tok"})

	// Proxy token works on /oauth/mcp
	result, isErr := callTool(t, ts.URL, "/oauth/mcp", "proxy-tok", nil, "ping", map[string]any{})
	require.False(t, isErr)
	var pong struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(result, &pong))
	assert.True(t, pong.OK)

	// But not on /agent/mcp (wrong domain, wrong shape)
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ping","arguments":{}}}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/agent/mcp", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer proxy-tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestToolsListExposesCoreTools(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp, err := http.Post(ts.URL+"/agent/mcp", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))

	names := map[string]bool{}
	for _, tool := range envelope.Result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"ping", "list_agents", "register_agent", "set_description",
		"send_message", "reply", "get_messages", "ack_messages", "wait_for_message",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}
