// ABOUTME: Minimal RPC-surface exerciser for manual smoke testing
// ABOUTME: Registers, sends, waits, replies, and acks against a running coordinator

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8420", "coordinator base URL")
		token   = flag.String("token", os.Getenv("C3PO_AGENT_TOKEN"), "agent bearer token")
		agentID = flag.String("agent", "fake/agent", "agent id to act as")
		target  = flag.String("target", "", "send a message to this agent and wait for the reply")
		listen  = flag.Bool("listen", false, "wait for messages and echo replies")
		timeout = flag.Int("timeout", 60, "wait timeout in seconds")
	)
	flag.Parse()

	c := &rpcClient{url: *baseURL + "/agent/mcp", token: *token, agentID: *agentID}

	reg, err := c.call("register_agent", map[string]any{"agent_id": *agentID})
	if err != nil {
		fatal("register: %v", err)
	}
	fmt.Printf("registered: %s\n", reg)

	switch {
	case *target != "":
		sent, err := c.call("send_message", map[string]any{
			"target":  *target,
			"message": fmt.Sprintf("ping from %s at %s", *agentID, time.Now().Format(time.RFC3339)),
		})
		if err != nil {
			fatal("send: %v", err)
		}
		var msg struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(sent, &msg); err != nil {
			fatal("send result: %v", err)
		}
		fmt.Printf("sent %s, waiting for reply...\n", msg.ID)

		result, err := c.call("wait_for_message", map[string]any{
			"reply_to": msg.ID,
			"timeout":  *timeout,
		})
		if err != nil {
			fatal("wait: %v", err)
		}
		fmt.Printf("reply: %s\n", result)

	case *listen:
		for {
			result, err := c.call("wait_for_message", map[string]any{"timeout": *timeout})
			if err != nil {
				fatal("wait: %v", err)
			}
			var wait struct {
				Status   string `json:"status"`
				Messages []struct {
					ID        string `json:"id"`
					FromAgent string `json:"from_agent"`
					Message   string `json:"message"`
					Type      string `json:"type"`
				} `json:"messages"`
			}
			if err := json.Unmarshal(result, &wait); err != nil {
				fatal("wait result: %v", err)
			}
			if wait.Status != "received" {
				fmt.Printf("wait: %s\n", wait.Status)
				continue
			}
			var ids []string
			for _, m := range wait.Messages {
				fmt.Printf("[%s] %s: %s\n", m.Type, m.FromAgent, m.Message)
				ids = append(ids, m.ID)
				if m.Type == "message" {
					if _, err := c.call("reply", map[string]any{
						"message_id": m.ID,
						"response":   "echo: " + m.Message,
					}); err != nil {
						fmt.Printf("reply failed: %v\n", err)
					}
				}
			}
			if _, err := c.call("ack_messages", map[string]any{"message_ids": ids}); err != nil {
				fmt.Printf("ack failed: %v\n", err)
			}
		}

	default:
		result, err := c.call("list_agents", map[string]any{})
		if err != nil {
			fatal("list: %v", err)
		}
		fmt.Printf("agents: %s\n", result)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type rpcClient struct {
	url     string
	token   string
	agentID string
	nextID  int
}

// call invokes one tool via tools/call and returns the decoded result
// payload from the text content.
func (c *rpcClient) call(tool string, args map[string]any) (json.RawMessage, error) {
	if args["agent_id"] == nil {
		args["agent_id"] = c.agentID
	}
	c.nextID++
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID,
		"method":  "tools/call",
		"params":  map[string]any{"name": tool, "arguments": args},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Long-poll calls can block up to an hour server-side.
	resp, err := (&http.Client{Timeout: 2 * time.Hour}).Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

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
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("rpc error: %s", envelope.Error.Message)
	}
	if len(envelope.Result.Content) == 0 {
		return nil, fmt.Errorf("empty tool result")
	}
	text := envelope.Result.Content[0].Text
	if envelope.Result.IsError {
		return nil, fmt.Errorf("tool error: %s", text)
	}
	return json.RawMessage(text), nil
}
