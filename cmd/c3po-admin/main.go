// ABOUTME: Admin CLI for the c3po coordinator key, agent, and audit management
// ABOUTME: Talks to the /admin REST surface with the composite admin bearer token

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("C3PO_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8420"
	}
	token := os.Getenv("C3PO_ADMIN_TOKEN")

	c := &client{baseURL: strings.TrimRight(baseURL, "/"), token: token}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(c)
	case "keys":
		err = cmdKeys(c, args)
	case "agents":
		err = cmdAgents(c, args)
	case "audit":
		err = cmdAudit(c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`c3po-admin - coordinator administration

Usage:
  c3po-admin status
  c3po-admin keys list
  c3po-admin keys create <agent-pattern> [description]
  c3po-admin keys revoke <key-id>
  c3po-admin agents [online|offline] [pattern]
  c3po-admin agents remove <pattern>
  c3po-admin audit [limit]

Environment:
  C3PO_URL          coordinator base URL (default http://localhost:8420)
  C3PO_ADMIN_TOKEN  admin bearer token ({server_secret}.{admin_key})
`)
}

type client struct {
	baseURL string
	token   string
}

func (c *client) do(method, path string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error      string `json:"error"`
			Code       string `json:"code"`
			Suggestion string `json:"suggestion"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			if e.Suggestion != "" {
				return fmt.Errorf("%s (%s)", e.Error, e.Suggestion)
			}
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func cmdStatus(c *client) error {
	var health struct {
		Status       string `json:"status"`
		AgentsOnline int    `json:"agents_online"`
	}
	if err := c.do(http.MethodGet, "/api/health", nil, &health); err != nil {
		return err
	}
	if health.Status == "ok" {
		color.Green("coordinator: ok")
	} else {
		color.Red("coordinator: %s", health.Status)
	}
	fmt.Printf("agents online: %d\n", health.AgentsOnline)
	return nil
}

func cmdKeys(c *client, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		var out struct {
			Keys []struct {
				KeyID        string     `json:"key_id"`
				AgentPattern string     `json:"agent_pattern"`
				Description  string     `json:"description"`
				CreatedAt    time.Time  `json:"created_at"`
				RevokedAt    *time.Time `json:"revoked_at"`
			} `json:"keys"`
		}
		if err := c.do(http.MethodGet, "/admin/api/keys", nil, &out); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY ID\tPATTERN\tDESCRIPTION\tCREATED\tSTATE")
		for _, k := range out.Keys {
			state := "active"
			if k.RevokedAt != nil {
				state = "revoked"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				k.KeyID, k.AgentPattern, k.Description, k.CreatedAt.Format(time.RFC3339), state)
		}
		return w.Flush()

	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: keys create <agent-pattern> [description]")
		}
		description := ""
		if len(args) > 2 {
			description = strings.Join(args[2:], " ")
		}
		payload, _ := json.Marshal(map[string]string{
			"agent_pattern": args[1],
			"description":   description,
		})
		var out struct {
			KeyID        string `json:"key_id"`
			Token        string `json:"token"`
			AgentPattern string `json:"agent_pattern"`
		}
		if err := c.do(http.MethodPost, "/admin/api/keys", strings.NewReader(string(payload)), &out); err != nil {
			return err
		}
		color.Green("key created: %s (pattern %s)", out.KeyID, out.AgentPattern)
		fmt.Println("token (shown once):")
		fmt.Println(out.Token)
		return nil

	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: keys revoke <key-id>")
		}
		if err := c.do(http.MethodDelete, "/admin/api/keys/"+url.PathEscape(args[1]), nil, nil); err != nil {
			return err
		}
		color.Green("key revoked: %s", args[1])
		return nil

	default:
		return fmt.Errorf("unknown keys subcommand: %s", args[0])
	}
}

func cmdAgents(c *client, args []string) error {
	if len(args) > 0 && args[0] == "remove" {
		if len(args) < 2 {
			return fmt.Errorf("usage: agents remove <pattern>")
		}
		var out struct {
			Removed  int      `json:"removed"`
			AgentIDs []string `json:"agent_ids"`
		}
		path := "/admin/api/agents?pattern=" + url.QueryEscape(args[1])
		if err := c.do(http.MethodDelete, path, nil, &out); err != nil {
			return err
		}
		color.Green("removed %d agent(s)", out.Removed)
		for _, id := range out.AgentIDs {
			fmt.Println("  " + id)
		}
		return nil
	}

	query := url.Values{}
	if len(args) > 0 && (args[0] == "online" || args[0] == "offline") {
		query.Set("status", args[0])
		args = args[1:]
	}
	if len(args) > 0 {
		query.Set("pattern", args[0])
	}
	path := "/admin/api/agents"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out struct {
		Agents []struct {
			ID       string    `json:"id"`
			Status   string    `json:"status"`
			LastSeen time.Time `json:"last_seen"`
		} `json:"agents"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tLAST SEEN")
	for _, a := range out.Agents {
		status := a.Status
		if status == "online" {
			status = color.GreenString(status)
		} else {
			status = color.YellowString(status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, status, a.LastSeen.Format(time.RFC3339))
	}
	return w.Flush()
}

func cmdAudit(c *client, args []string) error {
	path := "/admin/api/audit"
	if len(args) > 0 {
		path += "?limit=" + url.QueryEscape(args[0])
	}
	var out struct {
		Entries []struct {
			Event     string         `json:"event"`
			Actor     string         `json:"actor"`
			Timestamp time.Time      `json:"timestamp"`
			Detail    map[string]any `json:"detail"`
		} `json:"entries"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tACTOR\tDETAIL")
	for _, e := range out.Entries {
		detail, _ := json.Marshal(e.Detail)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Event, e.Actor, string(detail))
	}
	return w.Flush()
}
