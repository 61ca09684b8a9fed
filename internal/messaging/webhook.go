// ABOUTME: Fire-and-forget webhook notifications for message delivery
// ABOUTME: POSTs a wake-up payload signed with HMAC-SHA256; failures never block delivery

package messaging

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/michaelansel/c3po/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-C3PO-Signature"

const webhookTimeout = 5 * time.Second

// WebhookNotifier posts wake-up notifications to agents that
// registered a webhook. The payload names only the recipient; message
// content is retrieved through get_messages.
type WebhookNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a notifier with the standard timeout.
func NewWebhookNotifier(logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.With("component", "webhook"),
	}
}

// Notify fires a webhook for the agent if one is configured. Runs in
// the background; delivery failure is logged and otherwise ignored.
func (n *WebhookNotifier) Notify(agent *store.Agent) {
	if n == nil || agent == nil || agent.WebhookURL == "" || agent.WebhookSecret == "" {
		return
	}
	url, secret, agentID := agent.WebhookURL, agent.WebhookSecret, agent.ID
	go n.post(agentID, url, secret)
}

func (n *WebhookNotifier) post(agentID, url, secret string) {
	body, err := json.Marshal(map[string]string{"agent_id": agentID})
	if err != nil {
		n.logger.Warn("webhook payload marshal failed", "agent", agentID, "error", err)
		return
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request build failed", "agent", agentID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook failed", "agent", agentID, "url", url, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	n.logger.Info("webhook fired", "agent", agentID, "url", url, "status", resp.StatusCode)
}
