package alarm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Webhook is one alarm delivery target.
type Webhook struct {
	// Type is one of: slack | teams | http.
	Type string
	URL  string
}

// WebhookSink returns a Sink posting every alarm to hooks. Hooks with an
// empty URL are skipped. Delivery errors are logged and do not stop the
// Sender. client may be nil.
func WebhookSink(instanceID string, hooks []Webhook, client *http.Client) Sink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	n := &notifier{instanceID: instanceID, hooks: hooks, client: client}
	return n.deliver
}

type notifier struct {
	instanceID string
	hooks      []Webhook
	client     *http.Client
}

func (n *notifier) deliver(a Alarm) {
	for _, wh := range n.hooks {
		if wh.URL == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = n.sendSlack(wh.URL, a)
		case "teams":
			err = n.sendTeams(wh.URL, a)
		case "http":
			err = n.sendHTTP(wh.URL, a)
		default:
			slog.Warn("alarm: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("alarm: webhook delivery failed", "type", wh.Type, "alarm", a.Type, "err", err)
		} else {
			slog.Debug("alarm: webhook delivered", "type", wh.Type, "alarm", a.Type)
		}
	}
}

func (n *notifier) sendSlack(url string, a Alarm) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* [%s] %s", a.Type, n.instanceID, a.Message),
	})
	return n.post(url, body)
}

func (n *notifier) sendTeams(url string, a Alarm) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": "FFAB40",
		"summary":    string(a.Type),
		"title":      fmt.Sprintf("loghaven alarm: %s", a.Type),
		"text":       fmt.Sprintf("%s: %s", n.instanceID, a.Message),
	}
	body, _ := json.Marshal(payload)
	return n.post(url, body)
}

func (n *notifier) sendHTTP(url string, a Alarm) error {
	body, _ := json.Marshal(map[string]interface{}{
		"instance_id": n.instanceID,
		"type":        a.Type,
		"message":     a.Message,
		"at":          a.At.UTC().Format(time.RFC3339),
	})
	return n.post(url, body)
}

func (n *notifier) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
