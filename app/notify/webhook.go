package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// WebhookNotifier posts JSON payloads to generic webhooks. DingTalk robot
// URLs receive a markdown message instead of the raw payload.
type WebhookNotifier struct {
	Client *http.Client
}

func (w *WebhookNotifier) Send(ctx context.Context, webhookURL string, payload Payload) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL is not configured")
	}

	var body any = payload
	if isDingTalk(webhookURL) {
		body = dingTalkBody(payload)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notification failed with status: %s", resp.Status)
	}
	return nil
}

func isDingTalk(webhookURL string) bool {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Hostname()), "oapi.dingtalk.com")
}

func dingTalkBody(p Payload) map[string]any {
	lines := []string{p.Message}
	if p.RuleName != "" {
		lines = append(lines, "> Rule: "+p.RuleName)
	}
	if p.Keyword != "" {
		lines = append(lines, "> Keyword: "+p.Keyword)
	}
	if b := p.Bulletin; b != nil {
		if b.Title != "" {
			lines = append(lines, "> Title: "+b.Title)
		}
		if b.SourceSlug != "" {
			lines = append(lines, "> Source: "+b.SourceSlug)
		}
		if b.Summary != "" {
			lines = append(lines, "", b.Summary)
		}
		if b.OriginURL != "" {
			lines = append(lines, "", fmt.Sprintf("[View details](%s)", b.OriginURL))
		}
	}

	return map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": "SecLens notification",
			"text":  strings.Join(lines, "\n"),
		},
	}
}
