package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
)

// SlackNotifier sends notifications to Slack incoming webhooks.
type SlackNotifier struct {
	Client *http.Client
}

func (s *SlackNotifier) Send(ctx context.Context, webhookURL string, payload Payload) error {
	msg := &slack.WebhookMessage{Text: payload.Message}
	if b := payload.Bulletin; b != nil {
		fields := []slack.AttachmentField{
			{Title: "Source", Value: b.SourceSlug, Short: true},
			{Title: "Rule", Value: payload.RuleName, Short: true},
		}
		if b.PublishedAt != nil {
			fields = append(fields, slack.AttachmentField{Title: "Published", Value: *b.PublishedAt, Short: true})
		}
		msg.Attachments = []slack.Attachment{{
			Title:     b.Title,
			TitleLink: b.OriginURL,
			Text:      b.Summary,
			Fields:    fields,
		}}
	}
	return s.post(ctx, webhookURL, msg)
}

func (s *SlackNotifier) SendText(ctx context.Context, webhookURL, text string) error {
	return s.post(ctx, webhookURL, &slack.WebhookMessage{Text: text})
}

func (s *SlackNotifier) post(ctx context.Context, webhookURL string, msg *slack.WebhookMessage) error {
	if webhookURL == "" {
		return fmt.Errorf("slack webhook URL is not configured")
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, webhookURL, client, msg); err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	return nil
}
