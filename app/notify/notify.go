package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/seclens/seclens/app/database"
	"github.com/seclens/seclens/app/metrics"
)

// RuleSource lists the push rules that should be evaluated for new bulletins.
type RuleSource interface {
	ListActivePushRules(ctx context.Context) ([]database.PushRule, error)
}

// Payload is the message delivered for one rule match.
type Payload struct {
	Message  string          `json:"message"`
	RuleID   int64           `json:"rule_id,omitempty"`
	RuleName string          `json:"rule_name,omitempty"`
	Keyword  string          `json:"keyword,omitempty"`
	Bulletin *BulletinDigest `json:"bulletin"`
}

type BulletinDigest struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Summary     string  `json:"summary,omitempty"`
	OriginURL   string  `json:"origin_url,omitempty"`
	SourceSlug  string  `json:"source_slug"`
	PublishedAt *string `json:"published_at"`
}

// Dispatcher matches new bulletins against the active push rules and sends
// one notification per match. Delivery failures are logged and counted but
// never returned to the caller.
type Dispatcher struct {
	rules   RuleSource
	webhook *WebhookNotifier
	slack   *SlackNotifier
	metrics *metrics.Metrics

	// alertWebhook receives collection failure alerts when set.
	alertWebhook string
}

type Option func(*Dispatcher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.webhook.Client = client
		d.slack.Client = client
	}
}

func WithAlertWebhook(url string) Option {
	return func(d *Dispatcher) {
		d.alertWebhook = url
	}
}

func NewDispatcher(rules RuleSource, opts ...Option) *Dispatcher {
	client := &http.Client{Timeout: 10 * time.Second}
	d := &Dispatcher{
		rules:   rules,
		webhook: &WebhookNotifier{Client: client},
		slack:   &SlackNotifier{Client: client},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch returns the number of notifications delivered successfully.
func (d *Dispatcher) Dispatch(ctx context.Context, bulletins []database.Bulletin) int {
	if len(bulletins) == 0 {
		return 0
	}

	rules, err := d.rules.ListActivePushRules(ctx)
	if err != nil {
		slog.Warn("Failed to load push rules", "error", err)
		return 0
	}
	if len(rules) == 0 {
		return 0
	}

	sent := 0
	for _, b := range bulletins {
		for _, rule := range rules {
			if !KeywordMatch(b, rule.Keyword) {
				continue
			}
			sent += d.deliver(ctx, rule, buildPayload(rule, b))
		}
	}
	return sent
}

func (d *Dispatcher) deliver(ctx context.Context, rule database.PushRule, payload Payload) int {
	sent := 0
	if rule.WebhookURL != "" {
		err := d.webhook.Send(ctx, rule.WebhookURL, payload)
		d.record("webhook", rule, err)
		if err == nil {
			sent++
		}
	}
	if rule.SlackWebhookURL != "" {
		err := d.slack.Send(ctx, rule.SlackWebhookURL, payload)
		d.record("slack", rule, err)
		if err == nil {
			sent++
		}
	}
	return sent
}

func (d *Dispatcher) record(channel string, rule database.PushRule, err error) {
	d.metrics.ObserveNotification(channel, err)
	if err != nil {
		slog.Warn("Notification delivery failed", "channel", channel, "rule", rule.Name, "error", err)
		return
	}
	slog.Debug("Notification delivered", "channel", channel, "rule", rule.Name)
}

// AlertFailure posts a collection failure to the alert webhook, if one is
// configured.
func (d *Dispatcher) AlertFailure(ctx context.Context, source string, cause error) {
	if d == nil || d.alertWebhook == "" {
		return
	}
	err := d.slack.SendText(ctx, d.alertWebhook, fmt.Sprintf(":warning: collection of `%s` failed: %v", source, cause))
	d.metrics.ObserveNotification("alert", err)
	if err != nil {
		slog.Warn("Failed to send collection alert", "source", source, "error", err)
	}
}

// KeywordMatch reports whether keyword occurs, case-insensitively, in the
// title, summary or body of b. An empty keyword never matches.
func KeywordMatch(b database.Bulletin, keyword string) bool {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return false
	}
	combined := strings.ToLower(strings.Join([]string{b.Title, b.Summary, b.BodyText}, " "))
	return strings.Contains(combined, keyword)
}

func buildPayload(rule database.PushRule, b database.Bulletin) Payload {
	title := b.Title
	if title == "" {
		title = "SecLens update"
	}

	digest := &BulletinDigest{
		ID:         b.ID,
		Title:      title,
		Summary:    b.Summary,
		OriginURL:  b.OriginURL,
		SourceSlug: b.SourceSlug,
	}
	if b.PublishedAt != nil {
		s := b.PublishedAt.UTC().Format(time.RFC3339)
		digest.PublishedAt = &s
	}

	return Payload{
		Message:  fmt.Sprintf("[SecLens] keyword %q matched a new bulletin: %s", rule.Keyword, title),
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Keyword:  rule.Keyword,
		Bulletin: digest,
	}
}
