package api

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/seclens/seclens/app/bulletin"
	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/database"
	"github.com/seclens/seclens/app/ingest"
	"github.com/seclens/seclens/app/metrics"
	"github.com/seclens/seclens/app/pubtime"
	"github.com/seclens/seclens/app/tasks"
)

type Ingester interface {
	Ingest(ctx context.Context, items []bulletin.Bulletin) (ingest.Result, error)
}

type CollectionRunner interface {
	Run(ctx context.Context, config *connector.SourceConfig, opts connector.CollectOptions) (*tasks.CollectionOutcome, error)
}

var (
	_ Ingester         = (*ingest.Service)(nil)
	_ CollectionRunner = (*tasks.CollectionRunner)(nil)
)

// Dependencies bundles everything the handlers read from or write to.
type Dependencies struct {
	Sources       database.SourceRepository
	Bulletins     database.BulletinRepository
	Subscriptions database.SubscriptionRepository
	PushRules     database.PushRuleRepository
	ConfigCache   *connector.ConfigCache
	Ingester      Ingester
	Runner        CollectionRunner
	Resolver      *pubtime.Resolver
	Metrics       *metrics.Metrics

	BaseURL         string
	Version         string
	DisplayLocation *time.Location
	FeedCacheTTL    time.Duration
}

type Handler struct {
	sources       database.SourceRepository
	bulletins     database.BulletinRepository
	subscriptions database.SubscriptionRepository
	pushRules     database.PushRuleRepository
	configCache   *connector.ConfigCache
	ingester      Ingester
	runner        CollectionRunner
	resolver      *pubtime.Resolver
	metrics       *metrics.Metrics
	generator     *Generator
	feedCache     *cache.Cache
	location      *time.Location
	version       string
}

type BulletinResponse struct {
	ID               int64          `json:"id"`
	SourceSlug       string         `json:"source_slug"`
	ExternalID       string         `json:"external_id,omitempty"`
	Title            string         `json:"title"`
	Summary          string         `json:"summary,omitempty"`
	BodyText         string         `json:"body_text,omitempty"`
	OriginURL        string         `json:"origin_url,omitempty"`
	Severity         string         `json:"severity,omitempty"`
	Language         string         `json:"language,omitempty"`
	Labels           []string       `json:"labels"`
	Topics           []string       `json:"topics"`
	PublishedAt      *time.Time     `json:"published_at"`
	PublishedDisplay string         `json:"published_display,omitempty"`
	FetchedAt        *time.Time     `json:"fetched_at,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type BulletinListResponse struct {
	Items      []BulletinResponse `json:"items"`
	Pagination Pagination         `json:"pagination"`
}

type SourceResponse struct {
	Slug            string     `json:"slug"`
	Name            string     `json:"name"`
	Kind            string     `json:"kind"`
	URL             string     `json:"url"`
	Enabled         bool       `json:"enabled"`
	Cursor          string     `json:"cursor"`
	RefreshInterval string     `json:"refresh_interval"`
	BulletinCount   int        `json:"bulletin_count"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// ResolveRequest asks for a dry-run resolution of raw candidates under the
// policy of a source.
type ResolveRequest struct {
	Source     string             `json:"source"`
	FetchedAt  *time.Time         `json:"fetched_at"`
	Candidates []ResolveCandidate `json:"candidates"`
}

type ResolveCandidate struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

type ResolveResponse struct {
	ResolvedAt       *time.Time       `json:"resolved_at"`
	PublishedDisplay string           `json:"published_display,omitempty"`
	TimeMeta         pubtime.Metadata `json:"time_meta"`
}

type SubscriptionRequest struct {
	Name       string `json:"name" binding:"required"`
	Keyword    string `json:"keyword"`
	SourceSlug string `json:"source_slug"`
}

type PushRuleRequest struct {
	Name            string `json:"name" binding:"required"`
	Keyword         string `json:"keyword" binding:"required"`
	WebhookURL      string `json:"webhook_url"`
	SlackWebhookURL string `json:"slack_webhook_url"`
	Active          *bool  `json:"active"`
}
