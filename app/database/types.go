package database

import (
	"time"
)

type Source struct {
	Slug          string
	Name          string
	Kind          string
	URL           string
	Enabled       bool
	LastRunAt     *time.Time
	LastSuccessAt *time.Time
	NextRunAt     *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Bulletin struct {
	ID          int64
	SourceSlug  string
	ExternalID  string
	Title       string
	Summary     string
	BodyText    string
	OriginURL   string
	Severity    string
	Language    string
	Labels      []string
	Topics      []string
	PublishedAt *time.Time
	FetchedAt   *time.Time
	Extra       map[string]any
	Raw         map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertResult reports what happened to one bulletin at the ingest boundary.
type UpsertResult struct {
	ID      int64
	Created bool
}

type ListFilter struct {
	SourceSlug string
	Label      string
	Topic      string
	Query      string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

type Subscription struct {
	ID         int64
	Token      string
	Name       string
	Keyword    string
	SourceSlug string
	CreatedAt  time.Time
}

type PushRule struct {
	ID              int64
	Name            string
	Keyword         string
	WebhookURL      string
	SlackWebhookURL string
	Active          bool
	CreatedAt       time.Time
}
