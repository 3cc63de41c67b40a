package bulletin

import (
	"errors"
	"strings"
	"time"

	"github.com/seclens/seclens/app/pubtime"
)

// TimeMetaKey is the extra key holding how the publication time was resolved.
const TimeMetaKey = "time_meta"

type SourceInfo struct {
	SourceSlug string `json:"source_slug"`
	ExternalID string `json:"external_id,omitempty"`
	OriginURL  string `json:"origin_url,omitempty"`
}

type ContentInfo struct {
	Title       string     `json:"title"`
	Summary     string     `json:"summary,omitempty"`
	BodyText    string     `json:"body_text,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Language    string     `json:"language,omitempty"`
}

// Bulletin is the normalized record produced by connectors and accepted by
// the ingest boundary.
type Bulletin struct {
	Source    SourceInfo     `json:"source"`
	Content   ContentInfo    `json:"content"`
	Severity  string         `json:"severity,omitempty"`
	FetchedAt *time.Time     `json:"fetched_at,omitempty"`
	Labels    []string       `json:"labels"`
	Topics    []string       `json:"topics"`
	Extra     map[string]any `json:"extra,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

func (b Bulletin) Identity() Identity {
	return Identity{SourceSlug: b.Source.SourceSlug, ExternalID: b.Source.ExternalID}
}

func (b Bulletin) Validate() error {
	if strings.TrimSpace(b.Source.SourceSlug) == "" {
		return errors.New("source_slug is required")
	}
	if strings.TrimSpace(b.Content.Title) == "" {
		return errors.New("title is required")
	}
	return nil
}

// SetPublished stores a resolution outcome on the bulletin.
func (b *Bulletin) SetPublished(res pubtime.Result) {
	b.Content.PublishedAt = res.ResolvedAt
	if b.Extra == nil {
		b.Extra = make(map[string]any)
	}
	b.Extra[TimeMetaKey] = res.Metadata.Map()
}

// PublishedFallback reports whether PublishedAt is the fetch time rather than
// a value taken from the source.
func (b Bulletin) PublishedFallback() bool {
	meta, ok := b.Extra[TimeMetaKey].(map[string]any)
	if !ok {
		return false
	}
	fallback, _ := meta["fallback"].(bool)
	return fallback
}

// Identity is the deduplication key of a bulletin. ExternalID must be stable
// across fetches of the same upstream item.
type Identity struct {
	SourceSlug string
	ExternalID string
}

// Deduplicable reports whether the identity can be used to find an earlier
// copy. Bulletins without an external id are always inserted.
func (i Identity) Deduplicable() bool {
	return i.SourceSlug != "" && i.ExternalID != ""
}

func (i Identity) Key() string {
	return i.SourceSlug + "/" + i.ExternalID
}

func (i Identity) String() string {
	return i.Key()
}
