package connector

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/seclens/seclens/app/bulletin"
	"github.com/seclens/seclens/app/cursor"
	"github.com/seclens/seclens/app/pubtime"
)

type CollectOptions struct {
	Force bool // ignore the cursor on read and leave it untouched
	Limit int  // overrides settings.max_items when positive
}

type CollectResult struct {
	Bulletins  []bulletin.Bulletin
	Fetched    int
	Skipped    int // no stable identifier
	Filtered   int
	Suppressed int // already seen according to the cursor

	commit func() error
}

// Commit advances the cursor past the emitted bulletins. Call it only after
// the batch has been stored; an uncommitted pass is emitted again next time.
func (r *CollectResult) Commit() error {
	if r == nil || r.commit == nil {
		return nil
	}
	if err := r.commit(); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	r.commit = nil
	return nil
}

// Collector runs one collection pass for a source: fetch, resolve publication
// times, apply filters, then let the cursor decide what is new.
type Collector struct {
	config    *SourceConfig
	connector Connector
	fetcher   *Fetcher
	extractor *ContentExtractor
	filterer  *Filterer
	resolver  *pubtime.Resolver
	storage   cursor.Storage
	now       func() time.Time
	logger    *slog.Logger
}

type CollectorOption func(*Collector)

func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		c.now = now
	}
}

func WithCollectorLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		c.logger = logger
	}
}

// NewCollector binds a connector to its cursor storage. fetcher is used for
// detail pages and may be nil when the source does not need them.
func NewCollector(config *SourceConfig, conn Connector, fetcher *Fetcher, resolver *pubtime.Resolver, storage cursor.Storage, opts ...CollectorOption) *Collector {
	if storage == nil {
		storage = cursor.NewMemoryStorage(nil)
	}
	c := &Collector{
		config:    config,
		connector: conn,
		fetcher:   fetcher,
		extractor: NewContentExtractor(),
		filterer:  NewFilterer(),
		resolver:  resolver,
		storage:   storage,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("source", config.Slug)
	return c
}

func (c *Collector) Collect(ctx context.Context, opts CollectOptions) (*CollectResult, error) {
	var (
		mark    *cursor.HighWaterMark
		last    time.Time
		hasLast bool
		seenSet *cursor.SeenSet
		seen    = map[string]struct{}{}
	)

	mode := c.config.Settings.Cursor
	switch mode {
	case cursor.ModeHighWater:
		mark = cursor.NewHighWaterMark(c.storage, c.logger)
		if !opts.Force {
			last, hasLast = mark.Load()
		}
	case cursor.ModeSeenIDs:
		seenSet = cursor.NewSeenSet(c.storage, c.logger)
		if !opts.Force {
			seen = seenSet.Load()
		}
	}

	entries, err := c.connector.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source %s: %w", c.config.Slug, err)
	}

	fetchedAt := c.now().UTC()
	result := &CollectResult{Fetched: len(entries)}

	items := make([]bulletin.Bulletin, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := c.externalID(entry)
		if id == "" {
			c.logger.Warn("Skipping entry without stable identifier", "title", entry.Title)
			result.Skipped++
			continue
		}
		if _, ok := seen[id]; ok {
			result.Suppressed++
			continue
		}

		items = append(items, c.normalize(ctx, entry, id, fetchedAt))
	}

	items, excluded := c.filterer.Run(items, c.config.Filters)
	result.Filtered = len(excluded)

	limit := opts.Limit
	if limit <= 0 {
		limit = c.config.Settings.MaxItems
	}

	var emitted []bulletin.Bulletin
	switch mode {
	case cursor.ModeHighWater:
		emitted = selectAfter(items, last, hasLast, limit)
		if newest, ok := newestPublished(emitted); ok && !opts.Force {
			result.commit = func() error {
				return mark.Save(newest)
			}
		}
	case cursor.ModeSeenIDs:
		emitted = selectUnseen(items, limit)
		if len(emitted) > 0 && !opts.Force {
			next := maps.Clone(seen)
			for _, b := range emitted {
				next[b.Source.ExternalID] = struct{}{}
			}
			result.commit = func() error {
				return seenSet.Save(next)
			}
		}
	default:
		emitted = selectUnseen(items, limit)
	}

	result.Suppressed += len(items) - len(emitted)
	result.Bulletins = emitted

	c.logger.Info("Collection completed",
		"mode", mode,
		"force", opts.Force,
		"fetched", result.Fetched,
		"skipped", result.Skipped,
		"filtered", result.Filtered,
		"suppressed", result.Suppressed,
		"emitted", len(emitted))

	return result, nil
}

func (c *Collector) normalize(ctx context.Context, entry Entry, id string, fetchedAt time.Time) bulletin.Bulletin {
	if entry.Link != "" && c.fetcher != nil && (c.config.Detail.enabled() || c.config.Settings.ExtractContent) {
		c.enrichFromDetail(ctx, &entry)
	}

	b := bulletin.Bulletin{
		Source: bulletin.SourceInfo{
			SourceSlug: c.config.Slug,
			ExternalID: id,
			OriginURL:  entry.Link,
		},
		Content: bulletin.ContentInfo{
			Title:    cmp.Or(entry.Title, entry.Link, id),
			Summary:  entry.Summary,
			BodyText: entry.Body,
			Language: cmp.Or(entry.Language, c.config.Language),
		},
		FetchedAt: &fetchedAt,
		Labels:    bulletin.NormalizeLabels(append(append([]string{}, c.config.Labels...), entry.Labels...)),
		Topics:    bulletin.NormalizeLabels(c.config.Topics),
		Raw:       entry.Fields,
	}

	b.SetPublished(c.resolver.Resolve(c.config.Slug, c.candidates(entry), &fetchedAt))
	return b
}

// candidates lists detail page values first, then the configured item fields
// in their configured order.
func (c *Collector) candidates(entry Entry) []pubtime.Raw {
	out := append([]pubtime.Raw{}, entry.Candidates...)
	for _, name := range c.config.Timestamps {
		if v, ok := lookupPath(entry.Fields, name); ok && v != nil {
			out = append(out, pubtime.R(v, "item."+name))
		}
	}
	return out
}

func (c *Collector) enrichFromDetail(ctx context.Context, entry *Entry) {
	data, err := c.fetcher.Fetch(ctx, entry.Link, time.Duration(c.config.Settings.Timeout)*time.Second)
	if err != nil {
		c.logger.Warn("Failed to fetch detail page", "url", entry.Link, "error", err)
		return
	}

	if published := c.extractor.PublishedText(data, c.config.Detail); published != "" {
		entry.Candidates = append([]pubtime.Raw{pubtime.R(published, DetailLabel)}, entry.Candidates...)
	}

	if c.config.Settings.ExtractContent {
		text, err := c.extractor.Run(data)
		if err != nil {
			c.logger.Debug("Content extraction failed", "url", entry.Link, "error", err)
			return
		}
		entry.Body = text
	}
}

func (c *Collector) externalID(entry Entry) string {
	var id string
	switch c.config.IDFrom {
	case IDFromGUID:
		id = entry.GUID
	case IDFromLink:
		id = entry.Link
	case IDFromLinkSlug:
		id = bulletin.ExternalIDFromURL(entry.Link)
	default:
		id = stringAt(entry.Fields, c.config.IDFrom)
	}
	return cmp.Or(strings.TrimSpace(id), strings.TrimSpace(entry.Link))
}

// selectAfter keeps entries published strictly after the cursor, oldest
// first, limited to the newest limit entries.
func selectAfter(items []bulletin.Bulletin, last time.Time, hasLast bool, limit int) []bulletin.Bulletin {
	sorted := append([]bulletin.Bulletin{}, items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Content.PublishedAt, sorted[j].Content.PublishedAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})

	// walk newest first so a feed listing the same item twice keeps its
	// newest copy
	seen := make(map[string]struct{}, len(sorted))
	fresh := make([]bulletin.Bulletin, 0, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		b := sorted[i]
		if hasLast && b.Content.PublishedAt != nil && !b.Content.PublishedAt.After(last) {
			continue
		}
		if _, ok := seen[b.Source.ExternalID]; ok {
			continue
		}
		seen[b.Source.ExternalID] = struct{}{}
		fresh = append(fresh, b)
		if limit > 0 && len(fresh) == limit {
			break
		}
	}
	slices.Reverse(fresh)
	return fresh
}

// selectUnseen keeps the first occurrence of each identifier in feed order.
func selectUnseen(items []bulletin.Bulletin, limit int) []bulletin.Bulletin {
	batch := make(map[string]struct{}, len(items))
	out := make([]bulletin.Bulletin, 0, len(items))
	for _, b := range items {
		if _, ok := batch[b.Source.ExternalID]; ok {
			continue
		}
		batch[b.Source.ExternalID] = struct{}{}
		out = append(out, b)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func newestPublished(items []bulletin.Bulletin) (time.Time, bool) {
	var (
		newest time.Time
		found  bool
	)
	for _, b := range items {
		// fetch-time fallbacks would push the mark past dated items that
		// show up later
		if b.Content.PublishedAt == nil || b.PublishedFallback() {
			continue
		}
		if !found || b.Content.PublishedAt.After(newest) {
			newest = *b.Content.PublishedAt
			found = true
		}
	}
	return newest, found
}
