package connector

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
)

// RSSConnector reads RSS and Atom feeds. The raw date strings are kept so
// time resolution sees exactly what the feed published.
type RSSConnector struct {
	config  *SourceConfig
	fetcher *Fetcher
	parser  *gofeed.Parser
}

func NewRSSConnector(config *SourceConfig, fetcher *Fetcher) *RSSConnector {
	return &RSSConnector{
		config:  config,
		fetcher: fetcher,
		parser:  gofeed.NewParser(),
	}
}

func (c *RSSConnector) Fetch(ctx context.Context) ([]Entry, error) {
	data, err := c.fetcher.Fetch(ctx, c.config.URL, time.Duration(c.config.Settings.Timeout)*time.Second)
	if err != nil {
		return nil, err
	}
	return c.Parse(data)
}

func (c *RSSConnector) Parse(data []byte) ([]Entry, error) {
	feed, err := c.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	language := c.config.Language
	if language == "" {
		language = feed.Language
	}

	entries := make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		entries = append(entries, c.normalizeItem(item, language))
	}
	return entries, nil
}

func (c *RSSConnector) normalizeItem(item *gofeed.Item, language string) Entry {
	summary := htmlToText(item.Description)
	body := htmlToText(item.Content)
	if body == "" {
		body = summary
	}

	entry := Entry{
		GUID:     item.GUID,
		Link:     item.Link,
		Title:    htmlToText(item.Title),
		Summary:  summary,
		Body:     body,
		Language: language,
		Labels:   item.Categories,
		Fields: map[string]any{
			"guid":  item.GUID,
			"link":  item.Link,
			"title": item.Title,
		},
	}

	if item.Published != "" {
		entry.Fields["published"] = item.Published
	}
	if item.Updated != "" {
		entry.Fields["updated"] = item.Updated
	}
	if author := item.Author; author != nil && author.Name != "" {
		entry.Fields["author"] = author.Name
	}

	// namespaced elements such as dc:date or prism:publicationDate
	for prefix, elements := range item.Extensions {
		for name, values := range elements {
			if len(values) > 0 && values[0].Value != "" {
				entry.Fields[prefix+":"+name] = values[0].Value
			}
		}
	}
	for key, value := range item.Custom {
		if _, exists := entry.Fields[key]; !exists && value != "" {
			entry.Fields[key] = value
		}
	}

	return entry
}
