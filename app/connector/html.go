package connector

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"github.com/seclens/seclens/app/bulletin"
)

// HTMLTableConnector scrapes advisory listings published as HTML tables or
// repeated blocks.
type HTMLTableConnector struct {
	config  *SourceConfig
	fetcher *Fetcher
}

func NewHTMLTableConnector(config *SourceConfig, fetcher *Fetcher) *HTMLTableConnector {
	return &HTMLTableConnector{config: config, fetcher: fetcher}
}

func (c *HTMLTableConnector) Fetch(ctx context.Context) ([]Entry, error) {
	data, err := c.fetcher.Fetch(ctx, c.config.URL, time.Duration(c.config.Settings.Timeout)*time.Second)
	if err != nil {
		return nil, err
	}
	return c.Parse(data)
}

func (c *HTMLTableConnector) Parse(data []byte) ([]Entry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base, _ := url.Parse(c.config.URL)
	sel := c.config.HTML

	var entries []Entry
	doc.Find(sel.Rows).Each(func(_ int, row *goquery.Selection) {
		title := bulletin.CleanText(row.Find(sel.Title).First().Text())
		if title == "" {
			return
		}

		entry := Entry{
			Title:    title,
			Language: c.config.Language,
			Fields:   map[string]any{"title": title},
		}

		linkSel := sel.Link
		if linkSel == "" {
			linkSel = "a"
		}
		if href, ok := row.Find(linkSel).First().Attr("href"); ok {
			entry.Link = resolveURL(base, href)
			entry.Fields["link"] = entry.Link
		}
		if sel.ID != "" {
			entry.GUID = bulletin.CleanText(row.Find(sel.ID).First().Text())
			entry.Fields["id"] = entry.GUID
		}
		if sel.Summary != "" {
			entry.Summary = bulletin.CleanText(row.Find(sel.Summary).First().Text())
			entry.Body = entry.Summary
		}
		if sel.Date != "" {
			text := bulletin.CleanText(row.Find(sel.Date).First().Text())
			if text != "" {
				entry.Fields["date_text"] = text
				if value, ok := normalizeDateText(text, sel.DateLayout); ok {
					entry.Fields["date"] = value
				}
			}
		}

		entries = append(entries, entry)
	})

	return entries, nil
}

// normalizeDateText turns free-form table dates into ISO text the candidate
// parser understands. Zone-less text stays naive so the source policy decides
// its timezone; text without a clock stays date-only.
func normalizeDateText(text, layout string) (string, bool) {
	var (
		t   time.Time
		err error
	)
	if layout != "" {
		t, err = time.Parse(layout, text)
	} else {
		layout, err = dateparse.ParseFormat(text)
		if err == nil {
			t, err = dateparse.ParseIn(text, time.UTC)
		}
	}
	if err != nil {
		return "", false
	}

	switch {
	case layoutHasZone(layout):
		return t.Format(time.RFC3339), true
	case !layoutHasClock(layout):
		return t.Format("2006-01-02"), true
	default:
		return t.Format("2006-01-02T15:04:05"), true
	}
}

func layoutHasZone(layout string) bool {
	return strings.Contains(layout, "MST") || strings.Contains(layout, "Z07") || strings.Contains(layout, "-07")
}

func layoutHasClock(layout string) bool {
	return strings.Contains(layout, "04")
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// htmlToText strips markup from feed descriptions.
func htmlToText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return bulletin.CleanText(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return bulletin.CleanText(s)
	}
	return bulletin.CleanText(doc.Text())
}
