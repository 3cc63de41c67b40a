package connector

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/seclens/seclens/app/bulletin"
)

// DetailLabel is the candidate label of a publication time read from the
// bulletin's own page.
const DetailLabel = "detail.publishTime"

type ContentExtractor struct{}

func NewContentExtractor() *ContentExtractor {
	return &ContentExtractor{}
}

// Run returns the readable body text of an HTML page.
func (e *ContentExtractor) Run(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("HTML data is empty")
	}

	article, err := readability.FromReader(bytes.NewReader(data), nil)
	if err != nil {
		return "", fmt.Errorf("failed to extract content: %w", err)
	}

	text := bulletin.CleanText(article.TextContent)
	if text == "" {
		return "", fmt.Errorf("no content extracted from HTML data")
	}

	slog.Debug("Content extracted successfully",
		"title", article.Title,
		"content_length", len(text))

	return text, nil
}

// PublishedText reads the publication time a detail page advertises, e.g. a
// meta tag or a <time datetime> attribute.
func (e *ContentExtractor) PublishedText(data []byte, detail DetailConfig) string {
	if !detail.enabled() {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return ""
	}

	node := doc.Find(detail.PublishedSelector).First()
	if node.Length() == 0 {
		return ""
	}
	if detail.PublishedAttr != "" {
		value, _ := node.Attr(detail.PublishedAttr)
		return strings.TrimSpace(value)
	}
	return bulletin.CleanText(node.Text())
}
