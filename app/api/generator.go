package api

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/seclens/seclens/app/database"
)

const summaryLimit = 400

// Channel describes the <channel> element of a generated feed.
type Channel struct {
	Title       string
	Description string
	SelfPath    string
	// GUIDPrefix namespaces item guids, e.g. "seclens:" or
	// "seclens:subscription:3:".
	GUIDPrefix string
}

type Generator struct {
	baseURL  string
	version  string
	location *time.Location
}

func NewGenerator(baseURL, version string, location *time.Location) *Generator {
	if location == nil {
		location = time.UTC
	}
	return &Generator{
		baseURL:  strings.TrimRight(cmp.Or(baseURL, "http://localhost:8080"), "/"),
		version:  version,
		location: location,
	}
}

func (g *Generator) Run(channel Channel, items []database.Bulletin) (string, error) {
	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	g.writeElement(&buf, "title", cmp.Or(channel.Title, "SecLens Bulletins"), 4)
	g.writeElement(&buf, "link", g.baseURL, 4)
	g.writeElement(&buf, "description", cmp.Or(channel.Description, "Latest advisories collected by SecLens."), 4)

	if channel.SelfPath != "" {
		buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
			html.EscapeString(g.baseURL+channel.SelfPath)))
	}

	lastBuildDate := time.Now()
	if len(items) > 0 {
		if items[0].PublishedAt != nil {
			lastBuildDate = *items[0].PublishedAt
		} else {
			lastBuildDate = cmp.Or(items[0].CreatedAt, lastBuildDate)
		}
	}

	g.writeElement(&buf, "lastBuildDate", lastBuildDate.In(g.location).Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", fmt.Sprintf("SecLens/%s", g.version), 4)

	for _, item := range items {
		g.writeItem(&buf, channel, item)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *Generator) writeItem(buf *bytes.Buffer, channel Channel, item database.Bulletin) {
	buf.WriteString("    <item>\n")

	buf.WriteString("      <guid isPermaLink=\"false\">")
	xml.EscapeText(buf, []byte(fmt.Sprintf("%s%d", cmp.Or(channel.GUIDPrefix, "seclens:"), item.ID)))
	buf.WriteString("</guid>\n")

	g.writeElement(buf, "title", item.Title, 6)
	g.writeElement(buf, "link", cmp.Or(item.OriginURL, fmt.Sprintf("%s/v1/bulletins/%d", g.baseURL, item.ID)), 6)
	g.writeElement(buf, "description", cmp.Or(item.Summary, truncate(item.BodyText, summaryLimit)), 6)

	if item.PublishedAt != nil {
		g.writeElement(buf, "pubDate", item.PublishedAt.In(g.location).Format(time.RFC1123Z), 6)
	}

	for _, label := range item.Labels {
		g.writeElement(buf, "category", label, 6)
	}

	buf.WriteString("    </item>\n")
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
