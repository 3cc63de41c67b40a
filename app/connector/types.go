package connector

import (
	"github.com/seclens/seclens/app/cursor"
	"github.com/seclens/seclens/app/pubtime"
)

type Kind string

const (
	KindRSS       Kind = "rss"
	KindJSON      Kind = "json"
	KindHTMLTable Kind = "html_table"
)

// Identifier strategies for id_from. Any other value names an item field.
const (
	IDFromGUID     = "guid"
	IDFromLink     = "link"
	IDFromLinkSlug = "link_slug"
)

// Source configuration types

type SourceConfig struct {
	Slug       string         // Derived from filename (without .yml extension)
	Name       string         `yaml:"name"`
	Kind       Kind           `yaml:"kind"`
	URL        string         `yaml:"url"`
	Language   string         `yaml:"language"`
	Labels     []string       `yaml:"labels"`
	Topics     []string       `yaml:"topics"`
	IDFrom     string         `yaml:"id_from"`
	Timestamps []string       `yaml:"timestamps"` // candidate fields, most trusted first
	Settings   Settings       `yaml:"settings"`
	JSON       JSONConfig     `yaml:"json"`
	HTML       HTMLConfig     `yaml:"html"`
	Detail     DetailConfig   `yaml:"detail"`
	Filters    []ConfigFilter `yaml:"filters"`
}

type Settings struct {
	Enabled         bool        `yaml:"enabled"`
	RefreshInterval int         `yaml:"refresh_interval"` // seconds
	MaxItems        int         `yaml:"max_items"`
	Timeout         int         `yaml:"timeout"` // seconds
	Cursor          cursor.Mode `yaml:"cursor"`
	ExtractContent  bool        `yaml:"extract_content"` // fetch detail page body text
}

// JSONConfig maps an API response onto entries. Paths are dotted, e.g.
// "data.items" or "attributes.title".
type JSONConfig struct {
	ItemsPath string            `yaml:"items_path"`
	Fields    map[string]string `yaml:"fields"` // title, link, id, summary, body
}

// HTMLConfig selects rows and cells of an advisory table with CSS selectors
// relative to each row.
type HTMLConfig struct {
	Rows       string `yaml:"rows"`
	Title      string `yaml:"title"`
	Link       string `yaml:"link"`
	ID         string `yaml:"id"`
	Summary    string `yaml:"summary"`
	Date       string `yaml:"date"`
	DateLayout string `yaml:"date_layout"` // Go layout; dateparse is used when empty
}

type DetailConfig struct {
	PublishedSelector string `yaml:"published_selector"`
	PublishedAttr     string `yaml:"published_attr"` // element text when empty
}

func (d DetailConfig) enabled() bool {
	return d.PublishedSelector != ""
}

type ConfigFilter struct {
	Field    string   `yaml:"field"`
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}

// Entry is one upstream item as a connector saw it, before identity and
// publication time are decided.
type Entry struct {
	GUID     string
	Link     string
	Title    string
	Summary  string
	Body     string
	Language string
	Labels   []string

	// Fields holds the raw item values addressable by Timestamps and id_from.
	Fields map[string]any

	// Candidates found outside Fields, e.g. on the detail page. They are
	// tried before the configured timestamps.
	Candidates []pubtime.Raw
}
