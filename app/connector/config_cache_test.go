package connector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seclens/seclens/app/cursor"
)

func writeSource(t *testing.T, dir, slug, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, slug+".yml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestConfigCacheLoadValidConfig(t *testing.T) {
	tempDir := t.TempDir()

	writeSource(t, tempDir, "exploit_db", `
name: "Exploit-DB"
kind: rss
url: "https://www.exploit-db.com/rss.xml"
language: en
labels: ["exploit"]
id_from: link_slug
timestamps: ["published", "dc:date"]

settings:
  enabled: true
  refresh_interval: 1800
  max_items: 25
  timeout: 15
  cursor: seen_ids

filters:
  - field: "title"
    excludes:
      - "spam"
`)

	configCache := NewConfigCache(tempDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	if configCache.GetConfigCount() != 1 {
		t.Errorf("Expected 1 config, got %d", configCache.GetConfigCount())
	}

	config, err := configCache.GetConfig("exploit_db")
	if err != nil {
		t.Fatal(err)
	}

	if config.Slug != "exploit_db" {
		t.Errorf("Expected slug 'exploit_db', got '%s'", config.Slug)
	}
	if config.Name != "Exploit-DB" {
		t.Errorf("Expected name 'Exploit-DB', got '%s'", config.Name)
	}
	if config.IDFrom != IDFromLinkSlug {
		t.Errorf("Expected id_from link_slug, got '%s'", config.IDFrom)
	}
	if strings.Join(config.Timestamps, ",") != "published,dc:date" {
		t.Errorf("Unexpected timestamps %v", config.Timestamps)
	}
	if config.Settings.RefreshInterval != 1800 || config.Settings.MaxItems != 25 || config.Settings.Timeout != 15 {
		t.Errorf("Unexpected settings %+v", config.Settings)
	}
	if config.Settings.Cursor != cursor.ModeSeenIDs {
		t.Errorf("Expected seen_ids cursor, got %s", config.Settings.Cursor)
	}
	if len(config.Filters) != 1 {
		t.Errorf("Expected 1 filter, got %d", len(config.Filters))
	}
}

func TestConfigCacheDefaults(t *testing.T) {
	config, err := ParseConfig("minimal", []byte(`url: "https://example.com/feed.xml"`))
	if err != nil {
		t.Fatal(err)
	}

	if config.Name != "minimal" {
		t.Errorf("Expected name to default to slug, got '%s'", config.Name)
	}
	if config.Kind != KindRSS {
		t.Errorf("Expected rss kind, got '%s'", config.Kind)
	}
	if config.IDFrom != IDFromGUID {
		t.Errorf("Expected guid id_from, got '%s'", config.IDFrom)
	}
	if strings.Join(config.Timestamps, ",") != "published,updated" {
		t.Errorf("Unexpected default timestamps %v", config.Timestamps)
	}
	if config.Settings.RefreshInterval != 3600 || config.Settings.MaxItems != 100 || config.Settings.Timeout != 30 {
		t.Errorf("Unexpected default settings %+v", config.Settings)
	}
	if config.Settings.Cursor != cursor.ModeHighWater {
		t.Errorf("Expected high_water cursor, got %s", config.Settings.Cursor)
	}
}

func TestConfigCacheInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"missing url", `kind: rss`, "source URL is required"},
		{"unknown kind", "url: https://x\nkind: csv", "unknown source kind"},
		{"bad cursor", "url: https://x\nsettings:\n  cursor: sometimes", "invalid cursor mode"},
		{"negative timeout", "url: https://x\nsettings:\n  timeout: -1", "timeout must be non-negative"},
		{"bad filter field", "url: https://x\nfilters:\n  - field: authors\n    includes: [a]", "invalid filter field"},
		{"empty filter", "url: https://x\nfilters:\n  - field: title", "at least one include or exclude"},
		{"json without title", "url: https://x\nkind: json", "json.fields.title is required"},
		{"html without rows", "url: https://x\nkind: html_table\nhtml:\n  title: td", "html.rows and html.title"},
		{"bad yaml", "url: [", "failed to parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig("broken", []byte(tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Expected error containing %q, got %v", tt.errText, err)
			}
		})
	}
}

func TestConfigCacheRunFailsOnInvalidFile(t *testing.T) {
	tempDir := t.TempDir()
	writeSource(t, tempDir, "good", `url: "https://example.com/a.xml"`)
	writeSource(t, tempDir, "bad", `kind: rss`)

	if err := NewConfigCache(tempDir).Run(); err == nil {
		t.Error("Expected error for invalid source file")
	}
}

func TestConfigCacheMissingDirectory(t *testing.T) {
	configCache := NewConfigCache(filepath.Join(t.TempDir(), "missing"))
	if err := configCache.Run(); err != nil {
		t.Errorf("Expected no error for missing directory, got %v", err)
	}
	if configCache.GetConfigCount() != 0 {
		t.Errorf("Expected empty cache, got %d", configCache.GetConfigCount())
	}
}

func TestConfigCacheEnabledConfigs(t *testing.T) {
	tempDir := t.TempDir()
	writeSource(t, tempDir, "on", "url: https://example.com/on\nsettings:\n  enabled: true")
	writeSource(t, tempDir, "off", "url: https://example.com/off\nsettings:\n  enabled: false")

	configCache := NewConfigCache(tempDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	enabled := configCache.GetEnabledConfigs()
	if len(enabled) != 1 || enabled["on"] == nil {
		t.Errorf("Expected only 'on' enabled, got %v", enabled)
	}
	if slugs := configCache.Slugs(); strings.Join(slugs, ",") != "off,on" {
		t.Errorf("Expected sorted slugs, got %v", slugs)
	}
	if _, err := configCache.GetConfig("missing"); err == nil {
		t.Error("Expected error for unknown slug")
	}
}
