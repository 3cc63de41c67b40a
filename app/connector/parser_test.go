package connector

import (
	"encoding/json"
	"testing"
)

func TestRSSConnector_Parse(t *testing.T) {
	rssData := `<?xml version="1.0"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <channel>
    <title>Vendor Advisories</title>
    <link>https://example.com</link>
    <description>Advisories</description>
    <language>zh-cn</language>
    <item>
      <title>Advisory &lt;b&gt;1&lt;/b&gt;</title>
      <link>https://example.com/a/1.html</link>
      <description><![CDATA[<p>First <b>advisory</b></p>]]></description>
      <guid>adv-1</guid>
      <pubDate>Thu, 09 Oct 2025 10:00:00 +0800</pubDate>
      <dc:date>2025-10-09T02:00:00Z</dc:date>
      <category>Linux</category>
    </item>
    <item>
      <title>Advisory 2</title>
      <link>https://example.com/a/2.html</link>
    </item>
  </channel>
</rss>`

	conn := NewRSSConnector(&SourceConfig{Slug: "vendor"}, nil)
	entries, err := conn.Parse([]byte(rssData))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got: %d", len(entries))
	}

	first := entries[0]
	if first.GUID != "adv-1" {
		t.Errorf("Expected GUID 'adv-1', got: %s", first.GUID)
	}
	if first.Summary != "First advisory" {
		t.Errorf("Expected plain summary, got: %q", first.Summary)
	}
	if first.Body != first.Summary {
		t.Errorf("Expected body to fall back to summary, got: %q", first.Body)
	}
	if first.Language != "zh-cn" {
		t.Errorf("Expected feed language, got: %s", first.Language)
	}
	if first.Fields["published"] != "Thu, 09 Oct 2025 10:00:00 +0800" {
		t.Errorf("Expected raw pubDate text, got: %v", first.Fields["published"])
	}
	if first.Fields["dc:date"] != "2025-10-09T02:00:00Z" {
		t.Errorf("Expected dc:date extension, got: %v", first.Fields["dc:date"])
	}
	if len(first.Labels) != 1 || first.Labels[0] != "Linux" {
		t.Errorf("Expected categories as labels, got: %v", first.Labels)
	}

	if _, ok := entries[1].Fields["published"]; ok {
		t.Error("Expected no published field for undated item")
	}
}

func TestRSSConnector_ParseInvalid(t *testing.T) {
	conn := NewRSSConnector(&SourceConfig{Slug: "vendor"}, nil)
	if _, err := conn.Parse([]byte("not a feed")); err == nil {
		t.Error("Expected error for invalid feed")
	}
}

func TestJSONConnector_Parse(t *testing.T) {
	data := `{"data": {"items": [
		{"id": 52341, "attributes": {"title": "Chrome update", "url": "https://example.com/52341"}, "published_at": 1760000000000},
		{"id": "abc", "attributes": {"title": "Edge update"}, "meta.date": "2025-10-09"},
		"not an object"
	]}}`

	config := &SourceConfig{
		Slug:     "vendor_api",
		Language: "en",
		JSON: JSONConfig{
			ItemsPath: "data.items",
			Fields: map[string]string{
				"title": "attributes.title",
				"link":  "attributes.url",
				"id":    "id",
			},
		},
	}

	entries, err := NewJSONConnector(config, nil).Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	if entries[0].Title != "Chrome update" || entries[0].GUID != "52341" || entries[0].Link != "https://example.com/52341" {
		t.Errorf("Unexpected first entry %+v", entries[0])
	}
	if n, ok := entries[0].Fields["published_at"].(json.Number); !ok || n.String() != "1760000000000" {
		t.Errorf("Expected epoch as json.Number, got %T %v", entries[0].Fields["published_at"], entries[0].Fields["published_at"])
	}

	v, ok := lookupPath(entries[1].Fields, "meta.date")
	if !ok || v != "2025-10-09" {
		t.Errorf("Expected literal dotted key lookup, got %v", v)
	}
}

func TestJSONConnector_ParseErrors(t *testing.T) {
	config := &SourceConfig{JSON: JSONConfig{ItemsPath: "items", Fields: map[string]string{"title": "t"}}}
	conn := NewJSONConnector(config, nil)

	if _, err := conn.Parse([]byte(`{`)); err == nil {
		t.Error("Expected decode error")
	}
	if _, err := conn.Parse([]byte(`{"other": []}`)); err == nil {
		t.Error("Expected missing path error")
	}
	if _, err := conn.Parse([]byte(`{"items": {}}`)); err == nil {
		t.Error("Expected non-array error")
	}
}

func TestHTMLTableConnector_Parse(t *testing.T) {
	page := `<html><body><table id="advisories">
<tr><th>ID</th><th>Title</th><th>Date</th></tr>
<tr><td class="id">HWPSIRT-2025-001</td><td class="title"><a href="/psirt/001.html">Router flaw</a></td><td class="date">2025-10-09</td></tr>
<tr><td class="id">HWPSIRT-2025-002</td><td class="title"><a href="https://other.example.com/002">Switch flaw</a></td><td class="date">2025/10/08 14:30</td></tr>
</table></body></html>`

	config := &SourceConfig{
		Slug: "vendor_table",
		URL:  "https://example.com/psirt/list",
		HTML: HTMLConfig{
			Rows:  "#advisories tr",
			Title: "td.title",
			Link:  "td.title a",
			ID:    "td.id",
			Date:  "td.date",
		},
	}

	entries, err := NewHTMLTableConnector(config, nil).Parse([]byte(page))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 rows (header skipped), got %d", len(entries))
	}

	if entries[0].Link != "https://example.com/psirt/001.html" {
		t.Errorf("Expected resolved link, got %s", entries[0].Link)
	}
	if entries[0].GUID != "HWPSIRT-2025-001" {
		t.Errorf("Unexpected id %s", entries[0].GUID)
	}
	if entries[0].Fields["date"] != "2025-10-09" {
		t.Errorf("Expected date-only text, got %v", entries[0].Fields["date"])
	}
	if entries[1].Link != "https://other.example.com/002" {
		t.Errorf("Expected absolute link kept, got %s", entries[1].Link)
	}
	if entries[1].Fields["date"] != "2025-10-08T14:30:00" {
		t.Errorf("Expected naive ISO text, got %v", entries[1].Fields["date"])
	}
}

func TestNormalizeDateText(t *testing.T) {
	tests := []struct {
		text   string
		layout string
		want   string
		ok     bool
	}{
		{"2025-10-09", "", "2025-10-09", true},
		{"Oct 9, 2025", "", "2025-10-09", true},
		{"2025年10月09日", "", "2025-10-09", true},
		{"2025-10-09 08:15:00", "", "2025-10-09T08:15:00", true},
		{"09.10.2025", "02.01.2006", "2025-10-09", true},
		{"09.10.2025 17:45 +0200", "02.01.2006 15:04 -0700", "2025-10-09T17:45:00+02:00", true},
		{"next tuesday", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := normalizeDateText(tt.text, tt.layout)
			if ok != tt.ok {
				t.Fatalf("normalizeDateText(%q) ok = %v, want %v", tt.text, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("normalizeDateText(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}
