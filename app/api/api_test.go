package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/database"
	"github.com/seclens/seclens/app/ingest"
	"github.com/seclens/seclens/app/metrics"
	"github.com/seclens/seclens/app/pubtime"
	"github.com/seclens/seclens/app/tasks"
)

const testAPIKey = "test-key"

type fakeRunner struct {
	calls   []connector.CollectOptions
	outcome *tasks.CollectionOutcome
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, config *connector.SourceConfig, opts connector.CollectOptions) (*tasks.CollectionOutcome, error) {
	f.calls = append(f.calls, opts)
	return f.outcome, f.err
}

type testServer struct {
	router *gin.Engine
	runner *fakeRunner
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "seclens.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cache := connector.NewConfigCache(t.TempDir())
	config, err := connector.ParseConfig("exploit_db", []byte("url: https://example.com/feed.xml\nsettings:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}
	if err := cache.Add(config); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	bulletins := database.NewBulletinRepository(db)
	runner := &fakeRunner{outcome: &tasks.CollectionOutcome{Fetched: 3, Emitted: 2, Accepted: 2}}
	shanghai := time.FixedZone("UTC+08:00", 8*3600)

	handler := NewHandler(Dependencies{
		Sources:         database.NewSourceRepository(db),
		Bulletins:       bulletins,
		Subscriptions:   database.NewSubscriptionRepository(db),
		PushRules:       database.NewPushRuleRepository(db),
		ConfigCache:     cache,
		Ingester:        ingest.NewService(bulletins),
		Runner:          runner,
		Resolver:        pubtime.NewResolver(nil),
		Metrics:         metrics.New(),
		BaseURL:         "https://seclens.example.com/",
		Version:         "test",
		DisplayLocation: shanghai,
	})

	return &testServer{router: NewServer(handler, testAPIKey, false), runner: runner}
}

func (s *testServer) do(t *testing.T, method, path, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

const ingestPayload = `[
  {
    "source": {"source_slug": "exploit_db", "external_id": "100", "origin_url": "https://example.com/100"},
    "content": {"title": "Struts RCE", "summary": "Remote code execution", "published_at": "2025-10-09T01:30:00Z"},
    "labels": ["Apache", "RCE"],
    "topics": ["exploit"],
    "extra": {"time_meta": {"source": "item.published", "fallback": false, "applied_timezone": "UTC"}}
  },
  {
    "source": {"source_slug": "exploit_db", "external_id": "101"},
    "content": {"title": "Nginx overflow", "published_at": "2025-10-08T09:00:00Z"},
    "labels": ["nginx"],
    "topics": []
  }
]`

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/ingest/bulletins", ingestPayload, false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/push-rules", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with bearer token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/push-rules", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", rec.Code)
	}
}

func TestIngestAndList(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/ingest/bulletins", ingestPayload, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var result map[string]int
	decode(t, w, &result)
	if result["accepted"] != 2 || result["duplicates"] != 0 {
		t.Errorf("unexpected ingest result: %v", result)
	}

	w = s.do(t, http.MethodPost, "/v1/ingest/bulletins", ingestPayload, true)
	decode(t, w, &result)
	if result["accepted"] != 0 || result["duplicates"] != 2 {
		t.Errorf("Expected 0 accepted and 2 duplicates on re-ingest, got %v", result)
	}

	w = s.do(t, http.MethodGet, "/v1/bulletins?label=apache", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var list BulletinListResponse
	decode(t, w, &list)
	if list.Pagination.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("Expected one bulletin labeled apache, got %+v", list)
	}
	item := list.Items[0]
	if item.Title != "Struts RCE" {
		t.Errorf("Expected 'Struts RCE', got %q", item.Title)
	}
	if item.PublishedDisplay != "2025-10-09 09:30 (UTC+08:00)" {
		t.Errorf("unexpected published_display %q", item.PublishedDisplay)
	}
	if item.Labels[0] != "apache" {
		t.Errorf("labels should be normalized, got %v", item.Labels)
	}

	w = s.do(t, http.MethodGet, "/v1/bulletins?since=2025-10-09", "", false)
	decode(t, w, &list)
	if list.Pagination.Total != 1 {
		t.Errorf("Expected 1 bulletin since 2025-10-09, got %d", list.Pagination.Total)
	}

	w = s.do(t, http.MethodGet, "/v1/bulletins?limit=500", "", false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for limit out of range, got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/v1/bulletins?since=not-a-date", "", false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad since, got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/v1/bulletins/"+itoa(item.ID), "", false)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for existing bulletin, got %d", w.Code)
	}
	w = s.do(t, http.MethodGet, "/v1/bulletins/99999", "", false)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing bulletin, got %d", w.Code)
	}
}

func TestIngestRejectsBadPayloads(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty array", `[]`},
		{"not json", `{`},
		{"missing title", `[{"source": {"source_slug": "exploit_db"}, "content": {}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/ingest/bulletins", tt.body, true)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestBulletinsRSS(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/ingest/bulletins", ingestPayload, true)

	w := s.do(t, http.MethodGet, "/v1/bulletins/rss?source=exploit_db", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/rss+xml") {
		t.Errorf("unexpected content type %q", ct)
	}

	body := w.Body.String()
	for _, want := range []string{
		"<title>Struts RCE</title>",
		"<link>https://example.com/100</link>",
		"https://seclens.example.com/v1/bulletins/",
		"Latest bulletins from exploit_db.",
		"<pubDate>Thu, 09 Oct 2025 09:30:00 +0800</pubDate>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("RSS missing %q:\n%s", want, body)
		}
	}
}

func TestSubscriptions(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/ingest/bulletins", ingestPayload, true)

	w := s.do(t, http.MethodPost, "/v1/subscriptions", `{"name": "struts watch", "keyword": "struts"}`, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sub map[string]any
	decode(t, w, &sub)
	token, _ := sub["token"].(string)
	if token == "" {
		t.Fatal("subscription token should be generated")
	}
	if sub["feed_url"] != "https://seclens.example.com/rss/"+token {
		t.Errorf("unexpected feed_url %v", sub["feed_url"])
	}

	w = s.do(t, http.MethodGet, "/rss/"+token, "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for subscription feed, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Struts RCE") || strings.Contains(w.Body.String(), "Nginx overflow") {
		t.Errorf("subscription feed should contain only keyword matches:\n%s", w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/rss/unknown-token", "", false)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown token, got %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/v1/subscriptions", `{"name": "bad", "source_slug": "nope"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown source, got %d", w.Code)
	}

	id := itoa(int64(sub["id"].(float64)))
	if w = s.do(t, http.MethodDelete, "/v1/subscriptions/"+id, "", true); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on delete, got %d", w.Code)
	}
	if w = s.do(t, http.MethodDelete, "/v1/subscriptions/"+id, "", true); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", w.Code)
	}
	if w = s.do(t, http.MethodGet, "/rss/"+token, "", false); w.Code != http.StatusNotFound {
		t.Errorf("deleted subscription feed should be gone, got %d", w.Code)
	}
}

func TestPushRules(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/push-rules", `{"name": "rce", "keyword": "rce"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without any webhook, got %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/v1/push-rules", `{"name": "rce", "keyword": "rce", "webhook_url": "https://hooks.example.com/x"}`, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rule map[string]any
	decode(t, w, &rule)
	if rule["active"] != true {
		t.Errorf("rules should default to active, got %v", rule["active"])
	}

	w = s.do(t, http.MethodGet, "/v1/push-rules", "", true)
	var list map[string]any
	decode(t, w, &list)
	if list["total"].(float64) != 1 {
		t.Errorf("Expected 1 push rule, got %v", list["total"])
	}

	if w = s.do(t, http.MethodDelete, "/v1/push-rules/"+itoa(int64(rule["id"].(float64))), "", true); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on delete, got %d", w.Code)
	}
}

func TestResolve(t *testing.T) {
	s := newTestServer(t)

	body := `{
	  "source": "exploit_db",
	  "fetched_at": "2025-10-10T12:00:00Z",
	  "candidates": [
	    {"label": "item.bogus", "value": "yesterday"},
	    {"label": "item.published", "value": 1759914000}
	  ]
	}`
	w := s.do(t, http.MethodPost, "/v1/resolve", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res struct {
		ResolvedAt       time.Time      `json:"resolved_at"`
		PublishedDisplay string         `json:"published_display"`
		TimeMeta         map[string]any `json:"time_meta"`
	}
	decode(t, w, &res)
	want := time.Unix(1759914000, 0).UTC()
	if !res.ResolvedAt.Equal(want) {
		t.Errorf("Expected %v, got %v", want, res.ResolvedAt)
	}
	if res.TimeMeta["source"] != "item.published" || res.TimeMeta["fallback"] != false {
		t.Errorf("unexpected time_meta %v", res.TimeMeta)
	}

	w = s.do(t, http.MethodPost, "/v1/resolve", `{"candidates": []}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for no candidates, got %d", w.Code)
	}
}

func TestCollectSource(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/sources/exploit_db/collect?force=true&limit=5", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(s.runner.calls) != 1 || !s.runner.calls[0].Force || s.runner.calls[0].Limit != 5 {
		t.Errorf("unexpected runner calls %+v", s.runner.calls)
	}

	w = s.do(t, http.MethodPost, "/v1/sources/unknown/collect", "", true)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown source, got %d", w.Code)
	}

	s.runner.err = tasks.ErrCollectionInFlight
	w = s.do(t, http.MethodPost, "/v1/sources/exploit_db/collect", "", true)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while in flight, got %d", w.Code)
	}
}

func TestSourcesHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/ingest/bulletins", ingestPayload, true)

	w := s.do(t, http.MethodGet, "/v1/sources", "", false)
	var sources struct {
		Sources []SourceResponse `json:"sources"`
		Total   int              `json:"total"`
	}
	decode(t, w, &sources)
	if sources.Total != 1 || sources.Sources[0].Slug != "exploit_db" || sources.Sources[0].BulletinCount != 2 {
		t.Errorf("unexpected sources %+v", sources)
	}
	if sources.Sources[0].Cursor != "high_water" {
		t.Errorf("Expected default cursor high_water, got %q", sources.Sources[0].Cursor)
	}

	w = s.do(t, http.MethodGet, "/health", "", false)
	var health map[string]any
	decode(t, w, &health)
	if health["bulletins"].(float64) != 2 || health["loaded_configurations"].(float64) != 1 {
		t.Errorf("unexpected health %v", health)
	}

	w = s.do(t, http.MethodGet, "/metrics", "", false)
	if !strings.Contains(w.Body.String(), `seclens_http_requests_total{method="GET",path="/health",status="200"} 1`) {
		t.Errorf("metrics should record routed requests:\n%s", w.Body.String())
	}
}

func TestGenerator_TruncatesBodyFallback(t *testing.T) {
	g := NewGenerator("", "test", nil)
	body := strings.Repeat("é", summaryLimit+50)

	rss, err := g.Run(Channel{}, []database.Bulletin{{ID: 1, Title: "No summary", BodyText: body}})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(rss, "<description>"+strings.Repeat("é", summaryLimit)+"</description>") {
		t.Error("description should fall back to the first characters of the body")
	}
	if !strings.Contains(rss, `<guid isPermaLink="false">seclens:1</guid>`) {
		t.Error("guid should use the default prefix")
	}
	if !strings.Contains(rss, "<link>http://localhost:8080/v1/bulletins/1</link>") {
		t.Error("link should fall back to the bulletin URL")
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
