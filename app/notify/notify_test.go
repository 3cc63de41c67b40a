package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclens/seclens/app/database"
	"github.com/seclens/seclens/app/metrics"
)

type mockRules struct {
	rules []database.PushRule
	err   error
}

func (m *mockRules) ListActivePushRules(ctx context.Context) ([]database.PushRule, error) {
	return m.rules, m.err
}

type recorder struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func (r *recorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

		var body map[string]any
		data, _ := io.ReadAll(req.Body)
		require.NoError(t, json.Unmarshal(data, &body))

		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.mu.Unlock()

		if r.status != 0 {
			w.WriteHeader(r.status)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sampleBulletin() database.Bulletin {
	published := time.Date(2025, 10, 9, 8, 0, 0, 0, time.UTC)
	return database.Bulletin{
		ID:          7,
		SourceSlug:  "exploit_db",
		Title:       "Apache Struts RCE",
		Summary:     "Remote code execution in Struts",
		OriginURL:   "https://example.com/7",
		PublishedAt: &published,
	}
}

func TestKeywordMatch(t *testing.T) {
	b := sampleBulletin()
	b.BodyText = "Affects OGNL evaluation"

	assert.True(t, KeywordMatch(b, "struts"))
	assert.True(t, KeywordMatch(b, "  REMOTE code "))
	assert.True(t, KeywordMatch(b, "ognl"))
	assert.False(t, KeywordMatch(b, "nginx"))
	assert.False(t, KeywordMatch(b, "   "))
}

func TestDispatch_GenericWebhook(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t)

	rules := &mockRules{rules: []database.PushRule{
		{ID: 1, Name: "struts", Keyword: "struts", WebhookURL: srv.URL, Active: true},
		{ID: 2, Name: "nginx", Keyword: "nginx", WebhookURL: srv.URL, Active: true},
	}}
	m := metrics.New()
	d := NewDispatcher(rules, WithMetrics(m))

	sent := d.Dispatch(context.Background(), []database.Bulletin{sampleBulletin()})

	assert.Equal(t, 1, sent)
	require.Len(t, rec.bodies, 1)
	assert.Equal(t, "struts", rec.bodies[0]["keyword"])
	bulletin := rec.bodies[0]["bulletin"].(map[string]any)
	assert.Equal(t, "Apache Struts RCE", bulletin["title"])
	assert.Equal(t, "2025-10-09T08:00:00Z", bulletin["published_at"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsSent.WithLabelValues("webhook", "sent")))
}

func TestDispatch_FailuresAreSwallowed(t *testing.T) {
	rec := &recorder{status: http.StatusInternalServerError}
	srv := rec.server(t)

	rules := &mockRules{rules: []database.PushRule{{Name: "struts", Keyword: "struts", WebhookURL: srv.URL}}}
	m := metrics.New()
	d := NewDispatcher(rules, WithMetrics(m))

	sent := d.Dispatch(context.Background(), []database.Bulletin{sampleBulletin()})

	assert.Equal(t, 0, sent)
	assert.Len(t, rec.bodies, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsSent.WithLabelValues("webhook", "failed")))
}

func TestDispatch_RuleLoadError(t *testing.T) {
	d := NewDispatcher(&mockRules{err: errors.New("db down")})
	assert.Equal(t, 0, d.Dispatch(context.Background(), []database.Bulletin{sampleBulletin()}))
}

func TestDispatch_NoBulletins(t *testing.T) {
	rules := &mockRules{err: errors.New("should not be called")}
	d := NewDispatcher(rules)
	assert.Equal(t, 0, d.Dispatch(context.Background(), nil))
}

func TestDispatch_Slack(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t)

	rules := &mockRules{rules: []database.PushRule{{Name: "rce", Keyword: "rce", SlackWebhookURL: srv.URL}}}
	d := NewDispatcher(rules)

	sent := d.Dispatch(context.Background(), []database.Bulletin{sampleBulletin()})

	assert.Equal(t, 1, sent)
	require.Len(t, rec.bodies, 1)
	assert.Contains(t, rec.bodies[0]["text"], `keyword "rce" matched`)
	attachments := rec.bodies[0]["attachments"].([]any)
	require.Len(t, attachments, 1)
	assert.Equal(t, "Apache Struts RCE", attachments[0].(map[string]any)["title"])
}

func TestDingTalkBody(t *testing.T) {
	assert.True(t, isDingTalk("https://oapi.dingtalk.com/robot/send?access_token=abc"))
	assert.False(t, isDingTalk("https://hooks.example.com/dingtalk"))

	payload := buildPayload(database.PushRule{Name: "struts", Keyword: "struts"}, sampleBulletin())
	body := dingTalkBody(payload)

	assert.Equal(t, "markdown", body["msgtype"])
	markdown := body["markdown"].(map[string]string)
	assert.Contains(t, markdown["text"], "> Rule: struts")
	assert.Contains(t, markdown["text"], "> Source: exploit_db")
	assert.Contains(t, markdown["text"], "[View details](https://example.com/7)")
}

func TestAlertFailure(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t)

	d := NewDispatcher(&mockRules{}, WithAlertWebhook(srv.URL))
	d.AlertFailure(context.Background(), "exploit_db", errors.New("HTTP error: 503"))

	require.Len(t, rec.bodies, 1)
	assert.Contains(t, rec.bodies[0]["text"], "`exploit_db` failed: HTTP error: 503")

	var nilDispatcher *Dispatcher
	assert.NotPanics(t, func() { nilDispatcher.AlertFailure(context.Background(), "x", errors.New("y")) })
}

func TestWebhookNotifier_MissingURL(t *testing.T) {
	w := &WebhookNotifier{}
	assert.Error(t, w.Send(context.Background(), "", Payload{}))

	s := &SlackNotifier{}
	assert.Error(t, s.SendText(context.Background(), "", "hi"))
}
