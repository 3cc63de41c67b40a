package tasks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seclens/seclens/app/bulletin"
	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/database"
	"github.com/seclens/seclens/app/ingest"
	"github.com/seclens/seclens/app/pubtime"
)

const advisoryFeed = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Advisories</title>
    <link>https://example.com</link>
    <description>Vendor advisories</description>
    <item>
      <title>Advisory one</title>
      <link>https://example.com/advisories/a-1</link>
      <guid>a-1</guid>
      <pubDate>Wed, 08 Oct 2025 09:00:00 +0000</pubDate>
    </item>
    <item>
      <title>Advisory two</title>
      <link>https://example.com/advisories/a-2</link>
      <guid>a-2</guid>
      <pubDate>Thu, 09 Oct 2025 09:00:00 +0000</pubDate>
    </item>
  </channel>
</rss>`

type testEnv struct {
	db         *database.DB
	sourceRepo *database.SourceRepo
	bulletins  *database.BulletinRepo
	runner     *CollectionRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "seclens.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sourceRepo := database.NewSourceRepository(db)
	bulletins := database.NewBulletinRepository(db)
	runner := NewCollectionRunner(
		sourceRepo,
		database.NewCursorRepository(db),
		ingest.NewService(bulletins),
		connector.NewFetcher(http.DefaultClient, "seclens-test", nil),
		pubtime.NewResolver(nil),
		nil,
	)
	return &testEnv{db: db, sourceRepo: sourceRepo, bulletins: bulletins, runner: runner}
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func sourceConfig(t *testing.T, url string) *connector.SourceConfig {
	t.Helper()
	config, err := connector.ParseConfig("vendor_advisories", []byte(`
kind: rss
url: "`+url+`"
settings:
  enabled: true
  refresh_interval: 600
`))
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}
	return config
}

type recordingAlerter struct {
	mu      sync.Mutex
	sources []string
}

func (a *recordingAlerter) AlertFailure(ctx context.Context, source string, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = append(a.sources, source)
}

func TestNewTask(t *testing.T) {
	task := NewTask(TaskTypeCollectSource, "vendor_advisories")

	if task.GetSourceSlug() != "vendor_advisories" {
		t.Errorf("Expected source slug 'vendor_advisories', got '%s'", task.GetSourceSlug())
	}
	if task.GetMaxRetries() != DefaultMaxRetries {
		t.Errorf("Expected %d max retries, got %d", DefaultMaxRetries, task.GetMaxRetries())
	}
	if task.GetDuration() != 0 {
		t.Error("Duration should be zero before Start")
	}

	other := NewTask(TaskTypeCollectSource, "vendor_advisories")
	if task.GetID() == "" || task.GetID() == other.GetID() {
		t.Errorf("Expected unique task ids, got %q", task.GetID())
	}

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i := 0; i < DefaultMaxRetries; i++ {
		if !task.CanRetry() {
			t.Fatalf("Task should be retryable after %d retries", i)
		}
		if got := task.ScheduleRetry(); got != delays[i] {
			t.Errorf("retry %d: expected delay %v, got %v", i+1, delays[i], got)
		}
	}
	if task.CanRetry() {
		t.Error("Task should not be retryable after max retries")
	}

	task.RetryCount = 10
	if got := task.ScheduleRetry(); got != maxRetryDelay {
		t.Errorf("Expected delay capped at %v, got %v", maxRetryDelay, got)
	}
}

func TestTask_QueueWait(t *testing.T) {
	task := NewTask(TaskTypeCollectSource, "vendor_advisories")
	enqueued := time.Date(2025, 10, 10, 12, 0, 0, 0, time.UTC)

	if task.QueueWait() != 0 {
		t.Error("Queue wait should be zero before the task is queued")
	}
	task.MarkEnqueued(enqueued)
	task.Start(enqueued.Add(3 * time.Second))
	if got := task.QueueWait(); got != 3*time.Second {
		t.Errorf("Expected 3s queue wait, got %v", got)
	}

	// a retry restamps both ends
	task.MarkEnqueued(enqueued.Add(time.Minute))
	task.Start(enqueued.Add(time.Minute + time.Second))
	if got := task.QueueWait(); got != time.Second {
		t.Errorf("Expected 1s queue wait after retry, got %v", got)
	}
}

func TestScheduler_StampsQueueWait(t *testing.T) {
	env := newTestEnv(t)
	config := sourceConfig(t, "https://example.com/feed.xml")

	now := time.Date(2025, 10, 10, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(connector.NewConfigCache(t.TempDir()), env.sourceRepo, env.runner, nil, time.Minute, 1)
	s.now = func() time.Time { return now }
	defer s.Stop()

	task := NewSyncSourceTask(config, env.sourceRepo)
	if err := s.EnqueueTask(task); err != nil {
		t.Fatalf("EnqueueTask() error: %v", err)
	}
	queued := <-s.taskQueue

	now = now.Add(2 * time.Second)
	s.executeTask(0, queued)

	if got := task.QueueWait(); got != 2*time.Second {
		t.Errorf("Expected 2s queue wait, got %v", got)
	}
	if source, err := env.sourceRepo.GetSource(context.Background(), config.Slug); err != nil || source == nil {
		t.Errorf("sync task should have registered the source: %v, %v", source, err)
	}
}

func TestCollectionRunner_CollectsAndIngests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	config := sourceConfig(t, serve(t, http.StatusOK, advisoryFeed).URL)

	if err := SyncSource(ctx, env.sourceRepo, config); err != nil {
		t.Fatalf("SyncSource() error: %v", err)
	}

	outcome, err := env.runner.Run(ctx, config, connector.CollectOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if outcome.Fetched != 2 || outcome.Emitted != 2 || outcome.Accepted != 2 || outcome.Duplicates != 0 {
		t.Errorf("unexpected first outcome: %+v", outcome)
	}

	count, err := env.bulletins.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 stored bulletins, got %d", count)
	}

	source, err := env.sourceRepo.GetSource(ctx, config.Slug)
	if err != nil || source == nil {
		t.Fatalf("GetSource() = %v, %v", source, err)
	}
	if source.LastSuccessAt == nil || source.NextRunAt == nil || source.LastError != "" {
		t.Errorf("run bookkeeping not recorded: %+v", source)
	}
	if got := source.NextRunAt.Sub(*source.LastRunAt); got != 10*time.Minute {
		t.Errorf("Expected next run 10m after last run, got %v", got)
	}

	// the cursor persisted in sqlite suppresses everything on the next pass
	second, err := env.runner.Run(ctx, config, connector.CollectOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if second.Emitted != 0 || second.Suppressed != 2 {
		t.Errorf("unexpected second outcome: %+v", second)
	}

	forced, err := env.runner.Run(ctx, config, connector.CollectOptions{Force: true})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if forced.Emitted != 2 || forced.Accepted != 0 || forced.Duplicates != 2 {
		t.Errorf("forced pass should re-emit and dedupe at ingest: %+v", forced)
	}
}

type flakyIngester struct {
	err  error
	next Ingester
}

func (f *flakyIngester) Ingest(ctx context.Context, items []bulletin.Bulletin) (ingest.Result, error) {
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return f.next.Ingest(ctx, items)
}

func TestCollectionRunner_FailedIngestKeepsCursor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	config := sourceConfig(t, serve(t, http.StatusOK, advisoryFeed).URL)

	ingester := &flakyIngester{err: errors.New("db down"), next: ingest.NewService(env.bulletins)}
	env.runner.ingester = ingester

	if _, err := env.runner.Run(ctx, config, connector.CollectOptions{}); err == nil {
		t.Fatal("Expected error when ingest fails")
	}

	ingester.err = nil
	outcome, err := env.runner.Run(ctx, config, connector.CollectOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if outcome.Emitted != 2 || outcome.Accepted != 2 {
		t.Errorf("batch should be emitted again after a failed ingest: %+v", outcome)
	}

	count, err := env.bulletins.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 stored bulletins, got %d", count)
	}
}

func TestCollectionRunner_RecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	config := sourceConfig(t, serve(t, http.StatusServiceUnavailable, "").URL)

	if err := SyncSource(ctx, env.sourceRepo, config); err != nil {
		t.Fatalf("SyncSource() error: %v", err)
	}

	if _, err := env.runner.Run(ctx, config, connector.CollectOptions{}); err == nil {
		t.Fatal("Expected error for failing source")
	}

	source, err := env.sourceRepo.GetSource(ctx, config.Slug)
	if err != nil || source == nil {
		t.Fatalf("GetSource() = %v, %v", source, err)
	}
	if source.LastError == "" || source.LastSuccessAt != nil {
		t.Errorf("failure not recorded: %+v", source)
	}
}

func TestCollectionRunner_InFlight(t *testing.T) {
	env := newTestEnv(t)
	config := sourceConfig(t, serve(t, http.StatusOK, advisoryFeed).URL)

	if !env.runner.acquire(config.Slug) {
		t.Fatal("first acquire should succeed")
	}
	if !env.runner.InFlight(config.Slug) {
		t.Error("slug should be reported in flight")
	}

	_, err := env.runner.Run(context.Background(), config, connector.CollectOptions{})
	if !errors.Is(err, ErrCollectionInFlight) {
		t.Errorf("Expected ErrCollectionInFlight, got %v", err)
	}

	task := NewCollectSourceTask(config, env.runner, connector.CollectOptions{})
	if err := task.Execute(context.Background()); err != nil {
		t.Errorf("in-flight collection should not fail the task: %v", err)
	}

	env.runner.release(config.Slug)
	if env.runner.InFlight(config.Slug) {
		t.Error("slug should be released")
	}
}

func TestCollectSourceTask_DisabledSource(t *testing.T) {
	env := newTestEnv(t)
	config := sourceConfig(t, "http://127.0.0.1:0/never")
	config.Settings.Enabled = false

	task := NewCollectSourceTask(config, env.runner, connector.CollectOptions{})
	if err := task.Execute(context.Background()); err != nil {
		t.Errorf("disabled source should be skipped, got %v", err)
	}
}

func TestScheduler_AlertsAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	config := sourceConfig(t, serve(t, http.StatusInternalServerError, "").URL)
	if err := SyncSource(context.Background(), env.sourceRepo, config); err != nil {
		t.Fatalf("SyncSource() error: %v", err)
	}

	alerter := &recordingAlerter{}
	cache := connector.NewConfigCache(t.TempDir())
	s := NewScheduler(cache, env.sourceRepo, env.runner, alerter, time.Minute, 1)
	defer s.Stop()

	task := NewCollectSourceTask(config, env.runner, connector.CollectOptions{})
	task.MaxRetries = 0
	s.executeTask(0, task)

	if len(alerter.sources) != 1 || alerter.sources[0] != config.Slug {
		t.Errorf("Expected one alert for %s, got %v", config.Slug, alerter.sources)
	}
}

func TestScheduler_EnqueuesOnlyDueSources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cache := connector.NewConfigCache(t.TempDir())
	due := sourceConfig(t, "https://example.com/due.xml")
	due.Slug = "due_source"
	notDue := sourceConfig(t, "https://example.com/later.xml")
	notDue.Slug = "later_source"
	for _, c := range []*connector.SourceConfig{due, notDue} {
		if err := cache.Add(c); err != nil {
			t.Fatalf("Add() error: %v", err)
		}
		if err := SyncSource(ctx, env.sourceRepo, c); err != nil {
			t.Fatalf("SyncSource() error: %v", err)
		}
	}

	now := time.Date(2025, 10, 10, 12, 0, 0, 0, time.UTC)
	if err := env.sourceRepo.UpdateRunResult(ctx, notDue.Slug, now, nil, now.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateRunResult() error: %v", err)
	}

	s := NewScheduler(cache, env.sourceRepo, env.runner, nil, time.Minute, 1)
	s.now = func() time.Time { return now }
	defer s.Stop()

	s.enqueueTasks()

	if len(s.taskQueue) != 1 {
		t.Fatalf("Expected 1 queued task, got %d", len(s.taskQueue))
	}
	task := <-s.taskQueue
	if task.GetSourceSlug() != due.Slug || task.GetType() != TaskTypeCollectSource {
		t.Errorf("Expected collect task for %s, got %s %s", due.Slug, task.GetType(), task.GetSourceSlug())
	}
}

func TestScheduler_EnqueueTaskQueueFull(t *testing.T) {
	env := newTestEnv(t)
	s := NewScheduler(connector.NewConfigCache(t.TempDir()), env.sourceRepo, env.runner, nil, time.Minute, 1)
	defer s.Stop()

	config := sourceConfig(t, "https://example.com/feed.xml")
	for i := 0; i < cap(s.taskQueue); i++ {
		if err := s.EnqueueTask(NewSyncSourceTask(config, env.sourceRepo)); err != nil {
			t.Fatalf("EnqueueTask() error at %d: %v", i, err)
		}
	}
	if err := s.EnqueueTask(NewSyncSourceTask(config, env.sourceRepo)); err == nil {
		t.Error("Expected error when queue is full")
	}
}
