package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/database"
	"github.com/seclens/seclens/app/metrics"
	"github.com/seclens/seclens/app/pubtime"
)

var ErrCollectionInFlight = errors.New("collection already in progress")

type CollectionOutcome struct {
	Fetched    int `json:"fetched"`
	Skipped    int `json:"skipped"`
	Filtered   int `json:"filtered"`
	Suppressed int `json:"suppressed"`
	Emitted    int `json:"emitted"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// CollectionRunner performs one collection pass for a source and hands the
// result to the ingest boundary. At most one pass per source runs at a time
// so each cursor has a single writer within the process.
type CollectionRunner struct {
	sourceRepo database.SourceRepository
	cursorRepo database.CursorRepository
	ingester   Ingester
	fetcher    *connector.Fetcher
	resolver   *pubtime.Resolver
	metrics    *metrics.Metrics
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewCollectionRunner(sourceRepo database.SourceRepository, cursorRepo database.CursorRepository, ingester Ingester,
	fetcher *connector.Fetcher, resolver *pubtime.Resolver, m *metrics.Metrics) *CollectionRunner {
	return &CollectionRunner{
		sourceRepo: sourceRepo,
		cursorRepo: cursorRepo,
		ingester:   ingester,
		fetcher:    fetcher,
		resolver:   resolver,
		metrics:    m,
		now:        time.Now,
		inFlight:   make(map[string]struct{}),
	}
}

func (r *CollectionRunner) InFlight(slug string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[slug]
	return ok
}

func (r *CollectionRunner) acquire(slug string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[slug]; ok {
		return false
	}
	r.inFlight[slug] = struct{}{}
	return true
}

func (r *CollectionRunner) release(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, slug)
}

func (r *CollectionRunner) Run(ctx context.Context, config *connector.SourceConfig, opts connector.CollectOptions) (*CollectionOutcome, error) {
	if !r.acquire(config.Slug) {
		return nil, ErrCollectionInFlight
	}
	defer r.release(config.Slug)

	startedAt := r.now().UTC()
	outcome, err := r.run(ctx, config, opts)

	r.metrics.ObserveCollection(config.Slug, err, outcome.Emitted, r.now().Sub(startedAt))

	nextRun := startedAt.Add(time.Duration(config.Settings.RefreshInterval) * time.Second)
	if recordErr := r.sourceRepo.UpdateRunResult(ctx, config.Slug, startedAt, err, nextRun); recordErr != nil {
		slog.Warn("Failed to record run result", "source", config.Slug, "error", recordErr)
	}

	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *CollectionRunner) run(ctx context.Context, config *connector.SourceConfig, opts connector.CollectOptions) (*CollectionOutcome, error) {
	outcome := &CollectionOutcome{}

	conn, err := connector.New(config, r.fetcher)
	if err != nil {
		return outcome, err
	}

	collector := connector.NewCollector(config, conn, r.fetcher, r.resolver, r.cursorRepo.Storage(config.Slug))
	res, err := collector.Collect(ctx, opts)
	if err != nil {
		return outcome, err
	}

	outcome.Fetched = res.Fetched
	outcome.Skipped = res.Skipped
	outcome.Filtered = res.Filtered
	outcome.Suppressed = res.Suppressed
	outcome.Emitted = len(res.Bulletins)

	if len(res.Bulletins) == 0 {
		return outcome, res.Commit()
	}

	// the cursor only moves once the batch is stored
	ingested, err := r.ingester.Ingest(ctx, res.Bulletins)
	if err != nil {
		return outcome, fmt.Errorf("failed to ingest bulletins: %w", err)
	}
	outcome.Accepted = ingested.Accepted
	outcome.Duplicates = ingested.Duplicates

	return outcome, res.Commit()
}
