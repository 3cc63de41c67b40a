package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seclens/seclens/app/bulletin"
	"github.com/seclens/seclens/app/database"
	"github.com/seclens/seclens/app/metrics"
	"github.com/seclens/seclens/app/pubtime"
)

var ErrEmptyBatch = errors.New("no bulletins provided")

// Notifier receives bulletins that were stored for the first time.
type Notifier interface {
	Dispatch(ctx context.Context, bulletins []database.Bulletin) int
}

// Result counts stored bulletins. Accepted is the number of new rows, so a
// batch that was already ingested reports only duplicates.
type Result struct {
	Accepted   int     `json:"accepted"`
	Duplicates int     `json:"duplicates"`
	CreatedIDs []int64 `json:"-"`
}

// Service is the ingest boundary. Every bulletin is stored by identity; the
// whole batch succeeds or fails together.
type Service struct {
	bulletins database.BulletinRepository
	notifier  Notifier
	metrics   *metrics.Metrics
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func NewService(bulletins database.BulletinRepository, opts ...Option) *Service {
	s := &Service{bulletins: bulletins}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ingest(ctx context.Context, items []bulletin.Bulletin) (Result, error) {
	if len(items) == 0 {
		return Result{}, ErrEmptyBatch
	}

	results, err := s.bulletins.UpsertBatch(ctx, items)
	if err != nil {
		return Result{}, fmt.Errorf("failed to store bulletins: %w", err)
	}

	var out Result
	for i, res := range results {
		slug := items[i].Source.SourceSlug
		s.metrics.ObserveIngest(slug, res.Created)
		if res.Created {
			out.Accepted++
			out.CreatedIDs = append(out.CreatedIDs, res.ID)
			if meta, ok := TimeMetadata(items[i]); ok {
				s.metrics.ObserveResolution(slug, meta)
			}
		} else {
			out.Duplicates++
		}
	}

	slog.Debug("Bulletins ingested", "accepted", out.Accepted, "duplicates", out.Duplicates)

	if s.notifier != nil && len(out.CreatedIDs) > 0 {
		s.notify(ctx, out.CreatedIDs)
	}

	return out, nil
}

func (s *Service) notify(ctx context.Context, ids []int64) {
	created, err := s.bulletins.GetByIDs(ctx, ids)
	if err != nil {
		slog.Warn("Failed to load created bulletins for notification", "error", err)
		return
	}
	if sent := s.notifier.Dispatch(ctx, created); sent > 0 {
		slog.Info("Notifications sent", "count", sent)
	}
}

// TimeMetadata reads back the resolution metadata stored under
// extra.time_meta. It accepts both the in-process map and a JSON-decoded one.
func TimeMetadata(b bulletin.Bulletin) (pubtime.Metadata, bool) {
	raw, ok := b.Extra[bulletin.TimeMetaKey].(map[string]any)
	if !ok {
		return pubtime.Metadata{}, false
	}

	var meta pubtime.Metadata
	meta.Source, _ = raw["source"].(string)
	meta.Fallback, _ = raw["fallback"].(bool)
	meta.AppliedTimezone, _ = raw["applied_timezone"].(string)
	meta.DateOnly, _ = raw["date_only"].(bool)
	meta.Raw = raw["raw"]
	if flag, ok := raw["flag"].(string); ok {
		meta.Flag = pubtime.Flag(flag)
	}
	return meta, true
}
