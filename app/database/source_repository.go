package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ SourceRepository = (*SourceRepo)(nil)

type SourceRepo struct {
	db *DB
}

func NewSourceRepository(db *DB) *SourceRepo {
	return &SourceRepo{db: db}
}

// UpsertSource registers a source definition, keeping run bookkeeping intact.
func (r *SourceRepo) UpsertSource(ctx context.Context, src Source) error {
	now := formatTime(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (slug, name, kind, url, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			url = excluded.url,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, src.Slug, src.Name, src.Kind, src.URL, boolToInt(src.Enabled), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}
	return nil
}

// UpdateRunResult records the outcome of a collection run and when the next
// one is due. A nil runErr marks the run as successful.
func (r *SourceRepo) UpdateRunResult(ctx context.Context, slug string, runAt time.Time, runErr error, nextRun time.Time) error {
	var (
		res sql.Result
		err error
	)
	if runErr == nil {
		res, err = r.db.ExecContext(ctx, `
			UPDATE sources
			SET last_run_at = ?, last_success_at = ?, next_run_at = ?, last_error = '', updated_at = ?
			WHERE slug = ?
		`, formatTime(runAt), formatTime(runAt), formatTime(nextRun), formatTime(time.Now()), slug)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE sources
			SET last_run_at = ?, next_run_at = ?, last_error = ?, updated_at = ?
			WHERE slug = ?
		`, formatTime(runAt), formatTime(nextRun), runErr.Error(), formatTime(time.Now()), slug)
	}
	if err != nil {
		return fmt.Errorf("failed to update run result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", slug, ErrNotFound)
	}
	return nil
}

const sourceColumns = `slug, name, kind, url, enabled, last_run_at, last_success_at, next_run_at, last_error, created_at, updated_at`

func (r *SourceRepo) GetSource(ctx context.Context, slug string) (*Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE slug = ?`, slug)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

func (r *SourceRepo) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source rows: %w", err)
	}
	return sources, nil
}

func (r *SourceRepo) GetSourceCount(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sources: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(s scanner) (*Source, error) {
	var (
		src                          Source
		enabled                      int
		lastRun, lastSuccess, nextRn sql.NullString
		createdAt, updatedAt         string
	)
	err := s.Scan(&src.Slug, &src.Name, &src.Kind, &src.URL, &enabled,
		&lastRun, &lastSuccess, &nextRn, &src.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	src.Enabled = enabled != 0
	src.LastRunAt = parseNullTime(lastRun)
	src.LastSuccessAt = parseNullTime(lastSuccess)
	src.NextRunAt = parseNullTime(nextRn)
	src.CreatedAt, _ = parseTime(createdAt)
	src.UpdatedAt, _ = parseTime(updatedAt)
	return &src, nil
}
