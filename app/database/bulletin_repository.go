package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seclens/seclens/app/bulletin"
)

var _ BulletinRepository = (*BulletinRepo)(nil)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type BulletinRepo struct {
	db  *DB
	now func() time.Time
}

func NewBulletinRepository(db *DB) *BulletinRepo {
	return &BulletinRepo{db: db, now: time.Now}
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Upsert stores b keyed by (source_slug, external_id). An existing row has
// its mutable fields replaced and Created is false.
func (r *BulletinRepo) Upsert(ctx context.Context, b bulletin.Bulletin) (UpsertResult, error) {
	return r.upsert(ctx, r.db, b)
}

// UpsertBatch stores all items in one transaction. A validation error on any
// item aborts the whole batch.
func (r *BulletinRepo) UpsertBatch(ctx context.Context, items []bulletin.Bulletin) ([]UpsertResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	results := make([]UpsertResult, 0, len(items))
	for i, b := range items {
		res, err := r.upsert(ctx, tx, b)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return results, nil
}

func (r *BulletinRepo) upsert(ctx context.Context, q execQuerier, b bulletin.Bulletin) (UpsertResult, error) {
	if err := b.Validate(); err != nil {
		return UpsertResult{}, err
	}

	labels, err := encodeJSON(bulletin.NormalizeLabels(b.Labels), "[]")
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to encode labels: %w", err)
	}
	topics, err := encodeJSON(bulletin.NormalizeLabels(b.Topics), "[]")
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to encode topics: %w", err)
	}
	extra, err := encodeJSON(b.Extra, "{}")
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to encode extra: %w", err)
	}
	raw, err := encodeJSON(b.Raw, "{}")
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to encode raw: %w", err)
	}

	now := formatTime(r.now())
	id := b.Identity()

	if id.Deduplicable() {
		var existingID int64
		err := q.QueryRowContext(ctx, `SELECT id FROM bulletins WHERE source_slug = ? AND external_id = ?`,
			id.SourceSlug, id.ExternalID).Scan(&existingID)
		switch {
		case err == nil:
			_, err = q.ExecContext(ctx, `
				UPDATE bulletins SET
					title = ?, summary = ?, body_text = ?, origin_url = ?, severity = ?, language = ?,
					labels = ?, topics = ?, published_at = ?,
					fetched_at = COALESCE(?, fetched_at, ?),
					extra = CASE WHEN ? = '{}' THEN extra ELSE ? END,
					raw = ?, updated_at = ?
				WHERE id = ?
			`, b.Content.Title, b.Content.Summary, b.Content.BodyText, b.Source.OriginURL, b.Severity, b.Content.Language,
				labels, topics, formatTimePtr(b.Content.PublishedAt),
				formatTimePtr(b.FetchedAt), now,
				extra, extra,
				raw, now, existingID)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("failed to update bulletin: %w", err)
			}
			return UpsertResult{ID: existingID, Created: false}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return UpsertResult{}, fmt.Errorf("failed to look up bulletin: %w", err)
		}
	}

	fetchedAt := formatTimePtr(b.FetchedAt)
	if fetchedAt == nil {
		fetchedAt = now
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO bulletins (
			source_slug, external_id, title, summary, body_text, origin_url, severity, language,
			labels, topics, published_at, fetched_at, extra, raw, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.SourceSlug, nullString(id.ExternalID), b.Content.Title, b.Content.Summary, b.Content.BodyText,
		b.Source.OriginURL, b.Severity, b.Content.Language,
		labels, topics, formatTimePtr(b.Content.PublishedAt), fetchedAt, extra, raw, now, now)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to insert bulletin: %w", err)
	}

	newID, err := res.LastInsertId()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to read bulletin id: %w", err)
	}
	return UpsertResult{ID: newID, Created: true}, nil
}

const bulletinColumns = `id, source_slug, COALESCE(external_id, ''), title, summary, body_text, origin_url,
	severity, language, labels, topics, published_at, fetched_at, extra, raw, created_at, updated_at`

func (r *BulletinRepo) Get(ctx context.Context, id int64) (*Bulletin, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bulletinColumns+` FROM bulletins WHERE id = ?`, id)
	b, err := scanBulletin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bulletin: %w", err)
	}
	return b, nil
}

// GetByIDs returns the bulletins with the given ids, newest first.
func (r *BulletinRepo) GetByIDs(ctx context.Context, ids []int64) ([]Bulletin, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	return r.query(ctx, `SELECT `+bulletinColumns+` FROM bulletins WHERE id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY published_at IS NULL, published_at DESC, id DESC`, args...)
}

// List returns one page of bulletins matching filter and the total number of
// matches.
func (r *BulletinRepo) List(ctx context.Context, filter ListFilter) ([]Bulletin, int, error) {
	where, args := buildFilter(filter)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bulletins b`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count bulletins: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := max(filter.Offset, 0)

	pageArgs := append(append([]any{}, args...), limit, offset)
	items, err := r.query(ctx, `SELECT `+bulletinColumns+` FROM bulletins b`+where+`
		ORDER BY published_at IS NULL, published_at DESC, id DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func buildFilter(filter ListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.SourceSlug != "" {
		clauses = append(clauses, "b.source_slug = ?")
		args = append(args, filter.SourceSlug)
	}
	if filter.Label != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(b.labels) WHERE json_each.value = ?)")
		args = append(args, strings.ToLower(filter.Label))
	}
	if filter.Topic != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(b.topics) WHERE json_each.value = ?)")
		args = append(args, strings.ToLower(filter.Topic))
	}
	if filter.Since != nil {
		clauses = append(clauses, "b.published_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		clauses = append(clauses, "b.published_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		pattern := "%" + strings.ToLower(q) + "%"
		clauses = append(clauses, "(LOWER(b.title) LIKE ? OR LOWER(b.summary) LIKE ? OR LOWER(b.body_text) LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *BulletinRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bulletins`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bulletins: %w", err)
	}
	return count, nil
}

func (r *BulletinRepo) CountBySource(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT source_slug, COUNT(*) FROM bulletins GROUP BY source_slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to count bulletins by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			slug  string
			count int
		)
		if err := rows.Scan(&slug, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[slug] = count
	}
	return counts, rows.Err()
}

func (r *BulletinRepo) query(ctx context.Context, query string, args ...any) ([]Bulletin, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bulletins: %w", err)
	}
	defer rows.Close()

	var items []Bulletin
	for rows.Next() {
		b, err := scanBulletin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bulletin row: %w", err)
		}
		items = append(items, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bulletin rows: %w", err)
	}
	return items, nil
}

func scanBulletin(s scanner) (*Bulletin, error) {
	var (
		b                      Bulletin
		labels, topics         string
		extra, raw             string
		publishedAt, fetchedAt sql.NullString
		createdAt, updatedAt   string
	)
	err := s.Scan(&b.ID, &b.SourceSlug, &b.ExternalID, &b.Title, &b.Summary, &b.BodyText, &b.OriginURL,
		&b.Severity, &b.Language, &labels, &topics, &publishedAt, &fetchedAt, &extra, &raw, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.Labels = decodeStrings(labels)
	b.Topics = decodeStrings(topics)
	b.PublishedAt = parseNullTime(publishedAt)
	b.FetchedAt = parseNullTime(fetchedAt)
	b.Extra = decodeMap(extra)
	b.Raw = decodeMap(raw)
	b.CreatedAt, _ = parseTime(createdAt)
	b.UpdatedAt, _ = parseTime(updatedAt)
	return &b, nil
}
