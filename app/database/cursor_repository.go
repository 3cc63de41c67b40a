package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seclens/seclens/app/cursor"
)

var _ CursorRepository = (*CursorRepo)(nil)

// CursorRepo keeps connector cursors in the cursor_state table, one row per
// source.
type CursorRepo struct {
	db *DB
}

func NewCursorRepository(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) LoadCursor(ctx context.Context, slug string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM cursor_state WHERE source_slug = ?`, slug).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	return value, nil
}

func (r *CursorRepo) SaveCursor(ctx context.Context, slug string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursor_state (source_slug, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (source_slug) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, slug, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Storage binds the row of slug to the cursor.Storage interface.
func (r *CursorRepo) Storage(slug string) cursor.Storage {
	return &rowStorage{repo: r, slug: slug}
}

type rowStorage struct {
	repo *CursorRepo
	slug string
}

func (s *rowStorage) Load() ([]byte, error) {
	return s.repo.LoadCursor(context.Background(), s.slug)
}

func (s *rowStorage) Save(data []byte) error {
	return s.repo.SaveCursor(context.Background(), s.slug, data)
}
