package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	_ SubscriptionRepository = (*SubscriptionRepo)(nil)
	_ PushRuleRepository     = (*PushRuleRepo)(nil)
)

type SubscriptionRepo struct {
	db *DB
}

func NewSubscriptionRepository(db *DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

func (r *SubscriptionRepo) CreateSubscription(ctx context.Context, sub Subscription) (*Subscription, error) {
	if strings.TrimSpace(sub.Token) == "" {
		return nil, errors.New("token is required")
	}
	if strings.TrimSpace(sub.Name) == "" {
		return nil, errors.New("name is required")
	}

	sub.CreatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (token, name, keyword, source_slug, created_at) VALUES (?, ?, ?, ?, ?)
	`, sub.Token, sub.Name, strings.TrimSpace(sub.Keyword), sub.SourceSlug, formatTime(sub.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	if sub.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read subscription id: %w", err)
	}
	return &sub, nil
}

func (r *SubscriptionRepo) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, token, name, keyword, source_slug, created_at FROM subscriptions ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (r *SubscriptionRepo) GetSubscriptionByToken(ctx context.Context, token string) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, token, name, keyword, source_slug, created_at FROM subscriptions WHERE token = ?
	`, token)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *SubscriptionRepo) DeleteSubscription(ctx context.Context, id int64) error {
	return deleteByID(ctx, r.db, "subscriptions", id)
}

func scanSubscription(s scanner) (*Subscription, error) {
	var (
		sub       Subscription
		createdAt string
	)
	if err := s.Scan(&sub.ID, &sub.Token, &sub.Name, &sub.Keyword, &sub.SourceSlug, &createdAt); err != nil {
		return nil, err
	}
	sub.CreatedAt, _ = parseTime(createdAt)
	return &sub, nil
}

type PushRuleRepo struct {
	db *DB
}

func NewPushRuleRepository(db *DB) *PushRuleRepo {
	return &PushRuleRepo{db: db}
}

func (r *PushRuleRepo) CreatePushRule(ctx context.Context, rule PushRule) (*PushRule, error) {
	if strings.TrimSpace(rule.Name) == "" {
		return nil, errors.New("name is required")
	}
	if strings.TrimSpace(rule.Keyword) == "" {
		return nil, errors.New("keyword is required")
	}
	if rule.WebhookURL == "" && rule.SlackWebhookURL == "" {
		return nil, errors.New("at least one of webhook_url or slack_webhook_url is required")
	}

	rule.CreatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO push_rules (name, keyword, webhook_url, slack_webhook_url, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rule.Name, strings.TrimSpace(rule.Keyword), rule.WebhookURL, rule.SlackWebhookURL, boolToInt(rule.Active), formatTime(rule.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create push rule: %w", err)
	}
	if rule.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read push rule id: %w", err)
	}
	return &rule, nil
}

func (r *PushRuleRepo) ListPushRules(ctx context.Context) ([]PushRule, error) {
	return r.list(ctx, `SELECT id, name, keyword, webhook_url, slack_webhook_url, active, created_at FROM push_rules ORDER BY id`)
}

func (r *PushRuleRepo) ListActivePushRules(ctx context.Context) ([]PushRule, error) {
	return r.list(ctx, `SELECT id, name, keyword, webhook_url, slack_webhook_url, active, created_at FROM push_rules WHERE active = 1 ORDER BY id`)
}

func (r *PushRuleRepo) DeletePushRule(ctx context.Context, id int64) error {
	return deleteByID(ctx, r.db, "push_rules", id)
}

func (r *PushRuleRepo) list(ctx context.Context, query string) ([]PushRule, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list push rules: %w", err)
	}
	defer rows.Close()

	var rules []PushRule
	for rows.Next() {
		var (
			rule      PushRule
			active    int
			createdAt string
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Keyword, &rule.WebhookURL, &rule.SlackWebhookURL, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan push rule row: %w", err)
		}
		rule.Active = active != 0
		rule.CreatedAt, _ = parseTime(createdAt)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func deleteByID(ctx context.Context, db *DB, table string, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
