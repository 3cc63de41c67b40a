package database

import (
	"context"
	"time"

	"github.com/seclens/seclens/app/bulletin"
	"github.com/seclens/seclens/app/cursor"
)

type SourceRepository interface {
	GetSource(ctx context.Context, slug string) (*Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	GetSourceCount(ctx context.Context) (int, error)

	UpsertSource(ctx context.Context, src Source) error
	UpdateRunResult(ctx context.Context, slug string, runAt time.Time, runErr error, nextRun time.Time) error
}

type BulletinRepository interface {
	Get(ctx context.Context, id int64) (*Bulletin, error)
	GetByIDs(ctx context.Context, ids []int64) ([]Bulletin, error)
	List(ctx context.Context, filter ListFilter) ([]Bulletin, int, error)
	Count(ctx context.Context) (int, error)
	CountBySource(ctx context.Context) (map[string]int, error)

	Upsert(ctx context.Context, b bulletin.Bulletin) (UpsertResult, error)
	UpsertBatch(ctx context.Context, items []bulletin.Bulletin) ([]UpsertResult, error)
}

type CursorRepository interface {
	LoadCursor(ctx context.Context, slug string) ([]byte, error)
	SaveCursor(ctx context.Context, slug string, value []byte) error
	Storage(slug string) cursor.Storage
}

type SubscriptionRepository interface {
	CreateSubscription(ctx context.Context, sub Subscription) (*Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	GetSubscriptionByToken(ctx context.Context, token string) (*Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
}

type PushRuleRepository interface {
	CreatePushRule(ctx context.Context, rule PushRule) (*PushRule, error)
	ListPushRules(ctx context.Context) ([]PushRule, error)
	ListActivePushRules(ctx context.Context) ([]PushRule, error)
	DeletePushRule(ctx context.Context, id int64) error
}
