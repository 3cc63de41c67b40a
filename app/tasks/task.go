package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeCollectSource TaskType = "collect_source"
	TaskTypeSyncSource    TaskType = "sync_source"
)

const (
	DefaultMaxRetries = 3
	maxRetryDelay     = 30 * time.Second
)

// TaskInterface is one unit of scheduler work for a single source.
type TaskInterface interface {
	Execute(ctx context.Context) error
	GetID() string
	GetType() TaskType
	GetSourceSlug() string
	GetRetryCount() int
	GetMaxRetries() int
	CanRetry() bool
	ScheduleRetry() time.Duration
	MarkEnqueued(at time.Time)
	Start(at time.Time)
	QueueWait() time.Duration
	GetDuration() time.Duration
}

// Task carries the run bookkeeping shared by every task type. EnqueuedAt and
// StartedAt are restamped on each retry.
type Task struct {
	ID         string
	Type       TaskType
	SourceSlug string
	RetryCount int
	MaxRetries int
	EnqueuedAt *time.Time
	StartedAt  *time.Time
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

func (t *Task) GetSourceSlug() string {
	return t.SourceSlug
}

func (t *Task) GetRetryCount() int {
	return t.RetryCount
}

func (t *Task) GetMaxRetries() int {
	return t.MaxRetries
}

func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// ScheduleRetry counts the attempt and returns how long to wait before it:
// 1s, 2s, 4s and so on up to 30s.
func (t *Task) ScheduleRetry() time.Duration {
	t.RetryCount++
	return min(time.Second<<uint(t.RetryCount-1), maxRetryDelay)
}

func (t *Task) MarkEnqueued(at time.Time) {
	t.EnqueuedAt = &at
}

func (t *Task) Start(at time.Time) {
	t.StartedAt = &at
}

// QueueWait is the time between the last enqueue and the last start.
func (t *Task) QueueWait() time.Duration {
	if t.EnqueuedAt == nil || t.StartedAt == nil || t.StartedAt.Before(*t.EnqueuedAt) {
		return 0
	}
	return t.StartedAt.Sub(*t.EnqueuedAt)
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

func NewTask(taskType TaskType, sourceSlug string) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		SourceSlug: sourceSlug,
		MaxRetries: DefaultMaxRetries,
	}
}
