package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seclens/seclens/app/connector"
)

type CollectSourceTask struct {
	Task
	SourceConfig *connector.SourceConfig
	Options      connector.CollectOptions
	runner       *CollectionRunner
}

func NewCollectSourceTask(config *connector.SourceConfig, runner *CollectionRunner, opts connector.CollectOptions) *CollectSourceTask {
	return &CollectSourceTask{
		Task:         NewTask(TaskTypeCollectSource, config.Slug),
		SourceConfig: config,
		Options:      opts,
		runner:       runner,
	}
}

func (t *CollectSourceTask) Execute(ctx context.Context) error {

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !t.SourceConfig.Settings.Enabled && !t.Options.Force {
		slog.Debug("Source disabled, skipping", "source", t.SourceSlug)
		return nil
	}

	outcome, err := t.runner.Run(ctx, t.SourceConfig, t.Options)
	if errors.Is(err, ErrCollectionInFlight) {
		slog.Debug("Collection already running, skipping", "source", t.SourceSlug)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to collect source: %w", err)
	}

	slog.Info("Task completed",
		"type", "CollectSource",
		"source", t.SourceSlug,
		"queue_wait", t.QueueWait(),
		"duration", t.GetDuration(),
		"fetched", outcome.Fetched,
		"emitted", outcome.Emitted,
		"accepted", outcome.Accepted,
		"duplicates", outcome.Duplicates)

	return nil
}
