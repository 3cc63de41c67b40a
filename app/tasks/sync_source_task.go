package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/database"
)

type SyncSourceTask struct {
	Task
	SourceConfig *connector.SourceConfig
	sourceRepo   database.SourceRepository
}

func NewSyncSourceTask(config *connector.SourceConfig, sourceRepo database.SourceRepository) *SyncSourceTask {
	return &SyncSourceTask{
		Task:         NewTask(TaskTypeSyncSource, config.Slug),
		SourceConfig: config,
		sourceRepo:   sourceRepo,
	}
}

func (t *SyncSourceTask) Execute(ctx context.Context) error {

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := SyncSource(ctx, t.sourceRepo, t.SourceConfig)
	if err != nil {
		slog.Error("Task failed", "type", "SyncSource", "source", t.SourceSlug, "error", err)
		return err
	}

	slog.Info("Task completed",
		"type", "SyncSource",
		"source", t.SourceSlug,
		"duration", t.GetDuration())

	return nil
}

// SyncSource registers the source definition so run bookkeeping has a row
// to update.
func SyncSource(ctx context.Context, sourceRepo database.SourceRepository, config *connector.SourceConfig) error {
	err := sourceRepo.UpsertSource(ctx, database.Source{
		Slug:    config.Slug,
		Name:    config.Name,
		Kind:    string(config.Kind),
		URL:     config.URL,
		Enabled: config.Settings.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to sync source config to database: %w", err)
	}
	return nil
}
