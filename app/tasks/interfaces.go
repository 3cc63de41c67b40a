package tasks

import (
	"context"

	"github.com/seclens/seclens/app/bulletin"
	"github.com/seclens/seclens/app/ingest"
)

// TaskSchedulerInterface is what the application needs from the background
// scheduler.
//
//	scheduler := NewScheduler(configCache, sourceRepo, runner, alerter, interval, workers)
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.EnqueueTask(NewCollectSourceTask(config, runner, connector.CollectOptions{}))
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}

type Ingester interface {
	Ingest(ctx context.Context, items []bulletin.Bulletin) (ingest.Result, error)
}

// Alerter is told about collections that failed after all retries.
type Alerter interface {
	AlertFailure(ctx context.Context, source string, cause error)
}
