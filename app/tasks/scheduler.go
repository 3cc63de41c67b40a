package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/database"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type Scheduler struct {
	sourceRepo  database.SourceRepository
	configCache *connector.ConfigCache
	runner      *CollectionRunner
	alerter     Alerter
	interval    time.Duration
	workerCount int
	now         func() time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface
}

func NewScheduler(configCache *connector.ConfigCache, sourceRepo database.SourceRepository, runner *CollectionRunner,
	alerter Alerter, interval time.Duration, workerCount int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if workerCount < 1 {
		workerCount = 1
	}

	return &Scheduler{
		sourceRepo:  sourceRepo,
		configCache: configCache,
		runner:      runner,
		alerter:     alerter,
		interval:    interval,
		workerCount: workerCount,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		taskQueue:   make(chan TaskInterface, 300),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.enqueueStartupTasks()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueTasks()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	// taskQueue stays open: pending retries may still try to enqueue
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	task.MarkEnqueued(s.now())
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// enqueueStartupTasks registers every source before its first collection so
// run bookkeeping always finds a row.
func (s *Scheduler) enqueueStartupTasks() {
	sourceConfigs := s.configCache.GetConfigs()
	if len(sourceConfigs) == 0 {
		slog.Debug("No source configurations found")
		return
	}

	slog.Debug("Processing source configurations", "count", len(sourceConfigs))

	for _, slug := range s.configCache.Slugs() {
		sourceConfig := sourceConfigs[slug]

		syncTask := NewSyncSourceTask(sourceConfig, s.sourceRepo)
		syncTask.Start(s.now())
		if err := syncTask.Execute(s.ctx); err != nil {
			continue
		}

		if !sourceConfig.Settings.Enabled {
			slog.Debug("Source disabled, skipping CollectSourceTask", "source", slug)
			continue
		}

		s.enqueueCollect(sourceConfig)
	}
}

func (s *Scheduler) enqueueTasks() {
	sourceConfigs := s.configCache.GetEnabledConfigs()
	if len(sourceConfigs) == 0 {
		slog.Debug("No enabled source configurations found")
		return
	}

	slog.Debug("Processing enabled source configurations for task scheduling", "count", len(sourceConfigs))

	for slug, sourceConfig := range sourceConfigs {
		source, err := s.sourceRepo.GetSource(s.ctx, slug)
		if err != nil {
			slog.Warn("Failed to get source from database, skipping", "source", slug, "error", err)
			continue
		}
		if source == nil {
			slog.Warn("Source not found in database, skipping", "source", slug)
			continue
		}

		now := s.now().UTC()
		if source.NextRunAt != nil && source.NextRunAt.After(now) {
			slog.Debug("Source not due for collection yet", "source", slug, "next_run_at", source.NextRunAt)
			continue
		}

		s.enqueueCollect(sourceConfig)
	}
}

func (s *Scheduler) enqueueCollect(sourceConfig *connector.SourceConfig) {
	if s.runner.InFlight(sourceConfig.Slug) {
		slog.Debug("Collection in progress, not enqueueing", "source", sourceConfig.Slug)
		return
	}

	task := NewCollectSourceTask(sourceConfig, s.runner, connector.CollectOptions{})
	if err := s.EnqueueTask(task); err != nil {
		slog.Warn("Failed to enqueue CollectSourceTask", "source", sourceConfig.Slug, "error", err)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task, ok := <-s.taskQueue:
			if !ok {
				return
			}
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start(s.now())
	s.runner.metrics.ObserveQueueWait(string(task.GetType()), task.QueueWait())
	slog.Debug("Task started", "worker_id", workerID, "type", string(task.GetType()), "source", task.GetSourceSlug(), "queue_wait", task.QueueWait())

	taskCtx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if !task.CanRetry() {
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		if s.alerter != nil && task.GetType() == TaskTypeCollectSource {
			s.alerter.AlertFailure(s.ctx, task.GetSourceSlug(), err)
		}
		return
	}

	retryDelay := task.ScheduleRetry()

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "source", task.GetSourceSlug(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

	go func() {
		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
		case <-time.After(retryDelay):
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
			}
		}
	}()
}
