package services

import (
	"context"

	"dyrt_scraper/models"
	"dyrt_scraper/storage"
)

// Trigger starts runs; the coordinator implements it.
type Trigger interface {
	Run(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error)
	Start(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error)
	Cancel()
}

// Schedule is the scheduler's control surface.
type Schedule interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

// RunService exposes run control and run history behind one facade so
// callers never touch the coordinator or scheduler directly.
type RunService struct {
	store     storage.Store
	trigger   Trigger
	scheduler Schedule
}

func NewRunService(store storage.Store, trigger Trigger, scheduler Schedule) *RunService {
	return &RunService{store: store, trigger: trigger, scheduler: scheduler}
}

// TriggerRun starts a manual run in the background and returns its row,
// still in the running state. storage.ErrAlreadyRunning surfaces verbatim
// so callers can tell a conflict from a fault.
func (s *RunService) TriggerRun(ctx context.Context) (*models.ScraperRun, error) {
	return s.trigger.Start(ctx, models.TriggerManual)
}

// RunOnce executes a manual run synchronously and returns the finalized
// record. Used by the one-shot CLI mode.
func (s *RunService) RunOnce(ctx context.Context) (*models.ScraperRun, error) {
	return s.trigger.Run(ctx, models.TriggerManual)
}

// CancelRun stops the in-flight run after its current page, if any.
func (s *RunService) CancelRun() {
	s.trigger.Cancel()
}

func (s *RunService) GetRun(ctx context.Context, id int64) (*models.ScraperRun, error) {
	return s.store.GetRun(ctx, id)
}

// LatestRun returns the most recent run, running or terminal.
func (s *RunService) LatestRun(ctx context.Context) (*models.ScraperRun, error) {
	return s.store.LatestRun(ctx)
}

func (s *RunService) StartScheduler(ctx context.Context) error {
	return s.scheduler.Start(ctx)
}

func (s *RunService) StopScheduler() {
	s.scheduler.Stop()
}

func (s *RunService) SchedulerRunning() bool {
	return s.scheduler.Running()
}
