package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dyrt_scraper/config"
	"dyrt_scraper/models"
	"dyrt_scraper/storage"
)

// Runner is the scheduler's view of the run coordinator.
type Runner interface {
	Run(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error)
}

// Scheduler fires ingestion runs on a cron expression or a fixed
// interval. A tick that lands while a run is still in flight is skipped
// and logged, never queued. Stop halts future ticks only; it does not
// touch a run already in progress.
type Scheduler struct {
	cfg    config.SchedulerConfig
	runner Runner
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
	entry   cron.EntryID
	ticker  *time.Ticker
	stopCh  chan struct{}
}

func New(cfg config.SchedulerConfig, runner Runner) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		cron:   cron.New(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if s.cfg.Cron != "" {
		log.Printf("scheduler: cron %q", s.cfg.Cron)
		id, err := s.cron.AddFunc(s.cfg.Cron, func() { s.tick(ctx) })
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.entry = id
		s.cron.Start()
	} else if s.cfg.Interval > 0 {
		log.Printf("scheduler: interval %s", s.cfg.Interval)
		s.ticker = time.NewTicker(s.cfg.Interval)
		s.stopCh = make(chan struct{})
		go s.loop(ctx, s.ticker, s.stopCh)
	} else {
		log.Println("scheduler: no schedule configured, runs are manual only")
		return nil
	}

	s.running = true
	return nil
}

// Stop disables future ticks. An in-flight run keeps going; cancel it
// through the coordinator if that is actually wanted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	// The entry is removed so a later Start does not stack a second job
	// on the same schedule.
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.cron.Stop()
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stopCh)
		s.ticker = nil
	}
	s.running = false
	log.Println("scheduler: stopped")
}

// Running reports whether the schedule is armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, ticker *time.Ticker, stopCh chan struct{}) {
	for {
		select {
		case <-ticker.C:
			// Ticks must keep draining while a run is in flight, so a
			// collision hits the single-flight guard and is skipped
			// instead of queuing behind the slow run.
			go s.tick(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	run, err := s.runner.Run(ctx, models.TriggerScheduled)
	if errors.Is(err, storage.ErrAlreadyRunning) {
		log.Println("scheduler: tick skipped, a run is already in progress")
		return
	}
	if err != nil {
		log.Printf("scheduler: run failed to start: %v", err)
		return
	}
	log.Printf("scheduler: run %d finished %s", run.ID, run.Status)
}
