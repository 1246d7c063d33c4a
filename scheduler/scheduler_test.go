package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dyrt_scraper/config"
	"dyrt_scraper/models"
	"dyrt_scraper/storage"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) Run(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return &models.ScraperRun{ID: int64(r.calls.Load()), Trigger: trigger, Status: models.RunStatusSucceeded}, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestScheduler_FiresOnInterval(t *testing.T) {
	runner := &countingRunner{}
	s := New(config.SchedulerConfig{Interval: 10 * time.Millisecond}, runner)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return runner.calls.Load() >= 2 })
}

func TestScheduler_SkipsWhenRunInProgress(t *testing.T) {
	runner := &countingRunner{err: storage.ErrAlreadyRunning}
	s := New(config.SchedulerConfig{Interval: 5 * time.Millisecond}, runner)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	// The conflict is swallowed and the schedule keeps ticking.
	waitFor(t, time.Second, func() bool { return runner.calls.Load() >= 3 })
}

func TestScheduler_StopHaltsTicks(t *testing.T) {
	runner := &countingRunner{}
	s := New(config.SchedulerConfig{Interval: 5 * time.Millisecond}, runner)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return runner.calls.Load() >= 1 })

	s.Stop()
	if s.Running() {
		t.Fatal("scheduler still reports running after Stop")
	}

	after := runner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := runner.calls.Load(); got > after+1 {
		t.Fatalf("ticks continued after stop: %d -> %d", after, got)
	}
}

func TestScheduler_RestartDoesNotStackCronJobs(t *testing.T) {
	runner := &countingRunner{}
	s := New(config.SchedulerConfig{Cron: "@every 100ms"}, runner)

	for i := 0; i < 3; i++ {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		s.Stop()
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return runner.calls.Load() >= 1 })
	time.Sleep(30 * time.Millisecond)
	if got := runner.calls.Load(); got > 1 {
		t.Fatalf("one tick fired %d runs after restarts", got)
	}
}

// slowRunner holds each run for a fixed duration and answers a
// colliding call with the single-flight rejection.
type slowRunner struct {
	duration time.Duration

	mu     sync.Mutex
	active bool
	skips  atomic.Int32
}

func (r *slowRunner) Run(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error) {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		r.skips.Add(1)
		return nil, storage.ErrAlreadyRunning
	}
	r.active = true
	r.mu.Unlock()

	time.Sleep(r.duration)

	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	return &models.ScraperRun{ID: 1, Trigger: trigger, Status: models.RunStatusSucceeded}, nil
}

func TestScheduler_TickDuringRunIsSkippedNotQueued(t *testing.T) {
	runner := &slowRunner{duration: 120 * time.Millisecond}
	s := New(config.SchedulerConfig{Interval: 30 * time.Millisecond}, runner)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	// A tick landing mid-run must reach the runner immediately and be
	// rejected, not sit buffered until the run returns.
	waitFor(t, time.Second, func() bool { return runner.skips.Load() >= 1 })
}

func TestScheduler_InvalidCron(t *testing.T) {
	s := New(config.SchedulerConfig{Cron: "not a cron"}, &countingRunner{})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected invalid cron expression to fail")
	}
}

func TestScheduler_NoScheduleConfigured(t *testing.T) {
	s := New(config.SchedulerConfig{}, &countingRunner{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if s.Running() {
		t.Fatal("nothing to arm, scheduler must stay idle")
	}
	s.Stop()
}
