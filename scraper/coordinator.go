package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"dyrt_scraper/models"
	"dyrt_scraper/storage"
)

// Source is what the coordinator needs from the listing client.
type Source interface {
	Bootstrap(ctx context.Context) error
	Pages(ctx context.Context, fn func(page int, listings []models.RawListing) error) error
}

var errStopRequested = errors.New("stop requested")

// defaultStorageTimeout bounds individual database writes so a hung
// connection cannot strand a run in the running state.
const defaultStorageTimeout = 30 * time.Second

// Coordinator drives one ingestion run at a time: fetch pages, normalize,
// upsert, keep counts, finalize the run row. Mutual exclusion between
// triggers lives in the store (the single `running` row), so it holds even
// across processes; the local state here only backs Cancel and Busy.
type Coordinator struct {
	source Source
	store  storage.Store

	storageTimeout time.Duration

	mu       sync.Mutex
	busy     bool
	stopFlag atomic.Bool
	done     chan struct{}
}

func NewCoordinator(source Source, store storage.Store) *Coordinator {
	return &Coordinator{source: source, store: store, storageTimeout: defaultStorageTimeout}
}

// Busy reports whether this process has a run in flight.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Run executes a full ingestion run synchronously and returns the
// finalized run record. storage.ErrAlreadyRunning comes back verbatim
// when another run holds the running state.
func (c *Coordinator) Run(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error) {
	run, done, err := c.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	c.execute(ctx, run, done)
	return run, nil
}

// Start reserves the run row synchronously, so a conflicting run is
// reported to the caller, then executes on its own goroutine. The
// returned run is still in the running state; poll it by id.
func (c *Coordinator) Start(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error) {
	run, done, err := c.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	go c.execute(context.WithoutCancel(ctx), run, done)
	return run, nil
}

// begin creates the run row and claims the local busy slot. CreateRun is
// the real arbiter; the storage unique index rejects a second running row
// no matter which process asks.
func (c *Coordinator) begin(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, chan struct{}, error) {
	createCtx, cancel := context.WithTimeout(ctx, c.storageTimeout)
	run, err := c.store.CreateRun(createCtx, trigger)
	cancel()
	if err != nil {
		return nil, nil, err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.busy = true
	c.stopFlag.Store(false)
	c.done = done
	c.mu.Unlock()

	log.Printf("run %d: started (%s)", run.ID, trigger)
	return run, done, nil
}

func (c *Coordinator) execute(ctx context.Context, run *models.ScraperRun, done chan struct{}) {
	// Each run closes the channel it was given. A successor that began
	// while this run was finalizing owns c.done by now, so the local
	// state is left alone in that case.
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.busy = false
		}
		c.mu.Unlock()
		close(done)
	}()

	if err := c.source.Bootstrap(ctx); err != nil {
		log.Printf("run %d: bootstrap failed, continuing without session: %v", run.ID, err)
	}

	walkErr := c.source.Pages(ctx, func(page int, listings []models.RawListing) error {
		for i := range listings {
			run.RecordsSeen++
			if err := c.ingest(ctx, run, &listings[i]); err != nil {
				return err
			}
		}
		log.Printf("run %d: page %d done (%d seen, %d upserted, %d failed)",
			run.ID, page, run.RecordsSeen, run.RecordsUpserted, run.RecordsFailed)

		// Cancellation lands between pages: the page just processed is
		// kept, the next fetch never starts.
		if c.stopFlag.Load() {
			return errStopRequested
		}
		return nil
	})

	c.finalize(ctx, run, walkErr)
}

// Cancel asks the in-flight run to stop after the page it is processing.
// It blocks until the run is finalized. No-op when nothing is running.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if !c.busy {
		c.mu.Unlock()
		return
	}
	done := c.done
	c.stopFlag.Store(true)
	c.mu.Unlock()
	<-done
}

// ingest processes one raw listing. Per-record faults are counted and
// swallowed; only a storage outage propagates and aborts the run.
func (c *Coordinator) ingest(ctx context.Context, run *models.ScraperRun, raw *models.RawListing) error {
	entity, err := Normalize(raw)
	if err != nil {
		run.RecordsFailed++
		log.Printf("run %d: %v", run.ID, err)
		return nil
	}

	upCtx, cancel := context.WithTimeout(ctx, c.storageTimeout)
	res, err := c.store.UpsertCampground(upCtx, entity)
	cancel()
	if err != nil {
		// A write that outlives its deadline is an outage, not a bad
		// record.
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: upsert timed out after %s", storage.ErrUnavailable, c.storageTimeout)
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return err
		}
		run.RecordsFailed++
		log.Printf("run %d: %v", run.ID, err)
		return nil
	}

	run.RecordsUpserted++
	if res == storage.UpsertInserted {
		log.Printf("run %d: new campground %s (%s)", run.ID, entity.Campground.Name, entity.Campground.ExternalID)
	}
	return nil
}

// finalize maps the walk outcome onto a terminal status and persists it.
// A clean walk is succeeded, or partial when records were skipped. An
// aborted walk is failed, except a cancel that already upserted rows,
// which keeps its progress as partial.
func (c *Coordinator) finalize(ctx context.Context, run *models.ScraperRun, walkErr error) {
	now := time.Now().UTC()
	run.FinishedAt = &now

	switch {
	case walkErr == nil:
		if run.RecordsFailed > 0 {
			run.Status = models.RunStatusPartial
		} else {
			run.Status = models.RunStatusSucceeded
		}
	case errors.Is(walkErr, errStopRequested):
		if run.RecordsUpserted > 0 {
			run.Status = models.RunStatusPartial
		} else {
			run.Status = models.RunStatusFailed
		}
		summary := "canceled before completion"
		run.ErrorSummary = &summary
	default:
		run.Status = models.RunStatusFailed
		summary := walkErr.Error()
		run.ErrorSummary = &summary
	}

	// Finalization must not die with the caller's context.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := c.store.FinalizeRun(finCtx, run); err != nil {
		log.Printf("run %d: finalize: %v", run.ID, err)
		return
	}
	log.Printf("run %d: %s (%d seen, %d upserted, %d failed, %s)",
		run.ID, run.Status, run.RecordsSeen, run.RecordsUpserted, run.RecordsFailed,
		now.Sub(run.StartedAt).Round(time.Millisecond))
}
