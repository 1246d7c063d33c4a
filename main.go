package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dyrt_scraper/config"
	"dyrt_scraper/httputil"
	"dyrt_scraper/logging"
	"dyrt_scraper/models"
	"dyrt_scraper/scheduler"
	"dyrt_scraper/scraper"
	"dyrt_scraper/services"
	"dyrt_scraper/storage"
	"dyrt_scraper/workers"
)

var (
	scrapeNow = flag.Bool("scrape", false, "Run one ingestion run and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.LogFile)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting dyrt_scraper...")
	log.Printf("Source: %s%s (page size %d, bbox %s)",
		cfg.Source.BaseURL, cfg.Source.APIPath, cfg.Source.PageSize, cfg.Source.Bounds.BBox())

	ctx := context.Background()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer cleanup()

	clients := httputil.NewClients(cfg.Source.HTTPTimeout)
	client := scraper.NewClient(cfg.Source, clients.Source)
	coordinator := scraper.NewCoordinator(client, store)

	if *scrapeNow {
		run, err := coordinator.Run(ctx, models.TriggerManual)
		if err != nil {
			log.Fatalf("Run failed to start: %v", err)
		}
		log.Printf("Run %d finished %s: %d seen, %d upserted, %d failed",
			run.ID, run.Status, run.RecordsSeen, run.RecordsUpserted, run.RecordsFailed)
		return
	}

	// Daemon mode
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(cfg.Scheduler, coordinator)
	runService := services.NewRunService(store, coordinator, sched)
	if err := runService.StartScheduler(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	var uploader workers.Uploader
	if cfg.S3.Enabled() {
		s3up, err := storage.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			log.Fatalf("Failed to build S3 uploader: %v", err)
		}
		uploader = s3up
		log.Printf("Photo archiving to bucket %s", cfg.S3.Bucket)
	}

	photoWorker := workers.NewPhotoWorker(store, uploader, clients.Media)
	go photoWorker.Run(ctx, 20, 2*time.Minute)

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	runService.StopScheduler()
	runService.CancelRun()
	cancel()
	log.Println("Goodbye!")
}

// openStore prefers Postgres when DATABASE_URL is set, migrating on boot,
// and falls back to the local SQLite file otherwise.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		if err := storage.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
		return pg, pg.Close, nil
	}

	lite, err := storage.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("SQLite database: %s", cfg.SQLitePath)
	return lite, func() { lite.Close() }, nil
}

// maskConnectionString masks the password in a connection string before it
// hits the logs.
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
