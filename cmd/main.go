package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/omrdash/upload-agent/internal/batches"
	"github.com/omrdash/upload-agent/internal/config"
	"github.com/omrdash/upload-agent/internal/httpapi"
	"github.com/omrdash/upload-agent/internal/persistence"
	"github.com/omrdash/upload-agent/internal/queue"
	"github.com/omrdash/upload-agent/internal/stream"
	"github.com/omrdash/upload-agent/internal/upload"
	"github.com/omrdash/upload-agent/pkg/icron"
	"github.com/omrdash/upload-agent/pkg/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.Logging.Level))

	sqlStore, err := persistence.NewSQLiteStore(cfg.Queue.DBPath)
	if err != nil {
		log.Fatal("Failed to open queue database: %v", err)
	}
	defer sqlStore.Close()

	token := func() string { return cfg.API.Token }

	store := queue.NewStore(sqlStore)
	uploader := upload.NewUploader(cfg.API.BaseURL, token,
		upload.WithConcurrency(cfg.Upload.ChunkConcurrency),
		upload.WithSizeLimit(cfg.Upload.MaxUploadBytes),
	)
	batchClient := batches.NewClient(cfg.API.BaseURL, batches.TokenSource(token))
	streamClient := stream.NewClient(cfg.API.BaseURL, stream.TokenSource(token))

	processor := queue.NewProcessor(
		store,
		uploader,
		batchClient,
		time.Duration(cfg.Queue.PollSeconds)*time.Second,
		time.Duration(cfg.Queue.CooldownSeconds)*time.Second,
		queue.WithProgressStreams(streamClient),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go processor.Run(ctx)

	scheduler := cron.New()
	if cfg.Queue.CleanupCron != "" {
		if _, err := scheduler.AddFunc(cfg.Queue.CleanupCron, func() {
			removed := store.ClearCompleted()
			log.Info("Cleanup removed %d terminal jobs", removed)
		}); err != nil {
			log.Fatal("Invalid CLEANUP_CRON expression %q: %v", cfg.Queue.CleanupCron, err)
		}
		if trigger, err := icron.NextTrigger(cfg.Queue.CleanupCron, time.Now()); err == nil {
			log.Info("Queue cleanup scheduled, next run %s (in %s)", trigger.Next.Format(time.RFC3339), trigger.TimeUntilNext)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := httpapi.NewServer(store, httpapi.WithAborter(processor))

	go func() {
		log.Info("Control API listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Control API failed: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Control API shutdown: %v", err)
	}
}
