package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/codebuildervaibhav/scribber/internal/bootstrap"
	"github.com/codebuildervaibhav/scribber/internal/cleanup"
	"github.com/codebuildervaibhav/scribber/internal/config"
	"github.com/codebuildervaibhav/scribber/internal/events"
	"github.com/codebuildervaibhav/scribber/internal/export"
	"github.com/codebuildervaibhav/scribber/internal/handlers"
	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/metrics"
	"github.com/codebuildervaibhav/scribber/internal/pipeline"
	"github.com/codebuildervaibhav/scribber/internal/queue"
	"github.com/codebuildervaibhav/scribber/internal/status"
	"github.com/codebuildervaibhav/scribber/internal/storage"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}

	logBuffer := logging.NewBuffer(1000)
	logging.Init(cfg.Logging, logBuffer)
	m := metrics.DefaultMetrics

	log.Info().Msg("Initializing components...")

	db, err := storage.NewMetadataDB(cfg.Storage.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	blobs, err := storage.NewLocalStorage(cfg.Storage.OutputDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize local storage")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	registry, closers, err := bootstrap.BuildRegistry(ctx, cfg, &http.Client{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure providers")
	}
	defer bootstrap.CloseAll(closers)

	pool := queue.NewWorkerPool(cfg.Workers.Count, cfg.Workers.QueueSize, m)
	pool.Start()

	channel := status.NewChannel(db, cfg.Status.SubscriberBuffer, m)
	publisher := events.New(&events.Config{
		Enabled:   cfg.Kafka.Enabled,
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.Topic,
		Principal: cfg.Kafka.Principal,
		QueueSize: cfg.Kafka.QueueSize,
	}, m)
	channel.AddSink(publisher)
	publishCtx, stopPublishing := context.WithCancel(context.Background())
	go publisher.Run(publishCtx)

	executor := pipeline.NewExecutor(registry, blobs, map[types.StageKind]time.Duration{
		types.StageKindTranscription: cfg.Pipeline.TranscriptionTimeout,
		types.StageKindSummarization: cfg.Pipeline.SummarizationTimeout,
	}, m)
	dispatcher := pipeline.NewDispatcher(db, blobs, executor, registry, pool, channel, m)

	recovered, err := dispatcher.Recover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to recover interrupted jobs")
	} else if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("Marked interrupted jobs as failed")
	}

	exports := export.NewController(
		dispatcher,
		export.NewGoogleOAuth(cfg.GoogleDrive.ClientID, cfg.GoogleDrive.ClientSecret, oauth2.Endpoint{}),
		storage.NewDriveClient(cfg.GoogleDrive.FolderName, ""),
		pool,
		channel,
		export.Options{
			TokenTTL: cfg.GoogleDrive.TokenTTL,
			Timeout:  cfg.Pipeline.ExportTimeout,
			Mailer:   export.NewEmailSender(cfg.Email.SendGridAPIKey, cfg.Email.FromEmail, ""),
		},
		m,
	)

	scheduler := cleanup.NewScheduler(cfg.Cleanup.Interval)
	scheduler.Add("oauth_tokens", func() (int, error) {
		return exports.Tokens().Sweep(), nil
	})
	scheduler.Add("export_jobs", func() (int, error) {
		return exports.SweepJobs(cfg.Cleanup.ExportRetention), nil
	})
	scheduler.Add("temp_files", func() (int, error) {
		return blobs.CleanTemp(cfg.Cleanup.TempMaxAge)
	})
	scheduler.Start()

	// Route params and headers outlive the request in jobs and tokens.
	app := fiber.New(fiber.Config{
		BodyLimit:             int(cfg.MaxFileSize()) + 1<<20,
		DisableStartupMessage: true,
		Immutable:             true,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, " + handlers.OwnerHeader,
	}))

	handlers.Register(app, handlers.Deps{
		Pipeline:    dispatcher,
		Status:      channel,
		Exports:     exports,
		Registry:    registry,
		Usage:       db,
		Gatherer:    prometheus.DefaultGatherer,
		Logs:        logBuffer,
		MaxFileSize: cfg.MaxFileSize(),
		Stream: handlers.StreamConfig{
			KeepaliveInterval: cfg.Status.KeepaliveInterval,
			KeepaliveTimeout:  cfg.Status.KeepaliveTimeout,
			PollInterval:      cfg.Status.PollInterval,
		},
	})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info().Msg("Shutting down gracefully...")
		if err := app.Shutdown(); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown failed")
		}
	}()

	addr := cfg.Addr()
	log.Info().
		Str("addr", addr).
		Int("providers", len(registry.List())).
		Int("workers", cfg.Workers.Count).
		Msg("Server starting")

	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}

	shutdown(cfg.Pipeline.ShutdownTimeout, dispatcher, exports, pool, channel, scheduler)
	stopPublishing()
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := publisher.Close(flushCtx); err != nil {
		log.Warn().Err(err).Msg("Event publisher did not flush")
	}
	cancel()
	stop()
	log.Info().Msg("Server stopped")
}

// shutdown drains in dependency order: running jobs record their outcome
// before the pool stops, and the status channel closes after the last event.
func shutdown(timeout time.Duration, d *pipeline.Dispatcher, exports *export.Controller,
	pool *queue.WorkerPool, channel *status.Channel, scheduler *cleanup.Scheduler) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Stage jobs did not finish before the shutdown deadline")
	}
	if err := exports.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Exports did not finish before the shutdown deadline")
	}
	if err := pool.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Worker pool did not drain")
	}
	channel.Close()
	scheduler.Stop()
}
