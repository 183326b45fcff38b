package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"outreachd/config"
	"outreachd/engine"
	"outreachd/routes"
	"outreachd/utils"
	"outreachd/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	appmiddleware "outreachd/middleware"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if config.AppConfig.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	// Error reporting
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize sentry: %v", err)
		}
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Enrollment engine over the SMTP transport
	mailer := utils.NewSMTPMailer(logger)
	eng := engine.NewEngine(config.DB, mailer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background workers: step dispatcher and inbox sync
	sequenceWorker := worker.NewSequenceWorker(eng, logger,
		config.AppConfig.DispatchInterval,
		config.AppConfig.StallTimeout,
		config.AppConfig.WorkerConcurrency)
	go sequenceWorker.Start(ctx)

	inboxWorker := worker.NewInboxWorker(config.DB, eng, logger, config.AppConfig.InboxSyncInterval)
	go inboxWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New()
	app.Use(appmiddleware.CORS())

	routes.SetupRoutes(app, config.DB, eng, logger)

	// Stop workers cleanly on SIGINT/SIGTERM
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("Shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	logger.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
