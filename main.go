package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-modbot/api"
	"github.com/brettboylen/reddit-modbot/db"
	"github.com/brettboylen/reddit-modbot/models"
	"github.com/brettboylen/reddit-modbot/moderator"
	"github.com/brettboylen/reddit-modbot/notify"
	"github.com/brettboylen/reddit-modbot/rules"
	"github.com/brettboylen/reddit-modbot/seed"
	"github.com/brettboylen/reddit-modbot/utils"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "debug", "Logging level (debug, info, warn, error)")
	seedPath := flag.String("seed", "", "Optional YAML file of subreddits and conditions to load before starting")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting Reddit Modbot")

	config, err := utils.LoadConfig(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	log.WithFields(logrus.Fields{
		"subreddits":       config.Reddit.Subreddits,
		"polling_interval": config.Reddit.PollingInterval,
		"server_port":      config.Server.Port,
		"dry_run":          config.Moderator.DryRun,
	}).Info("Configuration loaded")

	database, err := db.NewDatabase(config.Database.Path, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rulesOpts := rules.Options{CaseInsensitive: config.Rules.CaseInsensitive}

	if err := registerSubreddits(ctx, database, config.Reddit.Subreddits, log); err != nil {
		log.WithError(err).Fatal("Failed to register subreddits")
	}

	if *seedPath != "" {
		f, err := seed.Load(*seedPath)
		if err != nil {
			log.WithError(err).Fatal("Failed to read seed file")
		}
		if err := seed.Apply(ctx, database, f, rulesOpts, log); err != nil {
			log.WithError(err).Fatal("Failed to apply seed file")
		}
	}

	redditAPI := api.NewRedditAPI(
		api.Credentials{
			ClientID:     config.Reddit.ClientID,
			ClientSecret: config.Reddit.ClientSecret,
			Username:     config.Reddit.Username,
			Password:     config.Reddit.Password,
			UserAgent:    config.Reddit.UserAgent,
		},
		config.Reddit.MaxRequestsPerMinute,
		log,
	)

	var notifier notify.Notifier = notify.Nop{}
	if config.Notify.SlackWebhookURL != "" {
		notifier = notify.NewSlackNotifier(config.Notify.SlackWebhookURL)
	}

	registry := rules.NewRegistry()
	mod := moderator.NewModerator(
		redditAPI,
		database,
		notifier,
		registry,
		moderator.Options{
			PollingInterval: time.Duration(config.Reddit.PollingInterval) * time.Second,
			Concurrency:     config.Moderator.Concurrency,
			ItemLimit:       config.Moderator.ItemLimit,
			AuthorCacheSize: config.Moderator.AuthorCacheSize,
			AuthorCacheTTL:  config.Moderator.AuthorCacheTTL,
			DryRun:          config.Moderator.DryRun,
			Rules:           rulesOpts,
		},
		log,
	)

	srv := &server{
		moderator: mod,
		registry:  registry,
		store:     database,
		log:       log,
	}
	go startEchoServer(ctx, config.Server.Port, srv, log, config.Reddit.MaxRequestsPerMinute)

	go func() {
		if err := mod.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("Moderator stopped unexpectedly")
		}
	}()

	waitForShutdown(cancel, log)
}

// registerSubreddits enables the configured subreddits that are not in the database yet.
// Existing rows are left alone so a subreddit disabled there stays disabled.
func registerSubreddits(ctx context.Context, database *db.Database, names []string, log *logrus.Logger) error {
	for _, name := range names {
		_, err := database.GetSubreddit(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if err := database.CreateSubreddit(ctx, &models.Subreddit{Name: name, Enabled: true}); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
		log.WithField("subreddit", name).Info("Registered subreddit")
	}
	return nil
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// startEchoServer starts the Echo HTTP API server and shuts it down with ctx
func startEchoServer(ctx context.Context, port int, srv *server, log *logrus.Logger, maxRequestsPerMinute int) {
	e := srv.echo(maxRequestsPerMinute)

	go func() {
		serverAddr := fmt.Sprintf(":%d", port)
		log.WithField("port", port).Info("Starting API server")
		if err := e.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("API server shutdown failed")
	}
}

// waitForShutdown waits for a shutdown signal
func waitForShutdown(cancel context.CancelFunc, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	cancel()

	time.Sleep(1 * time.Second)
	log.Info("Reddit Modbot stopped")
}
