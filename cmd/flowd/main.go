package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nvela/flowd/internal/actions"
	"github.com/nvela/flowd/internal/ai"
	"github.com/nvela/flowd/internal/engine"
	"github.com/nvela/flowd/internal/logging"
	"github.com/nvela/flowd/internal/queue"
	"github.com/nvela/flowd/internal/store"
	"github.com/nvela/flowd/internal/trigger"
)

func main() {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("flowd exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence.
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("store ready", "db", cfg.DBPath)

	// Queue transport.
	q, err := queue.NewRedisQueue(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer q.Close()
	logger.Info("queue ready", "redis", cfg.RedisAddr)

	// Intent classifier.
	var classifier ai.Classifier
	if cfg.AnthropicAPIKey != "" {
		classifier = ai.NewAnthropicClassifier(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.AnthropicURL, logger)
	} else {
		logger.Warn("no anthropic api key configured, matches_intent conditions will fail")
		classifier = ai.Unavailable{}
	}

	// Actions.
	sender := &queue.QueuedSender{Queue: q}
	registry := actions.NewRegistry()
	for _, a := range []actions.Action{
		actions.NewEmailAction(sender),
		actions.NewWebhookAction(),
		actions.NewNotificationAction(st),
		actions.NewLogAction(logger),
	} {
		if err := registry.Register(a); err != nil {
			return err
		}
	}

	eng := engine.New(st, registry, classifier, logger)

	// Workers.
	execPool := queue.NewWorkerPool(q, queue.ExecutionQueue, engine.NewExecutionHandler(eng), cfg.Workers, logger)
	if err := execPool.Start(ctx); err != nil {
		return err
	}
	defer execPool.Stop()

	emailHandler := queue.NewEmailHandler(&queue.LogTransport{Logger: logger}, st, logger)
	emailPool := queue.NewWorkerPool(q, queue.EmailQueue, emailHandler, cfg.EmailWorkers, logger)
	if err := emailPool.Start(ctx); err != nil {
		return err
	}
	defer emailPool.Stop()

	// Triggers.
	triggers := trigger.NewHandler(st, q, logger)
	scheduler := trigger.NewScheduler(st, triggers, logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	// HTTP surface.
	srv := httpServer(cfg.ListenAddr, newServer(triggers, eng, logger).routes())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowd listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
