package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/pagerbell/pagerbell/internal/config"
	"github.com/pagerbell/pagerbell/internal/database"
	"github.com/pagerbell/pagerbell/internal/escalation"
	"github.com/pagerbell/pagerbell/internal/handlers"
	"github.com/pagerbell/pagerbell/internal/jobs"
	"github.com/pagerbell/pagerbell/internal/notify"
	"github.com/pagerbell/pagerbell/internal/oncall"
	"github.com/pagerbell/pagerbell/internal/queue"
	"github.com/pagerbell/pagerbell/internal/registry"
	"github.com/pagerbell/pagerbell/internal/swap"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded, relying on environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	logg := log.Logger

	logg.Info().Msg("starting pagerbell escalation engine")

	// Database
	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		logg.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.AutoMigrate(db); err != nil {
		logg.Fatal().Err(err).Msg("failed to run database migrations")
	}
	logg.Info().Msg("database connection established")

	// Integration registry: static, loaded once
	reg, err := registry.Load(cfg.IntegrationRegistryPath)
	if err != nil {
		logg.Warn().Err(err).Str("path", cfg.IntegrationRegistryPath).Msg("integration registry not loaded, using built-in defaults")
		reg = registry.Default()
	}
	logg.Info().Strs("integrations", reg.Slugs()).Msg("integration registry loaded")

	// Redis: task queue lanes, named locks and reminder markers
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	taskQueue := queue.NewRedisQueue(redisClient, db, logg)
	locker := queue.NewRedisLocker(redisClient)

	// Notification delivery
	dispatcher := notify.NewSlackDispatcher(cfg.SlackBotToken, cfg.SlackAlertsChannel, logg)

	// Observers
	observers := escalation.NewObserverRegistry(logg)
	observers.Register(notify.NewSlackObserver(dispatcher, logg))

	// Schedule resolution and escalation engine
	resolver := oncall.NewResolver(db, logg)
	builder := escalation.NewBuilder(db, resolver, logg)
	executor := escalation.NewExecutor(db, taskQueue, dispatcher, observers, logg)
	executor.RegisterTasks()
	escalationService := escalation.NewService(db, builder, executor, observers, logg)

	swapService := swap.NewService(db, logg)
	reminderHandler := notify.NewSwapReminderHandler(db, dispatcher, logg)
	reminderHandler.Register(taskQueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Workers
	go taskQueue.Run(ctx, cfg.QueueWorkers)
	logg.Info().Int("workers", cfg.QueueWorkers).Msg("task queue workers started")

	// Periodic jobs, each guarded by a cluster-wide lock
	stop := make(chan struct{})
	watchdog := escalation.NewWatchdog(db, logg)
	go jobs.NewRunner(watchdog, time.Duration(cfg.WatchdogIntervalSeconds)*time.Second, locker, logg).Start(ctx, stop)

	refresh := oncall.NewRefreshJob(db, resolver, logg)
	go jobs.NewRunner(refresh, time.Duration(cfg.CalendarRefreshIntervalSeconds)*time.Second, locker, logg).Start(ctx, stop)

	reminders := swap.NewReminderJob(db, taskQueue, locker, logg)
	go jobs.NewRunner(reminders, time.Duration(cfg.SwapReminderIntervalSeconds)*time.Second, locker, logg).Start(ctx, stop)

	// HTTP surface
	server := handlers.NewServer(reg, escalationService, resolver, swapService, logg)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Mux()}
	go func() {
		logg.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal().Err(err).Msg("http server failed")
		}
	}()

	logg.Info().Msg("pagerbell started")

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logg.Info().Msg("shutting down")
	close(stop)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logg.Warn().Err(err).Msg("http server shutdown incomplete")
	}
}
