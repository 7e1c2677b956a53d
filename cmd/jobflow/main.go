package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"jobflow/internal/api"
	"jobflow/internal/backoff"
	"jobflow/internal/config"
	"jobflow/internal/dispatch"
	"jobflow/internal/handlers/shell"
	"jobflow/internal/handlers/webhook"
	"jobflow/internal/queue"
	"jobflow/internal/ratelimit"
	"jobflow/internal/scheduler"
	"jobflow/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var (
		addr    = flag.String("addr", cfg.Addr, "HTTP bind address")
		dbPath  = flag.String("db", cfg.DBPath, "SQLite DB path")
		workers = flag.Int("workers", cfg.Workers, "number of concurrent handlers")
		poll    = flag.Duration("poll", cfg.PollEvery, "dispatcher poll interval")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}
	if err := ratelimit.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure usage schema")
	}

	store := queue.NewSQLiteStore(db, queue.Options{
		Backoff:           backoff.Exponential(cfg.BackoffBase, cfg.BackoffCap),
		LockTimeout:       cfg.LockTimeout,
		Retention:         cfg.Retention,
		DefaultMaxRetries: cfg.MaxRetries,
	})
	if n, err := store.RecoverStale(context.Background(), time.Now().UTC()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale processing jobs")
	}

	limiter := ratelimit.NewLimiter(ratelimit.NewSQLiteUsageStore(db), ratelimit.Config{
		Enabled: cfg.RateLimitEnabled,
		Limits: ratelimit.Limits{
			RequestsPerMinute: cfg.RequestsPerMinute,
			RequestsPerHour:   cfg.RequestsPerHour,
			RequestsPerDay:    cfg.RequestsPerDay,
			TokensPerMinute:   cfg.TokensPerMinute,
			TokensPerHour:     cfg.TokensPerHour,
			TokensPerDay:      cfg.TokensPerDay,
		},
		Priorities: map[string]ratelimit.Priority{
			"webhook": ratelimit.PriorityMedium,
			"shell":   ratelimit.PriorityHigh,
		},
	})

	registry := dispatch.NewRegistry()
	registry.Register("shell", shell.Shell{})
	registry.Register("webhook", webhook.Webhook{Limiter: limiter})

	ctx, cancel := context.WithCancel(context.Background())

	dispatcher := dispatch.New(store, registry, dispatch.Config{
		PollEvery:      *poll,
		MaxJobsPerTick: cfg.MaxJobsPerTick,
		Workers:        *workers,
		HandlerTimeout: cfg.HandlerTimeout,
	}, log.Logger)
	dispatcher.Notifier().Subscribe(func(ev dispatch.Event) {
		log.Info().Str("job_id", ev.JobID).Str("job_type", ev.JobType).
			Bool("failed", ev.Failed).Str("summary", ev.Summary).Msg("job finished")
	})
	go dispatcher.Run(ctx)

	sweeper := sweep.New(store, limiter, sweep.Config{
		StaleEvery:   cfg.StaleEvery,
		CleanupEvery: cfg.CleanupEvery,
		UsageHorizon: cfg.UsageHorizon,
	}, log.Logger)
	go sweeper.Run(ctx)

	sched := scheduler.NewService(store, cfg.ScheduleEvery)
	go sched.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(store, limiter)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
