package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/pkgdepot/pkgdepot/internal/api"
	"github.com/pkgdepot/pkgdepot/internal/scheduler"
	"github.com/pkgdepot/pkgdepot/internal/search"
	"github.com/pkgdepot/pkgdepot/internal/stats"
	"github.com/pkgdepot/pkgdepot/internal/store"
	"github.com/pkgdepot/pkgdepot/internal/supervisor"
	"github.com/pkgdepot/pkgdepot/internal/task"
	"github.com/pkgdepot/pkgdepot/internal/updater"
	"github.com/pkgdepot/pkgdepot/pkg/blob"
	"github.com/pkgdepot/pkgdepot/pkg/config"
	"github.com/pkgdepot/pkgdepot/pkg/health"
	"github.com/pkgdepot/pkgdepot/pkg/kafka"
	"github.com/pkgdepot/pkgdepot/pkg/logger"
	"github.com/pkgdepot/pkgdepot/pkg/metrics"
	"github.com/pkgdepot/pkgdepot/pkg/postgres"
	pkgredis "github.com/pkgdepot/pkgdepot/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting indexer", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	catalog := store.NewCatalog(pg)
	if err := catalog.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure catalog schema", "error", err)
		os.Exit(1)
	}

	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, caching and manual triggers disabled", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	m := metrics.New()

	index := search.NewIndex(search.Options{
		TextBudget:      cfg.Index.TextBudget,
		RescoreInterval: cfg.Index.RescoreInterval,
		MaxQueryLength:  cfg.Index.MaxQueryLength,
		DefaultLimit:    cfg.Index.DefaultLimit,
		MaxLimit:        cfg.Index.MaxLimit,
	})

	blobStore, err := blob.NewFSStore(cfg.Snapshot.Dir)
	if err != nil {
		slog.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}
	checkpointer := search.NewCheckpointer(index, blobStore, cfg.Snapshot.Path)
	restored, err := checkpointer.Load(ctx)
	if err != nil {
		slog.Error("failed to restore snapshot", "error", err)
		os.Exit(1)
	}
	index.MarkReady()
	slog.Info("index ready", "restored_from_snapshot", restored, "documents", index.DocCount())

	sources := []task.Source{
		task.NewHeadSource(task.HeadSourceConfig{
			Name:     "head",
			Interval: cfg.Scheduler.HeadInterval,
			Window:   cfg.Scheduler.HeadWindow,
		}, catalog, nil),
		task.NewHistorySource(task.HistorySourceConfig{
			Name:     "history",
			Interval: cfg.Scheduler.HistoryPeriod,
		}, catalog, func(ctx context.Context, pkg, version string, retryFailed bool) (bool, error) {
			return catalog.VersionStale(ctx, pkg, version)
		}),
		task.NewPeriodicSource(task.PeriodicSourceConfig{
			Name:     "periodic",
			Interval: cfg.Scheduler.PeriodicEvery,
		}, catalog),
	}
	if redisClient != nil {
		sources = append(sources, task.NewManualSource(task.ManualSourceConfig{
			Name:    "manual",
			Channel: cfg.Redis.TriggerChannel,
		}, redisClient))
	}

	runner := updater.New(index, catalog, catalog, m)
	sched := scheduler.New(scheduler.Config{
		MaxConcurrent: int64(cfg.Scheduler.MaxConcurrent),
	}, runner, scheduler.NewTracker(), m, sources...)

	statsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.SchedulerStats)
	defer statsProducer.Close()
	jobsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.JobEvents)
	defer jobsProducer.Close()
	reporter := stats.NewReporter(stats.ReporterConfig{
		BatchSize: cfg.Scheduler.StatsFlushSize,
	}, jobsProducer, statsProducer, func() scheduler.Snapshot {
		inFlight, pending := sched.Load()
		return sched.Tracker().Take(inFlight, pending)
	})

	checker := health.NewChecker()
	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		if !index.IsReady() {
			return health.ComponentHealth{Status: health.StatusDown, Message: "index not ready"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d documents", index.DocCount())}
	})
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	aggregator := stats.NewAggregator()
	jobsConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.JobEvents, aggregator.Handle)

	searchHandler := api.NewSearchHandler(index, redisClient, cfg.Redis.CacheTTL, m)
	server := api.NewServer(cfg.Server, api.Deps{
		Search:         searchHandler,
		Checker:        checker,
		Metrics:        m,
		Redis:          redisClient,
		TriggerChannel: cfg.Redis.TriggerChannel,
		Packages:       catalog,
		Stats:          aggregator.Handler(),
	})

	schedule := cron.New()
	if _, err := schedule.AddFunc(fmt.Sprintf("@every %s", cfg.Snapshot.Interval), func() {
		if err := checkpointer.Save(ctx); err != nil {
			slog.Error("snapshot checkpoint failed", "error", err)
			m.SnapshotWritesTotal.WithLabelValues("error").Inc()
			return
		}
		m.SnapshotWritesTotal.WithLabelValues("ok").Inc()
	}); err != nil {
		slog.Error("failed to schedule snapshot checkpoints", "error", err)
		os.Exit(1)
	}
	schedule.Start()
	defer schedule.Stop()

	sup := supervisor.New()
	sup.Add("scheduler", sched.Run)
	sup.Add("stats-reporter", reporter.Run)
	sup.Add("job-events-consumer", jobsConsumer.Start)
	sup.Add("api-server", server.Run)

	if err := sup.Run(ctx); err != nil {
		slog.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}

	// Final checkpoint so a clean restart resumes warm.
	saveCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := checkpointer.Save(saveCtx); err != nil {
		slog.Error("final snapshot checkpoint failed", "error", err)
	}
	slog.Info("indexer stopped")
}
