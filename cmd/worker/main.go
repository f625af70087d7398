package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pkgdepot/pkgdepot/internal/ledger"
	"github.com/pkgdepot/pkgdepot/internal/stats"
	"github.com/pkgdepot/pkgdepot/internal/store"
	"github.com/pkgdepot/pkgdepot/internal/supervisor"
	"github.com/pkgdepot/pkgdepot/internal/task"
	"github.com/pkgdepot/pkgdepot/pkg/config"
	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
	"github.com/pkgdepot/pkgdepot/pkg/health"
	"github.com/pkgdepot/pkgdepot/pkg/kafka"
	"github.com/pkgdepot/pkgdepot/pkg/logger"
	"github.com/pkgdepot/pkgdepot/pkg/metrics"
	"github.com/pkgdepot/pkgdepot/pkg/postgres"
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
	slog.Info("starting worker", "service", cfg.Ledger.Service)

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
	ledgerStore := ledger.NewPGStore(pg, cfg.Ledger.TxAttempts)
	if err := ledgerStore.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure ledger schema", "error", err)
		os.Exit(1)
	}
	backend := ledger.NewBackend(ledgerStore)
	m := metrics.New()

	jobsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.JobEvents)
	defer jobsProducer.Close()
	reporter := stats.NewReporter(stats.ReporterConfig{
		BatchSize: cfg.Scheduler.StatsFlushSize,
	}, jobsProducer, nil, nil)

	service := cfg.Ledger.Service
	process := func(ctx context.Context, job *ledger.Job) (ledger.Status, error) {
		doc, err := catalog.LoadDocument(ctx, job.Key.Package)
		if errors.Is(err, pkgerrors.ErrPackageNotFound) {
			return ledger.StatusSkipped, nil
		}
		if err != nil {
			return ledger.StatusFailed, err
		}
		if err := catalog.MarkProcessed(ctx, job.Key.Package, job.Key.Version, time.Now()); err != nil {
			return ledger.StatusFailed, err
		}
		slog.Debug("version analyzed",
			"package", job.Key.Package,
			"version", job.Key.Version,
			"doc_version", doc.Version,
		)
		return ledger.StatusSuccess, nil
	}
	instrumented := func(ctx context.Context, job *ledger.Job) (ledger.Status, error) {
		m.JobsLockedTotal.WithLabelValues(service).Inc()
		status, err := process(ctx, job)
		m.JobCompletionsTotal.WithLabelValues(service, string(status)).Inc()
		return status, err
	}
	processor := ledger.NewProcessor(backend, ledger.ProcessorConfig{
		Service:      service,
		JobDeadline:  cfg.Ledger.JobDeadline,
		MaxIdleSleep: cfg.Ledger.MaxIdleSleep,
	}, instrumented, reporter)

	// Freshly published or re-touched catalog versions become ledger jobs.
	triggerMark := time.Now().Add(-cfg.Scheduler.HeadWindow)
	triggerScan := func() {
		records, err := catalog.ScanUpdatedSince(ctx, triggerMark)
		if err != nil {
			slog.Error("trigger scan failed", "error", err)
			return
		}
		for _, r := range records {
			key := ledger.Key{Service: service, Package: r.Package, Version: r.Version}
			opts := ledger.TriggerOptions{
				LatestStable:     r.LatestStable,
				LatestPrerelease: r.LatestPrerelease,
				LatestPreview:    r.LatestPreview,
			}
			if err := backend.Trigger(ctx, key, r.Updated, opts); err != nil {
				slog.Error("triggering job failed", "job", key, "error", err)
			}
		}
		triggerMark = time.Now().Add(-cfg.Scheduler.HeadWindow)
	}

	shouldProcess := func(job *ledger.Job) bool {
		// Versions no longer at the head of any release channel are not
		// worth periodic refreshes; an explicit trigger still reaches them.
		if !job.IsLatest() {
			return false
		}
		if job.CompletedAt == nil {
			return true
		}
		now := time.Now()
		return now.Sub(*job.CompletedAt) > task.RefreshThreshold(job.PackageVersionUpdated, now)
	}

	schedule := cron.New()
	mustSchedule(schedule, fmt.Sprintf("@every %s", cfg.Scheduler.HeadInterval), triggerScan)
	mustSchedule(schedule, "@every 10m", func() {
		freed, err := backend.UnlockStaleProcessing(ctx, service, cfg.Ledger.LockTimeout)
		if err != nil {
			slog.Error("stale lock sweep failed", "error", err)
			return
		}
		if freed > 0 {
			m.StaleLocksFreedTotal.Add(float64(freed))
		}
	})
	mustSchedule(schedule, fmt.Sprintf("@every %s", cfg.Scheduler.PeriodicEvery), func() {
		if _, err := backend.CheckIdle(ctx, service, shouldProcess); err != nil {
			slog.Error("idle check failed", "error", err)
		}
	})
	schedule.Start()
	defer schedule.Stop()

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", checker.LiveHandler())
		mux.HandleFunc("/readyz", checker.ReadyHandler())
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			slog.Info("metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	sup := supervisor.New()
	sup.Add("job-processor", processor.Run)
	sup.Add("stats-reporter", reporter.Run)
	if err := sup.Run(ctx); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func mustSchedule(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		slog.Error("failed to register schedule", "spec", spec, "error", err)
		os.Exit(1)
	}
}
