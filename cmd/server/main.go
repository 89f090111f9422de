package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/config"
	"github.com/t77yq/agent-scheduler/internal/executor"
	"github.com/t77yq/agent-scheduler/internal/handler"
	"github.com/t77yq/agent-scheduler/internal/logger"
	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/monitor"
	"github.com/t77yq/agent-scheduler/internal/scheduler"
	"github.com/t77yq/agent-scheduler/internal/storage"
	"github.com/t77yq/agent-scheduler/internal/telemetry"
)

// taskCounterFunc adapts a function to monitor.TaskCounter
type taskCounterFunc func() (active, pending int)

func (f taskCounterFunc) TaskCounts() (active, pending int) {
	return f()
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []scheduler.Option

	// Storage
	var (
		sqlite    *storage.SQLiteStore
		retention *storage.RetentionJob
	)
	if cfg.Storage.Driver != config.DriverMemory {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0755); err != nil {
			logger.Fatal("Failed to create data directory", zap.Error(err))
		}
		sqlite, err = storage.OpenSQLite(logger, cfg.Storage.SQLitePath)
		if err != nil {
			logger.Fatal("Failed to open database", zap.Error(err))
		}
		defer sqlite.Close()
		opts = append(opts, scheduler.WithHistory(sqlite))

		retention = storage.NewRetentionJob(sqlite, cfg.Storage.HistoryRetention, cfg.Storage.CleanupSchedule, logger)
	}

	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		opts = append(opts, scheduler.WithRepository(sqlite))
	case config.DriverRedis:
		redisRepo, err := storage.NewRedisRepository(ctx, logger, cfg.Storage.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to task repository", zap.Error(err))
		}
		defer redisRepo.Close()
		opts = append(opts, scheduler.WithRepository(redisRepo))
	}

	// Telemetry
	var alertPublisher monitor.AlertPublisher
	if cfg.NATS.Enabled {
		nc := connectNATS(cfg.NATS, logger)
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}

		setupCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectTimeout)
		sink, err := telemetry.NewNATSSink(setupCtx, js, logger)
		cancel()
		if err != nil {
			logger.Fatal("Failed to create telemetry sink", zap.Error(err))
		}
		opts = append(opts,
			scheduler.WithVisualization(sink),
			scheduler.WithEventPublisher(sink))
		alertPublisher = sink
	} else {
		opts = append(opts, scheduler.WithVisualization(telemetry.NopSink{}))
		alertPublisher = telemetry.NopSink{}
	}

	alerts := monitor.NewAlertManager(logger, alertPublisher)
	if smtp := cfg.Actions.SMTP; smtp.Host != "" && len(smtp.AlertRecipients) > 0 {
		alerts.AddChannel("email", handler.NewEmailChannel(logger, smtp))
	}
	opts = append(opts, scheduler.WithEventPublisher(alerts))

	// Actions
	actions := handler.NewDefaultRegistry(cfg.Actions, sqliteDB(sqlite), logger)
	opts = append(opts, scheduler.WithWorkExecutor(actions))
	logger.Info("Registered actions", zap.Strings("actions", actions.Actions()))

	// Execution logs
	logManager, err := executor.NewLogManager(cfg.Executor, logger)
	if err != nil {
		logger.Fatal("Failed to create log manager", zap.Error(err))
	}
	logManager.Start(ctx)
	opts = append(opts, scheduler.WithExecutionLog(logManager))

	// Resource tracking and the scheduler reference each other
	var sched *scheduler.Scheduler
	tracker := monitor.NewResourceTracker(cfg.Resources, logger,
		monitor.WithTaskCounter(taskCounterFunc(func() (int, int) {
			return sched.TaskCounts()
		})),
		monitor.WithObserver(alerts))
	opts = append(opts, scheduler.WithResourceTracker(tracker))

	sched = scheduler.New(cfg.Scheduler, logger, opts...)
	if err := sched.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize scheduler", zap.Error(err))
	}
	if err := tracker.Start(ctx); err != nil {
		logger.Fatal("Failed to start resource tracker", zap.Error(err))
	}
	if retention != nil {
		if err := retention.Start(); err != nil {
			logger.Fatal("Failed to start history retention", zap.Error(err))
		}
	}

	logger.Info("Scheduler started",
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Int("max_concurrent_tasks", sched.Config().MaxConcurrentTasks))

	go reportStatus(ctx, sched, alerts, logger)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Scheduler shutdown incomplete", zap.Error(err))
	}
	tracker.Stop()
	if retention != nil {
		retention.Stop()
	}
	logManager.Stop()

	logger.Info("Server shutting down gracefully")
}

// sqliteDB returns the handle database_operation runs against, nil without
// SQLite storage
func sqliteDB(store *storage.SQLiteStore) *sql.DB {
	if store == nil {
		return nil
	}
	return store.DB()
}

// connectNATS connects with retries and exits the process when the broker
// stays unreachable
func connectNATS(cfg config.NATSConfig, logger *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc
}

// reportStatus periodically logs scheduler metrics, recent executions and
// active alerts
func reportStatus(ctx context.Context, sched *scheduler.Scheduler, alerts *monitor.AlertManager, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := sched.Metrics()
			logger.Info("Scheduler status",
				zap.Int("running", m.TasksByStatus[model.TaskStatusRunning]),
				zap.Int("pending", m.TasksByStatus[model.TaskStatusPending]),
				zap.Int("scheduled", m.TasksByStatus[model.TaskStatusScheduled]),
				zap.Int64("executions", m.TotalExecutions),
				zap.String("success_rate", fmt.Sprintf("%.1f%%", m.SuccessRate*100)),
				zap.Bool("paused", m.Paused))

			records, err := sched.History(ctx, model.HistoryFilter{}, 0, 5)
			if err != nil {
				logger.Debug("Failed to get task history", zap.Error(err))
			}
			for _, record := range records {
				logger.Debug("Recent task execution",
					zap.String("task_id", record.TaskID),
					zap.String("title", record.Title),
					zap.String("status", string(record.Status)),
					zap.Duration("duration", record.Duration))
			}

			if active := alerts.Alerts(true); len(active) > 0 {
				logger.Warn("Active alerts", zap.Int("count", len(active)))
			}
		}
	}
}
