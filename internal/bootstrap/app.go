package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reengagement-scheduler/internal/config"
	"reengagement-scheduler/internal/events"
	"reengagement-scheduler/internal/notify"
	"reengagement-scheduler/internal/queue"
	"reengagement-scheduler/internal/reengagement"
	"reengagement-scheduler/internal/store"
	"reengagement-scheduler/internal/worker"
)

// App is the wired set of components shared by the api and worker binaries.
type App struct {
	Config    config.Config
	Store     *store.Store
	Redis     *redis.Client
	Queue     *queue.RedisQueue
	Engine    *reengagement.Engine
	Scanner   *reengagement.Scanner
	Processor *worker.Processor
	Scheduler *worker.Scheduler
}

// New connects to Postgres and Redis, applies migrations and wires the engine.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	client := queue.NewClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		st.Close()
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	q := queue.NewRedisQueue(client, cfg)
	q.SetLogger(logger.Named("queue"))

	sender, err := notify.NewSender(ctx, cfg)
	if err != nil {
		st.Close()
		_ = client.Close()
		return nil, fmt.Errorf("init notification sender: %w", err)
	}
	var managers notify.ManagerDirectory
	if cfg.TrackManagers {
		managers = st
	}
	fanout := notify.NewFanOut(sender, st, managers, cfg.SupportEmail, logger.Named("notify"))

	deps := reengagement.Deps{
		Host:     st,
		Queue:    q,
		Notifier: fanout,
		Cache:    events.NewCompletionCache(client),
		Events:   events.NewPublisher(client, cfg.EventChannel),
	}
	opts := reengagement.Options{
		StaleGrace:                cfg.StaleGrace,
		ProcessVisibleCoursesOnly: cfg.ProcessVisibleCoursesOnly,
		IgnoreCategoryVisibility:  cfg.IgnoreCategoryVisibility,
	}
	engine := reengagement.NewEngine(deps, opts, logger.Named("engine"))
	scanner := reengagement.NewScanner(deps, opts, logger.Named("scanner"))

	processor := worker.NewProcessorWithID(cfg, q, logger.Named("worker"), WorkerID())
	processor.RegisterEngine(engine)

	return &App{
		Config:    cfg,
		Store:     st,
		Redis:     client,
		Queue:     q,
		Engine:    engine,
		Scanner:   scanner,
		Processor: processor,
		Scheduler: worker.NewScheduler(cfg.CronSchedule, scanner, processor, logger.Named("scheduler")),
	}, nil
}

// Close releases the database pool and Redis connection.
func (a *App) Close() {
	a.Store.Close()
	_ = a.Redis.Close()
}

// WorkerID identifies this process in lease bookkeeping and logs.
func WorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
