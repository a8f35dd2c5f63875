// Package app wires configuration, storage, transport, the job queue and the
// task pipeline into one runnable unit.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"telecast/internal/analytics"
	"telecast/internal/config"
	"telecast/internal/dispatch"
	"telecast/internal/expiry"
	"telecast/internal/queue"
	"telecast/internal/resolver"
	"telecast/internal/store"
	"telecast/internal/taskproc"
	"telecast/internal/transport/telegram"
	logx "telecast/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store store.Store
	tg    *telegram.Client

	rdb      *redis.Client
	redisQ   *queue.Redis
	timer    *queue.Timer
	sched    queue.Scheduler
	proc     *taskproc.Processor
	metrics  *analytics.Service
	expPoll  *expiry.Poller
	watchCtx context.CancelFunc
}

// New builds the full application from a config file. Nothing is running yet;
// call Start.
func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))
	cfgMgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	a := &App{cfgMgr: cfgMgr, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = a.Stop(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	a.store = st

	httpTimeout, err := config.ParseDurationField("telegram.http_timeout", cfg.Telegram.HTTPTimeout)
	if err != nil {
		return err
	}
	tg, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		StatsURL:    cfg.Telegram.StatsURL,
		HTTPTimeout: httpTimeout,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("creating telegram client: %w", err)
	}
	a.tg = tg

	mux := queue.NewMux()
	a.timer = queue.NewTimer(mux, a.log.With(logx.String("comp", "queue.timer")))

	var primary queue.Scheduler
	if cfg.Queue.Redis.Enabled {
		pollInterval, err := config.ParseDurationField("queue.redis.poll_interval", cfg.Queue.Redis.PollInterval)
		if err != nil {
			return err
		}
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		rq := queue.NewRedis(a.rdb, mux, queue.RedisConfig{
			AnalyticsWorkers:    cfg.Queue.Redis.AnalyticsWorkers,
			AnalyticsRatePerSec: cfg.Queue.Redis.AnalyticsRatePerSec,
			PollInterval:        pollInterval,
		}, a.log.With(logx.String("comp", "queue.redis")))

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = rq.Ping(pingCtx)
		cancel()
		if err != nil {
			a.log.Warn("redis unreachable, falling back to in-process timers", logx.Err(err))
		} else {
			a.redisQ = rq
			primary = rq
		}
	}
	a.sched = queue.NewChain(primary, a.timer, a.log.With(logx.String("comp", "queue")))

	sendInterval, err := config.ParseDurationOrDefault("dispatch.send_interval", cfg.Dispatch.SendInterval, dispatch.DefaultSendInterval)
	if err != nil {
		return err
	}
	disp := dispatch.New(tg, sendInterval, a.log.With(logx.String("comp", "dispatch")))

	trackDelay, err := config.ParseDurationOrDefault("tracking.initial_delay", cfg.Tracking.InitialDelay, taskproc.DefaultTrackDelay)
	if err != nil {
		return err
	}
	a.proc = taskproc.New(st, resolver.New(st), disp, tg, a.sched,
		taskproc.Config{TrackDelay: trackDelay},
		a.log.With(logx.String("comp", "taskproc")))

	window, err := config.ParseDurationOrDefault("tracking.window", cfg.Tracking.Window, analytics.DefaultWindow)
	if err != nil {
		return err
	}
	repoll, err := config.ParseDurationOrDefault("tracking.repoll_interval", cfg.Tracking.RepollInterval, analytics.DefaultRepollInterval)
	if err != nil {
		return err
	}
	a.metrics = analytics.New(st, tg, a.sched,
		analytics.Config{Window: window, RepollInterval: repoll},
		a.log.With(logx.String("comp", "analytics")))

	expHandler := expiry.NewHandler(st, tg, a.log.With(logx.String("comp", "expiry")))
	a.expPoll = expiry.NewPoller(expHandler, a.log.With(logx.String("comp", "expiry.poller")))

	mux.Handle(queue.KindDispatch, a.proc.HandleDispatch)
	mux.Handle(queue.KindExpire, expHandler.HandleExpire)
	mux.Handle(queue.KindTrackMetrics, a.metrics.HandleTrack)
	return nil
}

// Start launches the queue workers, the expiry poller and the config watcher.
func (a *App) Start(ctx context.Context) error {
	if a.redisQ != nil {
		a.redisQ.Start(ctx)
	}
	if err := a.expPoll.Start(ctx); err != nil {
		return err
	}
	// Catch tasks that went overdue while the process was down.
	a.expPoll.Sweep(ctx)

	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCtx = cancel
	go func() { _ = a.cfgMgr.Watch(watchCtx) }()
	go a.followConfig(watchCtx)

	a.log.Info("telecast started")
	return nil
}

// followConfig applies reloadable settings. Only logging is hot-swappable;
// everything else needs a restart.
func (a *App) followConfig(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging settings reapplied")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCtx != nil {
		a.watchCtx()
	}
	if a.expPoll != nil {
		a.expPoll.Stop()
	}
	if a.redisQ != nil {
		a.redisQ.Stop(ctx)
	}
	if a.timer != nil {
		a.timer.Stop(ctx)
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.log.IsZero() {
		return nil
	}
	a.log.Info("telecast stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return nil
}

// Processor exposes the task pipeline for callers embedding the app.
func (a *App) Processor() *taskproc.Processor { return a.proc }

// Analytics exposes metrics resync and export.
func (a *App) Analytics() *analytics.Service { return a.metrics }

// Store exposes persistence for folder and entity management.
func (a *App) Store() store.Store { return a.store }
