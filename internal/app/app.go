package app

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"duewatch/internal/config"
	"duewatch/internal/engine"
	"duewatch/internal/eventbus"
	"duewatch/internal/jobqueue"
	"duewatch/internal/notifier"
	"duewatch/internal/storage"
	logx "duewatch/pkg/logx"
)

// App wires the engine, its persistence and the delivery pipeline into one
// runnable unit: SQLite store, delayed-job queue, email notifier, the cron
// entries driving the periodic sweeps, and hot config reload.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store *storage.Store
	queue *jobqueue.Queue
	notif *notifier.Service

	sched *engine.ReminderScheduler
	disp  *engine.Dispatcher
	coord *engine.Coordinator

	cron *cron.Cron

	// Overlap guards: a sweep still running skips the next tick.
	itemSweepRunning    atomic.Bool
	projectSweepRunning atomic.Bool

	projectWindowDays int
	remindersEnabled  atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	notifCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	notifSvc := notifier.New(notifCfg, notifier.NewSMTPSender(notifCfg.SMTP),
		log.With(logx.String("comp", "notifier")), bus)

	queueCfg, err := mapQueueConfig(cfg)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	queue := jobqueue.New(queueCfg, store, log.With(logx.String("comp", "jobqueue")), bus)

	clock := engine.NewClock()
	sched := engine.NewReminderScheduler(queue, clock, log.With(logx.String("comp", "reminders")), bus)

	dedupWindow, err := config.ParseDurationOrDefault("sweep.dedup_window", cfg.Sweep.DedupWindow, engine.DefaultDedupWindow)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	dedup := engine.NewDeduplicator(store, clock, dedupWindow)

	disp := engine.NewDispatcher(store, store, store, dedup, notifSvc, clock,
		log.With(logx.String("comp", "dispatch")), bus)
	queue.SetHandler(func(ctx context.Context, job jobqueue.Job) error {
		return disp.HandleRaw(ctx, job.Payload)
	})
	// When the queue cannot accept a submission the reminder is raised
	// immediately instead of being lost.
	sched.SetFallback(disp.Dispatch)

	coord := engine.NewCoordinator(engine.CoordinatorOptions{
		Items:      store,
		Recipients: store,
		Notes:      store,
		Dedup:      dedup,
		Scheduler:  sched,
		Gateway:    notifSvc,
		Clock:      clock,
		Log:        log.With(logx.String("comp", "sweep")),
		Bus:        bus,
		RetryMax:   cfg.Sweep.RetryMax,
	})

	a := &App{
		cfgPath:           cfgPath,
		cfgm:              cfgm,
		log:               log,
		logs:              logSvc,
		bus:               bus,
		store:             store,
		queue:             queue,
		notif:             notifSvc,
		sched:             sched,
		disp:              disp,
		coord:             coord,
		projectWindowDays: projectWindowDays(cfg),
	}
	a.remindersEnabled.Store(cfg.RemindersEnabled())
	return a, nil
}

// Coordinator exposes the sweep and evaluation facade.
func (a *App) Coordinator() *engine.Coordinator { return a.coord }

// Store exposes the persistence layer.
func (a *App) Store() *storage.Store { return a.store }

func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.runCancel = context.WithCancel(ctx)
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := mapNotifierConfig(c); err != nil {
			return err
		}
		_, err := mapQueueConfig(c)
		return err
	})

	if a.notif.Enabled() {
		a.notif.Start(a.runCtx)
	}
	if err := a.queue.Start(a.runCtx); err != nil {
		return err
	}

	if cfg.Sweep.Enabled {
		if err := a.startSweeps(cfg); err != nil {
			return err
		}
	} else {
		a.log.Info("sweeps disabled via config")
	}

	a.wg.Add(1)
	go a.reloadLoop(a.runCtx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(a.runCtx); err != nil && a.runCtx.Err() == nil {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) startSweeps(cfg *config.Config) error {
	itemEvery, err := config.ParseDurationOrDefault("sweep.item_interval", cfg.Sweep.ItemInterval, 30*time.Minute)
	if err != nil {
		return err
	}
	projectEvery, err := config.ParseDurationOrDefault("sweep.project_interval", cfg.Sweep.ProjectInterval, 5*time.Minute)
	if err != nil {
		return err
	}

	a.cron = cron.New()
	_, err = a.cron.AddFunc("@every "+itemEvery.String(), func() {
		if !a.itemSweepRunning.CompareAndSwap(false, true) {
			a.log.Debug("item sweep skipped (previous run still running)")
			return
		}
		defer a.itemSweepRunning.Store(false)
		if _, err := a.coord.SweepAll(a.runCtx); err != nil && a.runCtx.Err() == nil {
			a.log.Warn("item sweep failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	_, err = a.cron.AddFunc("@every "+projectEvery.String(), func() {
		if !a.remindersEnabled.Load() {
			return
		}
		if !a.projectSweepRunning.CompareAndSwap(false, true) {
			a.log.Debug("project sweep skipped (previous run still running)")
			return
		}
		defer a.projectSweepRunning.Store(false)
		if _, err := a.coord.SweepProjects(a.runCtx, a.projectWindowDays); err != nil && a.runCtx.Err() == nil {
			a.log.Warn("project sweep failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	a.cron.Start()
	a.log.Info("sweeps scheduled",
		logx.Duration("item_interval", itemEvery),
		logx.Duration("project_interval", projectEvery),
		logx.Int("project_window_days", a.projectWindowDays))
	return nil
}

// reloadLoop applies hot config changes: logging and notifier tunables take
// effect live, structural sections require a restart and are only warned
// about.
func (a *App) reloadLoop(ctx context.Context) {
	defer a.wg.Done()

	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			changed, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			for _, section := range changed {
				if section == "storage" || section == "queue" || section == "sweep" {
					a.log.Warn("config section changed; restart required to take effect",
						logx.String("section", section))
				}
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			prevNotifEnabled := a.notif.Enabled()
			if ncfg, err := mapNotifierConfig(newCfg); err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
			} else {
				a.notif.Apply(ncfg)
				switch {
				case prevNotifEnabled && !ncfg.Enabled:
					a.log.Info("notifier disabled via config")
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.notif.Stop(stopCtx)
					cancel()
				case !prevNotifEnabled && ncfg.Enabled:
					a.log.Info("notifier enabled via config")
					a.notif.Start(ctx)
				}
			}

			a.remindersEnabled.Store(newCfg.RemindersEnabled())

			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cron != nil {
		stopped := a.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if a.runCancel != nil {
		a.runCancel()
	}
	a.queue.Stop()
	a.notif.Stop(ctx)
	a.wg.Wait()
	err := a.store.Close()
	a.log.Info("stopped")
	a.logs.Close()
	return err
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: false}, nil
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SMTP: notifier.SMTPConfig{
			Host:     n.SMTP.Host,
			Port:     n.SMTP.Port,
			From:     n.SMTP.From,
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
		},
	}, nil
}

func mapQueueConfig(cfg *config.Config) (jobqueue.Config, error) {
	timeout, err := config.ParseDurationOrDefault("queue.default_timeout", cfg.Queue.DefaultTimeout, 30*time.Second)
	if err != nil {
		return jobqueue.Config{}, err
	}
	retryMax := cfg.Queue.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return jobqueue.Config{
		Workers:        cfg.Queue.Workers,
		QueueSize:      cfg.Queue.QueueSize,
		DefaultTimeout: timeout,
		RetryMax:       retryMax,
	}, nil
}

func projectWindowDays(cfg *config.Config) int {
	if cfg.Sweep.ProjectWindowDays > 0 {
		return cfg.Sweep.ProjectWindowDays
	}
	return 7
}
