// Package app wires the services together: config, logging, sessions,
// the task store and the two workers, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"leafbot/internal/alert"
	"leafbot/internal/capability"
	telegram "leafbot/internal/capability/telegram"
	"leafbot/internal/config"
	"leafbot/internal/eventbus"
	"leafbot/internal/model"
	"leafbot/internal/reply"
	"leafbot/internal/runtime/supervisor"
	"leafbot/internal/scheduler"
	"leafbot/internal/storage"
	"leafbot/internal/store"
	logx "leafbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	registry *capability.Registry
	tasks    *store.Store
	history  storage.Store

	sched  *scheduler.Worker
	replyW *reply.Worker
	alerts *alert.Service
	modelC model.Client
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.ToLogx())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Sessions: one registered factory per configured account; dialing
	// is lazy, the first Acquire connects.
	accounts, err := mapAccountConfigs(cfg)
	if err != nil {
		return nil, err
	}
	registry := capability.NewRegistry(log.With(logx.String("comp", "sessions")))
	factory := telegram.NewFactory(accounts, log)
	for name := range accounts {
		registry.Register(name, factory)
	}

	// Task store, loaded from disk up front so a corrupt file fails the
	// boot instead of the first save.
	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	tasks := store.New(storeCfg, log)
	if cfg.Scheduler.Enabled {
		if err := tasks.Load(); err != nil {
			return nil, fmt.Errorf("load tasks: %w", err)
		}
	}

	// Send history (optional).
	var history storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		history = st
		log.Info("send history enabled", logx.String("driver", sc.Driver))
	}

	modelCfg, err := mapModelConfig(cfg)
	if err != nil {
		return nil, err
	}
	modelC := model.New(modelCfg, log.With(logx.String("comp", "model")))

	alertCfg, err := mapAlertConfig(cfg)
	if err != nil {
		return nil, err
	}
	alerts := alert.New(alertCfg, log)
	alerts.AttachBus(bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Tasks:    tasks,
		Provider: registry,
		Alerts:   alerts,
		Bus:      bus,
		History:  history,
		Log:      log,
	})

	replyCfg, err := mapReplyConfig(cfg)
	if err != nil {
		return nil, err
	}
	replyW := reply.New(replyCfg, reply.Deps{
		Provider: registry,
		Model:    modelC,
		Bus:      bus,
		History:  history,
		Log:      log,
	})

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		registry: registry,
		tasks:    tasks,
		history:  history,
		sched:    sched,
		replyW:   replyW,
		alerts:   alerts,
		modelC:   modelC,
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional hot reload: a config that fails structural or
	// mapping validation never reaches the subscribers.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		return validateMappings(cfg)
	})

	cfg := a.cfgm.Get()

	if cfg.Scheduler.Enabled {
		a.sup.Go("store.flush", func(c context.Context) error {
			return a.tasks.Run(c)
		})
		// The send loop goes idle when no task is pending; the restart
		// backoff doubles as the re-check interval for new tasks.
		a.sup.GoRestart("scheduler.run", func(c context.Context) error {
			return a.sched.Run(c)
		}, supervisor.WithRestartBackoff(2*time.Second, 15*time.Second))
	}

	if cfg.Reply.Enabled {
		a.sup.GoRestart("reply.run", func(c context.Context) error {
			return a.replyW.Run(c)
		}, supervisor.WithRestartBackoff(5*time.Second, time.Minute))
	}

	if cfg.Alerts.Enabled {
		a.sup.Go("alert.deliver", func(c context.Context) error {
			return a.alerts.Run(c)
		})
	}

	// Event tap for debugging; components publish, this just logs.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("accounts", len(cfg.Accounts)),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("reply", cfg.Reply.Enabled))
	return nil
}

// reloadLoop applies live-tunable sections of each committed config and
// warns when a change needs a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
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
			prev := lastApplied
			lastApplied = newCfg
			sections, attrs := config.SummarizeChange(prev, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}

			for _, section := range config.RequiresRestart(prev, newCfg) {
				a.log.Warn("config change needs a restart to take effect",
					logx.String("section", section))
			}

			a.logs.Apply(newCfg.Logging.ToLogx())

			if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
				a.log.Warn("invalid scheduler config, keeping previous", logx.Err(err))
			} else {
				a.sched.Apply(schedCfg)
			}
			if replyCfg, err := mapReplyConfig(newCfg); err != nil {
				a.log.Warn("invalid reply config, keeping previous", logx.Err(err))
			} else {
				a.replyW.Apply(replyCfg)
			}
			if alertCfg, err := mapAlertConfig(newCfg); err != nil {
				a.log.Warn("invalid alerts config, keeping previous", logx.Err(err))
			} else {
				a.alerts.Apply(alertCfg)
			}

			a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied})

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so the loops start unwinding.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached, continuing",
				logx.String("name", name),
				logx.Err(stepCtx.Err()))
		}
	}

	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store.flush", 2*time.Second, func(context.Context) error { return a.tasks.Flush() })
	step("sessions", 2*time.Second, func(context.Context) error { a.registry.Close(); return nil })
	step("history", time.Second, func(context.Context) error {
		if a.history != nil {
			return a.history.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
