// Package app wires configuration, storage, the schedule engine, the
// materialization driver and the reminder pipeline into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workyard/internal/config"
	"workyard/internal/eventbus"
	"workyard/internal/notify"
	"workyard/internal/observability/pprof"
	rtsup "workyard/internal/runtime/supervisor"
	"workyard/internal/schedule"
	"workyard/internal/schedule/driver"
	"workyard/internal/storage"
	logx "workyard/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *schedule.Engine
	driver *driver.Service
	notif  *notify.Dispatcher
	pprof  *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
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

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		// Every pattern and item lives in the store; nothing works without it.
		return nil, fmt.Errorf("storage is required; set storage.driver (e.g. sqlite)")
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg,
		notify.NewLogTransport(log.With(logx.String("comp", "reminder"))),
		log.With(logx.String("comp", "notify")), bus, store)

	ecfg, err := mapScheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := schedule.New(ecfg, store, store, &reminderHook{notif: notif},
		log.With(logx.String("comp", "schedule")), bus)

	dcfg, err := mapDriverConfig(cfg)
	if err != nil {
		return nil, err
	}
	drv := driver.New(dcfg, store, engine, log.With(logx.String("comp", "driver")), bus)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engine,
		driver:  drv,
		notif:   notif,
		pprof:   pprofSvc,
	}, nil
}

// Engine exposes the schedule engine for callers embedding the app.
func (a *App) Engine() *schedule.Engine { return a.engine }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.driver.Start(a.sup.Context())
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Log events for observability/debug (components can also subscribe themselves).
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
				// Debug-level: materialization scans fire often.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(c, newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running components.
func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		if s == "storage" || s == "schedule" {
			// Store handles and engine expansion parameters are fixed at
			// construction time.
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Driver: live spec/timezone/limit updates plus enable/disable.
	if dcfg, err := mapDriverConfig(cfg); err != nil {
		a.log.Warn("invalid driver config; keeping previous", logx.Any("err", err))
	} else {
		prev := a.driver.Enabled()
		a.driver.Apply(dcfg)
		if prev && !dcfg.Enabled {
			a.log.Info("driver disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.driver.Stop(stopCtx)
			cancel()
		} else if !prev && dcfg.Enabled {
			a.log.Info("driver enabled via config")
			a.driver.Start(ctx)
		}
	}

	// Notify: live queue/rate/retry updates plus enable/disable.
	if ncfg, err := mapNotifyConfig(cfg); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Any("err", err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if prev && !ncfg.Enabled {
			a.log.Info("notify disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prev && ncfg.Enabled {
			a.log.Info("notify enabled via config")
			a.notif.Start(ctx)
		}
	}

	if ppc, err := mapPprofConfig(cfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx and return promptly; log a leak signal if not.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Driver first so no new materialization passes start, then the
	// reminder pipeline drains, then the rest.
	step("driver", 2*time.Second, func(c context.Context) error { a.driver.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if n := a.bus.Dropped(); n > 0 {
		a.log.Warn("event bus dropped events", logx.Uint64("dropped", n))
	}
	if c := a.sup.Counters(); c.Active > 0 {
		a.log.Warn("goroutines still active after shutdown", logx.Int64("active", c.Active))
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// reminderHook enqueues a reminder for every newly materialized occurrence.
type reminderHook struct {
	notif *notify.Dispatcher
}

func (h *reminderHook) OnMaterialized(ctx context.Context, it storage.ScheduleItem) error {
	if h.notif == nil || !h.notif.Enabled() {
		return nil
	}
	recipient := it.AssigneeID
	if recipient == "" {
		recipient = it.OwnerID
	}
	msg := it.Description
	if msg == "" {
		msg = "scheduled for " + it.StartsAt.UTC().Format(time.RFC3339)
	}
	return h.notif.Dispatch(ctx, notify.Event{
		RecipientID: recipient,
		Title:       it.Title,
		Message:     msg,
		ItemID:      it.ID,
		At:          it.StartsAt,
	})
}
