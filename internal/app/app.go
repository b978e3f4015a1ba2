package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"lockstep/internal/config"
	"lockstep/internal/eventbus"
	"lockstep/internal/logchan"
	"lockstep/internal/metrics"
	"lockstep/internal/ops"
	"lockstep/internal/runtime/supervisor"
	"lockstep/internal/scheduler"
	"lockstep/internal/services/heartbeat"
	"lockstep/internal/storage"
	"lockstep/internal/trigger"
	logx "lockstep/pkg/logx"
)

// App wires configuration, logging, storage, the scheduler and its
// satellites into one process.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	chans *logchan.Registry
	bus   eventbus.Bus
	store storage.Store

	mgr      *scheduler.Manager
	triggers *trigger.Service
	ops      *ops.Service
	hb       *heartbeat.Service
	sd       *notifier

	errMu      sync.Mutex
	triggerErr error
	closeOnce  sync.Once
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (_ *App, err error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	chOpts, err := mapLogChannelsConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.chans, err = logchan.NewRegistry(chOpts); err != nil {
		return nil, fmt.Errorf("log channels: %w", err)
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if a.store, err = storage.Open(sc, log); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("run_id", a.store.RunID()))
	}

	ms, err := mapManagerConfig(cfg)
	if err != nil {
		return nil, err
	}
	poolCfg, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sd = newNotifier(log.With(logx.String("comp", "systemd")))

	opts := []scheduler.Option{
		scheduler.WithLogger(log),
		scheduler.WithDiag(a.chans.Channel(ms.Name)),
		scheduler.WithLogChannels(a.chans),
		scheduler.WithBus(a.bus),
		scheduler.WithTickInterval(ms.Tick),
		scheduler.WithPhaseTimeouts(ms.Timeouts),
		scheduler.WithPoolConfig(poolCfg),
		scheduler.WithPhaseObserver(a.onPhase),
	}
	if a.store != nil {
		opts = append(opts, scheduler.WithJournal(storage.Journal{Store: a.store}))
	}
	a.mgr = scheduler.New(ms.Name, opts...)
	if err := a.mgr.Init(ms.MaxTask, ms.MaxThread); err != nil {
		return nil, fmt.Errorf("manager init: %w", err)
	}
	a.log.Info("manager ready",
		logx.String("name", ms.Name),
		logx.Duration("tick", ms.Tick),
		logx.String("queue", humanize.Comma(int64(ms.MaxTask))),
		logx.Int("workers", ms.MaxThread),
	)

	if hc, enabled, err := mapHeartbeatConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		var ss heartbeat.SummaryStore
		if a.store != nil {
			ss = a.store
		}
		a.hb = heartbeat.New(hc, a.chans, ss)
		if err := a.mgr.Register(a.hb); err != nil {
			return nil, err
		}
	}

	tc, err := mapTriggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.triggers = trigger.New(tc, a.mgr, a.mgr.Pool(), log, a.bus)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(opsCfg, a.mgr, metrics.NewRegistry(a.mgr), log)
	a.ops.AddRoutines("app", func() supervisor.Snapshot { return a.sup.Snapshot() })
	a.ops.AddRoutines("pool", func() supervisor.Snapshot { return a.mgr.Pool().Supervisor().Snapshot() })
	return a, nil
}

// Manager exposes the scheduler so callers can register more services
// before Run.
func (a *App) Manager() *scheduler.Manager { return a.mgr }

// Register adds a service. It must be called before Run.
func (a *App) Register(svc scheduler.Service) error { return a.mgr.Register(svc) }

// Stop asks the manager to begin its shutdown sequence. Run returns once
// FINALSAVE is done.
func (a *App) Stop(reason StopReason) {
	a.mgr.RequestShutdown(reason.String())
}

// Run drives the whole lifecycle and blocks until the manager exits.
func (a *App) Run(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))
	a.startBackground()

	opsCfg, err := mapOpsConfig(a.cfgm.Get())
	if err == nil {
		a.ops.Reconfigure(a.sup.Context(), opsCfg)
	}

	runErr := a.mgr.Execute(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	a.ops.Stop(stopCtx)
	if err := a.sup.Stop(stopCtx); err != nil {
		a.log.Warn("background goroutines did not stop cleanly", logx.Err(err))
	}
	a.close()

	a.errMu.Lock()
	defer a.errMu.Unlock()
	if runErr != nil || a.triggerErr != nil {
		a.log.Error("lockstep exited with error", logx.Err(errors.Join(runErr, a.triggerErr)))
	}
	return errors.Join(runErr, a.triggerErr)
}

func (a *App) startBackground() {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go0("systemd.watchdog", a.sd.watchdog)

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}

// onPhase runs on the conductor goroutine for every manager phase.
func (a *App) onPhase(s scheduler.State) {
	a.sd.phase(s)
	switch s {
	case scheduler.StateExecute:
		if err := a.triggers.Start(a.sup.Context()); err != nil {
			a.errMu.Lock()
			a.triggerErr = err
			a.errMu.Unlock()
			a.log.Error("trigger setup failed", logx.Err(err))
			a.mgr.RequestShutdown(StopFatalError.String())
		}
	case scheduler.StateShutdown:
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		a.triggers.Stop(ctx)
		cancel()
	}
}

// close releases storage and log sinks. It is safe to call more than once.
func (a *App) close() {
	a.closeOnce.Do(func() {
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Warn("storage close failed", logx.Err(err))
			}
		}
		if a.chans != nil {
			if err := a.chans.Close(); err != nil {
				a.log.Warn("log channel close failed", logx.Err(err))
			}
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
}
