package app

import (
	"context"
	"strings"

	"lockstep/internal/config"
	logx "lockstep/pkg/logx"
)

// reloadLoop applies hot-reloadable settings: logging, the tick interval
// and the ops server. Everything else is reported as needing a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()

	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.apply(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	change := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(change.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ms, err := mapManagerConfig(newCfg); err != nil {
		a.log.Warn("invalid manager config; keeping previous", logx.Err(err))
	} else if ms.Tick != a.mgr.TickInterval() {
		a.mgr.SetTickInterval(ms.Tick)
		a.log.Info("tick interval changed", logx.Duration("tick", ms.Tick))
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	if !change.Live() {
		a.log.Warn("config changed; restart required for some settings",
			logx.Strings("settings", change.RestartRequired))
	}
	a.log.Info("config reloaded", fields...)
}
