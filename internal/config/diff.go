package config

import (
	"reflect"
	"sort"
	"strings"

	logx "lockstep/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe structured fields for logging. Tokens are never included.
	Attrs []logx.Field
	// RestartRequired lists changed settings that only take effect on restart.
	RestartRequired []string
}

// Live reports whether every change can be applied without a restart.
func (c Change) Live() bool { return len(c.RestartRequired) == 0 }

// SummarizeConfigChange compares oldCfg and newCfg.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	restart := func(key string) { ch.RestartRequired = append(ch.RestartRequired, key) }

	// Manager: only tick_interval is live.
	om, nm := oldCfg.Manager, newCfg.Manager
	if !reflect.DeepEqual(om, nm) {
		ch.Sections = append(ch.Sections, "manager")
		ch.Attrs = append(ch.Attrs,
			logx.String("manager.tick_interval", strings.TrimSpace(nm.TickInterval)),
			logx.Int("manager.max_task", nm.MaxTask),
			logx.Int("manager.max_thread", nm.MaxThread),
		)
		if om.Name != nm.Name {
			restart("manager.name")
		}
		if om.MaxTask != nm.MaxTask || om.MaxThread != nm.MaxThread {
			restart("manager.pool_size")
		}
		if om.PhaseTimeouts != nm.PhaseTimeouts {
			restart("manager.phase_timeouts")
		}
	}

	if oldCfg.Pool != newCfg.Pool {
		ch.Sections = append(ch.Sections, "pool")
		ch.Attrs = append(ch.Attrs,
			logx.String("pool.default_timeout", strings.TrimSpace(newCfg.Pool.DefaultTimeout)),
			logx.String("pool.max_queue_delay", strings.TrimSpace(newCfg.Pool.MaxQueueDelay)),
			logx.Int("pool.retry_max", newCfg.Pool.RetryMax),
		)
		restart("pool")
	}

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.LogChannels != newCfg.LogChannels {
		ch.Sections = append(ch.Sections, "log_channels")
		ch.Attrs = append(ch.Attrs, logx.String("log_channels.dir", newCfg.LogChannels.Dir))
		restart("log_channels")
	}

	// Storage: nil means disabled. Only report whether a path is set.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		ch.Sections = append(ch.Sections, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
		restart("storage")
	}

	// Ops is reconfigured live (never log the token itself).
	oo, no := oldCfg.Ops, newCfg.Ops
	oTok, nTok := strings.TrimSpace(oo.Token), strings.TrimSpace(no.Token)
	oo.Token, no.Token = "", ""
	if oo != no || oTok != nTok {
		ch.Sections = append(ch.Sections, "ops")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", nTok != ""),
			logx.Bool("ops.token_changed", oTok != nTok),
			logx.Bool("ops.allow_insecure", no.AllowInsecure),
		)
	}

	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) ||
		strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		ch.Sections = append(ch.Sections, "triggers")
		ch.Attrs = append(ch.Attrs,
			logx.Int("triggers.count", len(newCfg.Triggers)),
			logx.String("triggers.timezone", strings.TrimSpace(newCfg.Timezone)),
		)
		restart("triggers")
	}

	if oldCfg.Heartbeat != newCfg.Heartbeat {
		ch.Sections = append(ch.Sections, "heartbeat")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("heartbeat.enabled", newCfg.Heartbeat.Enabled),
			logx.String("heartbeat.interval", strings.TrimSpace(newCfg.Heartbeat.Interval)),
		)
		restart("heartbeat")
	}

	sort.Strings(ch.Sections)
	return ch
}
