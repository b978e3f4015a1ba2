package app

import (
	"fmt"
	"strings"
	"time"

	"lockstep/internal/config"
	"lockstep/internal/logchan"
	"lockstep/internal/ops"
	"lockstep/internal/pool"
	"lockstep/internal/scheduler"
	"lockstep/internal/services/heartbeat"
	"lockstep/internal/storage"
	"lockstep/internal/trigger"
	logx "lockstep/pkg/logx"
)

const (
	defaultManagerName = "lockstep"
	defaultMaxTask     = 256
	defaultMaxThread   = 4
	defaultOpsAddr     = "127.0.0.1:9090"
)

// managerSettings is the mapped manager section.
type managerSettings struct {
	Name      string
	Tick      time.Duration
	MaxTask   int
	MaxThread int
	Timeouts  scheduler.PhaseTimeouts
}

func mapManagerConfig(cfg *config.Config) (managerSettings, error) {
	mc := cfg.Manager
	out := managerSettings{
		Name:      strings.TrimSpace(mc.Name),
		MaxTask:   mc.MaxTask,
		MaxThread: mc.MaxThread,
	}
	if out.Name == "" {
		out.Name = defaultManagerName
	}
	if out.MaxTask < 0 {
		return out, fmt.Errorf("manager.max_task must be >= 0")
	}
	if out.MaxThread < 0 {
		return out, fmt.Errorf("manager.max_thread must be >= 0")
	}
	if out.MaxTask == 0 {
		out.MaxTask = defaultMaxTask
	}
	if out.MaxThread == 0 {
		out.MaxThread = defaultMaxThread
	}

	tick, err := config.ParseDurationOrDefault("manager.tick_interval", mc.TickInterval, scheduler.DefaultTickInterval)
	if err != nil {
		return out, err
	}
	out.Tick = tick

	pt := mc.PhaseTimeouts
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"manager.phase_timeouts.start", pt.Start, &out.Timeouts.Start},
		{"manager.phase_timeouts.load", pt.Load, &out.Timeouts.Load},
		{"manager.phase_timeouts.shutdown", pt.Shutdown, &out.Timeouts.Shutdown},
		{"manager.phase_timeouts.finalsave", pt.FinalSave, &out.Timeouts.FinalSave},
	} {
		if *f.dst, err = config.ParseSignedDuration(f.path, f.raw); err != nil {
			return out, err
		}
	}
	return out, nil
}

// mapPoolConfig maps the pool section. Sizes come from the manager section.
func mapPoolConfig(cfg *config.Config) (pool.Config, error) {
	pc := cfg.Pool
	var out pool.Config
	if pc.RetryMax < 0 {
		return out, fmt.Errorf("pool.retry_max must be >= 0")
	}
	if pc.HistorySize < 0 {
		return out, fmt.Errorf("pool.history_size must be >= 0")
	}
	defTO, err := config.ParseDurationField("pool.default_timeout", pc.DefaultTimeout)
	if err != nil {
		return out, err
	}
	maxDelay, err := config.ParseDurationField("pool.max_queue_delay", pc.MaxQueueDelay)
	if err != nil {
		return out, err
	}
	out.DefaultTimeout = defTO
	out.MaxQueueDelay = maxDelay
	out.RetryMax = pc.RetryMax
	out.HistorySize = pc.HistorySize
	if out.HistorySize == 0 {
		out.HistorySize = 200
	}
	return out, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLogChannelsConfig(cfg *config.Config) (logchan.Options, error) {
	lc := cfg.LogChannels
	if lc.BufSize < 0 || lc.BlockSize < 0 {
		return logchan.Options{}, fmt.Errorf("log_channels.buf_size and block_size must be >= 0")
	}
	if lc.BufSize > 0 && lc.BlockSize > lc.BufSize {
		return logchan.Options{}, fmt.Errorf("log_channels.block_size must be <= buf_size")
	}
	dir := strings.TrimSpace(lc.Dir)
	if dir == "" {
		dir = "./logs"
	}
	return logchan.Options{Dir: dir, BufSize: lc.BufSize, BlockSize: lc.BlockSize, Stderr: lc.Stderr}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapOpsConfig validates and converts the ops section. It never starts the server.
func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Prefix:               strings.TrimSpace(oc.Prefix),
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = defaultOpsAddr
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if oc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("ops.mutex_profile_fraction must be >= 0")
	}
	if oc.BlockProfileRate < 0 {
		return out, fmt.Errorf("ops.block_profile_rate must be >= 0")
	}
	return out, nil
}

// mapTriggerConfig checks every schedule and the timezone. Invoker names
// are resolved later, once services have registered their invokers.
func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	out := trigger.Config{Timezone: strings.TrimSpace(cfg.Timezone)}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return out, fmt.Errorf("timezone: invalid %q: %w", out.Timezone, err)
		}
	}
	seen := map[string]bool{}
	for i, tc := range cfg.Triggers {
		name := strings.TrimSpace(tc.Invoker)
		if name == "" {
			return out, fmt.Errorf("triggers[%d].invoker is required", i)
		}
		if seen[name] {
			return out, fmt.Errorf("triggers[%d]: duplicate trigger for %q", i, name)
		}
		seen[name] = true
		if err := trigger.Validate(tc.Schedule); err != nil {
			return out, fmt.Errorf("triggers[%d].schedule: %w", i, err)
		}
		out.Entries = append(out.Entries, trigger.Entry{Invoker: name, Schedule: tc.Schedule})
	}
	return out, nil
}

func mapHeartbeatConfig(cfg *config.Config) (heartbeat.Config, bool, error) {
	hc := cfg.Heartbeat
	iv, err := config.ParseDurationOrDefault("heartbeat.interval", hc.Interval, heartbeat.DefaultInterval)
	if err != nil {
		return heartbeat.Config{}, false, err
	}
	return heartbeat.Config{Interval: iv, Channel: strings.TrimSpace(hc.Channel)}, hc.Enabled, nil
}

// validateConfig runs every mapper. Used at startup and before a reload is
// committed.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapManagerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPoolConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLogChannelsConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapHeartbeatConfig(cfg)
	return err
}
