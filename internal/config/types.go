package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "50ms", "30s", "1m").
type Config struct {
	Manager     ManagerConfig     `json:"manager"`
	Pool        PoolConfig        `json:"pool,omitempty"`
	Logging     LoggingConfig     `json:"logging"`
	LogChannels LogChannelsConfig `json:"log_channels,omitempty"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Ops         OpsConfig         `json:"ops,omitempty"`
	Triggers    []TriggerConfig   `json:"triggers,omitempty"`
	Timezone    string            `json:"timezone,omitempty"` // trigger timezone
	Heartbeat   HeartbeatConfig   `json:"heartbeat,omitempty"`
}

// ManagerConfig controls the lifecycle conductor.
//
// Defaults (when fields are omitted/zero):
//   - name: "lockstep"
//   - tick_interval: "50ms"
//   - max_task: 256
//   - max_thread: 4
//   - phase_timeouts: start 30s, load 60s, shutdown 30s, finalsave 60s
type ManagerConfig struct {
	Name          string              `json:"name,omitempty"`
	TickInterval  string              `json:"tick_interval,omitempty"`
	MaxTask       int                 `json:"max_task,omitempty"`
	MaxThread     int                 `json:"max_thread,omitempty"`
	PhaseTimeouts PhaseTimeoutsConfig `json:"phase_timeouts,omitempty"`
}

// PhaseTimeoutsConfig bounds each barrier. "0s" keeps the default;
// "-1s" (any negative) disables the deadline.
type PhaseTimeoutsConfig struct {
	Start     string `json:"start,omitempty"`
	Load      string `json:"load,omitempty"`
	Shutdown  string `json:"shutdown,omitempty"`
	FinalSave string `json:"finalsave,omitempty"`
}

// PoolConfig controls execution settings of the shared worker pool.
// The pool's size comes from manager.max_task / manager.max_thread.
type PoolConfig struct {
	// DefaultTimeout is applied to tasks without their own. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops tasks queued longer than this. "0s" disables it.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogChannelsConfig controls the hour-rotated diagnostic channels.
type LogChannelsConfig struct {
	Dir       string `json:"dir,omitempty"`        // default: "./logs"
	BufSize   int    `json:"buf_size,omitempty"`   // default: 16384
	BlockSize int    `json:"block_size,omitempty"` // default: 4096
	Stderr    bool   `json:"stderr,omitempty"`
}

// StorageConfig controls the optional lifecycle journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/lockstep.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// OpsConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:9090"
	Prefix        string `json:"prefix,omitempty"` // pprof prefix, default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// TriggerConfig fires a passive invoker on a schedule.
//
// Schedule accepts cron ("*/5 * * * *"), "@every 10s", a Go duration, or "HH:MM".
type TriggerConfig struct {
	Invoker  string `json:"invoker"`
	Schedule string `json:"schedule"`
}

// HeartbeatConfig controls the built-in heartbeat service.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default: "1s"
	Channel  string `json:"channel,omitempty"`  // log channel, default: "heartbeat"
}
