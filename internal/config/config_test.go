package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
manager:
  name: main
  tick_interval: 20ms
  max_task: 64
  max_thread: 2
  phase_timeouts:
    start: 5s
    finalsave: -1s
logging:
  level: debug
  console: true
  file: { enabled: false, path: "" }
storage:
  driver: sqlite
  path: ./data/lockstep.db
triggers:
  - invoker: heartbeat.snapshot
    schedule: "@every 30s"
heartbeat:
  enabled: true
  interval: 500ms
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "main", cfg.Manager.Name)
	require.Equal(t, 64, cfg.Manager.MaxTask)
	require.Equal(t, "-1s", cfg.Manager.PhaseTimeouts.FinalSave)
	require.NotNil(t, cfg.Storage)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Triggers, 1)
	require.Equal(t, "heartbeat.snapshot", cfg.Triggers[0].Invoker)
	require.True(t, cfg.Heartbeat.Enabled)
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body string
	}{
		{"unknown yaml field", "c.yml", "manager:\n  ticks: 5\n"},
		{"unknown json field", "c.json", `{"manager":{},"plugins":{}}`},
		{"trailing json", "c.json", `{"manager":{}} {"manager":{}}`},
		{"bad yaml", "c.yaml", "manager: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.file, []byte(tt.body))
			require.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, d)

	d, err = ParseDurationField("x", " 150ms ")
	require.NoError(t, err)
	require.Equal(t, 150*time.Millisecond, d)

	_, err = ParseDurationField("manager.tick_interval", "-5s")
	require.ErrorContains(t, err, "manager.tick_interval")

	_, err = ParseDurationField("x", "soon")
	require.Error(t, err)

	d, err = ParseSignedDuration("manager.phase_timeouts.load", "-1s")
	require.NoError(t, err)
	require.Equal(t, -time.Second, d)
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("empty.yaml", nil)
	require.NoError(t, err)
	require.Equal(t, Config{}, *cfg)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Manager: ManagerConfig{TickInterval: "50ms"}, Ops: OpsConfig{Token: "a"}}
	newCfg := &Config{Manager: ManagerConfig{TickInterval: "20ms"}, Ops: OpsConfig{Token: "b"}, Logging: LoggingConfig{Level: "debug"}}

	ch := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"logging", "manager", "ops"}, ch.Sections)
	require.True(t, ch.Live())

	newCfg.Manager.MaxThread = 8
	newCfg.Storage = &StorageConfig{Driver: "file", Path: "x"}
	ch = SummarizeConfigChange(oldCfg, newCfg)
	require.False(t, ch.Live())
	require.Contains(t, ch.RestartRequired, "manager.pool_size")
	require.Contains(t, ch.RestartRequired, "storage")

	require.Empty(t, SummarizeConfigChange(newCfg, newCfg).Sections)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestReloadValidatesAndSkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"manager":{"tick_interval":"50ms"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}}}`)

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	require.False(t, m.reload(ctx), "unchanged content must not publish")

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Manager.TickInterval == "0s" {
			return errors.New("tick_interval must be > 0")
		}
		return nil
	})
	writeFile(t, path, `{"manager":{"tick_interval":"0s"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}}}`)
	require.False(t, m.reload(ctx))
	require.Equal(t, "50ms", m.Get().Manager.TickInterval)

	writeFile(t, path, `{"manager":{"tick_interval":"10ms"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}}}`)
	require.True(t, m.reload(ctx))
	got := <-sub
	require.Equal(t, "10ms", got.Manager.TickInterval)
	require.Equal(t, "10ms", m.Get().Manager.TickInterval)
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Timezone: "a"})
	m.publish(&Config{Timezone: "b"})
	require.Equal(t, "b", (<-sub).Timezone)

	m.Unsubscribe(sub)
	_, ok := <-sub
	require.False(t, ok)
}

func TestWatchPublishesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "manager:\n  tick_interval: 50ms\n")

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	retry := time.NewTicker(300 * time.Millisecond)
	defer retry.Stop()
	writeFile(t, path, "manager:\n  tick_interval: 25ms\n")
	for {
		select {
		case cfg := <-sub:
			require.Equal(t, "25ms", cfg.Manager.TickInterval)
			return
		case <-retry.C:
			// The watcher may not have been registered before the first write.
			writeFile(t, path, "manager:\n  tick_interval: 25ms\n")
		case <-deadline:
			t.Fatal("no config published after write")
		}
	}
}
