package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockstep/internal/config"
	"lockstep/internal/scheduler"
	"lockstep/internal/storage"
	"lockstep/internal/trigger"
	logx "lockstep/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", filepath.ToSlash(dir))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const appConfig = `
manager:
  name: apptest
  tick_interval: 2ms
  max_task: 32
  max_thread: 2
logging:
  level: error
  console: false
  file: { enabled: false, path: "" }
log_channels:
  dir: $DIR/logs
storage:
  driver: sqlite
  path: $DIR/data/journal.db
triggers:
  - invoker: %s
    schedule: "@every 1h"
heartbeat:
  enabled: true
  interval: 5ms
`

func runApp(t *testing.T, a *App) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for a.Manager().Phase() != scheduler.StateExecute && time.Now().Before(deadline) {
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	a.Stop(StopAppStop)
	return <-done
}

func TestAppRunsFullLifecycle(t *testing.T) {
	path := writeConfig(t, strings.Replace(appConfig, "%s", "heartbeat.snapshot", 1))
	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, runApp(t, a))
	require.Equal(t, scheduler.StateFinalSaveOk, a.Manager().Phase())
	require.Equal(t, StopAppStop.String(), a.Manager().ShutdownReason())

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(filepath.Dir(path), "data", "journal.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	trs, err := st.RecentTransitions(context.Background(), 100)
	require.NoError(t, err)
	require.NotEmpty(t, trs)
	require.Equal(t, "heartbeat", trs[0].Service)

	sum, ok, err := st.GetSummary(context.Background(), "heartbeat")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, sum.Body, `"runs":1`)
}

func TestAppFailsOnUnknownTriggerTarget(t *testing.T) {
	path := writeConfig(t, strings.Replace(appConfig, "%s", "nope.missing", 1))
	a, err := NewApp(path)
	require.NoError(t, err)
	err = runApp(t, a)
	require.ErrorIs(t, err, trigger.ErrUnknownInvoker)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "manager:\n  tick_interval: fast\n")
	_, err := NewApp(path)
	require.ErrorContains(t, err, "manager.tick_interval")
}

func TestMapManagerConfig(t *testing.T) {
	t.Parallel()
	ms, err := mapManagerConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, defaultManagerName, ms.Name)
	require.Equal(t, scheduler.DefaultTickInterval, ms.Tick)
	require.Equal(t, defaultMaxTask, ms.MaxTask)
	require.Equal(t, defaultMaxThread, ms.MaxThread)

	ms, err = mapManagerConfig(&config.Config{Manager: config.ManagerConfig{
		PhaseTimeouts: config.PhaseTimeoutsConfig{Start: "2s", FinalSave: "-1s"},
	}})
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, ms.Timeouts.For(scheduler.StateStart))
	require.Equal(t, time.Duration(0), ms.Timeouts.For(scheduler.StateFinalSave))
	require.Equal(t, scheduler.DefaultPhaseTimeouts().Load, ms.Timeouts.For(scheduler.StateLoad))

	_, err = mapManagerConfig(&config.Config{Manager: config.ManagerConfig{MaxThread: -1}})
	require.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"omitted", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "x"}, true, false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, true, false},
		{"missing path", &config.StorageConfig{Driver: "sqlite"}, false, true},
		{"unknown", &config.StorageConfig{Driver: "redis", Path: "x"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.enabled, enabled)
			if tt.name == "sqlite" {
				require.Equal(t, "sqlite", sc.Driver)
				require.Equal(t, 2*time.Second, sc.BusyTimeout)
			}
		})
	}
}

func TestMapTriggerConfig(t *testing.T) {
	t.Parallel()
	_, err := mapTriggerConfig(&config.Config{Triggers: []config.TriggerConfig{{Invoker: "a", Schedule: "every banana"}}})
	require.Error(t, err)

	_, err = mapTriggerConfig(&config.Config{Triggers: []config.TriggerConfig{
		{Invoker: "a", Schedule: "10s"},
		{Invoker: "a", Schedule: "20s"},
	}})
	require.ErrorContains(t, err, "duplicate")

	_, err = mapTriggerConfig(&config.Config{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	tc, err := mapTriggerConfig(&config.Config{Triggers: []config.TriggerConfig{{Invoker: " a ", Schedule: "*/5 * * * *"}}})
	require.NoError(t, err)
	require.Equal(t, "a", tc.Entries[0].Invoker)
}

func TestMapOpsConfigDefaults(t *testing.T) {
	t.Parallel()
	oc, err := mapOpsConfig(&config.Config{Ops: config.OpsConfig{Enabled: true}})
	require.NoError(t, err)
	require.Equal(t, defaultOpsAddr, oc.Addr)
	require.Equal(t, "/debug/pprof/", oc.Prefix)
	require.Equal(t, 5*time.Second, oc.ReadTimeout)
	require.Zero(t, oc.WriteTimeout)

	_, err = mapOpsConfig(&config.Config{Ops: config.OpsConfig{BlockProfileRate: -1}})
	require.Error(t, err)
}

func TestNotifierPhaseMessages(t *testing.T) {
	t.Parallel()
	var sent []string
	n := &notifier{log: logx.Nop(), send: func(s string) (bool, error) {
		sent = append(sent, s)
		return true, nil
	}}
	n.phase(scheduler.StateLoad)
	n.phase(scheduler.StateExecute)
	n.phase(scheduler.StateShutdown)
	require.Equal(t, []string{
		"STATUS=LOAD", "READY=1", "STATUS=running", "STOPPING=1", "STATUS=shutting down",
	}, sent)
}
