package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockstep/internal/logchan"
	"lockstep/internal/scheduler"
	"lockstep/internal/storage"
	logx "lockstep/pkg/logx"
)

// runOnce drives one full lifecycle: the snapshot invoker is fired once
// after a few ticks and shutdown follows once it has run.
func runOnce(t *testing.T, logs *logchan.Registry, store storage.Store) *Service {
	t.Helper()
	svc := New(Config{Interval: 2 * time.Millisecond}, logs, store)

	var m *scheduler.Manager
	var steady atomic.Int32
	m = scheduler.New("hb-test",
		scheduler.WithTickInterval(time.Millisecond),
		scheduler.WithLogChannels(logs),
		scheduler.WithLogic(func(ctx context.Context, ti scheduler.TimeInfo) {
			n := steady.Add(1)
			if n == 5 {
				inv, ok := m.LookupInvoker(SnapshotInvoker)
				require.True(t, ok)
				inv.Invoke(ctx)
			}
			if n >= 20 && svc.Stats().Snapshots > 0 {
				m.RequestShutdown("test done")
			}
		}),
	)
	require.NoError(t, m.Init(16, 2))
	require.NoError(t, m.Register(svc))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Execute(ctx))
	require.Equal(t, scheduler.StateFinalSaveOk, svc.State())
	return svc
}

func TestHeartbeatLifecycle(t *testing.T) {
	dir := t.TempDir()
	logs, err := logchan.NewRegistry(logchan.Options{Dir: dir})
	require.NoError(t, err)
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "journal.log")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	first := runOnce(t, logs, store)
	st := first.Stats()
	require.Positive(t, st.Beats)
	require.Equal(t, uint64(1), st.Snapshots)
	require.Equal(t, uint64(1), st.Runs)

	body, err := os.ReadFile(logs.Channel(Name).Path())
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, "heartbeat starting")
	require.Contains(t, text, "beat #1 ")
	require.Contains(t, text, "snapshot #1 ")
	require.True(t, strings.Contains(text, "heartbeat stopping"))

	// A second run picks the counters up from the persisted summary.
	second := runOnce(t, logs, store)
	require.Equal(t, uint64(2), second.Stats().Runs)
	require.Greater(t, second.Stats().Beats, st.Beats)
	require.Equal(t, uint64(2), second.Stats().Snapshots)
}

func TestInitRequiresLogChannels(t *testing.T) {
	svc := New(Config{}, nil, nil)
	require.Error(t, svc.Init(context.Background()))
}

func TestDefaults(t *testing.T) {
	svc := New(Config{}, nil, nil)
	require.Equal(t, DefaultInterval, svc.cfg.Interval)
	require.Equal(t, Name, svc.cfg.Channel)
	require.Equal(t, int32(ID), svc.ServiceID())
}
