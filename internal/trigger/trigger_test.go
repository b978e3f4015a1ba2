package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockstep/internal/eventbus"
	"lockstep/internal/pool"
	"lockstep/internal/scheduler"
	logx "lockstep/pkg/logx"
)

type invokers map[string]*scheduler.Invoker

func (m invokers) LookupInvoker(name string) (*scheduler.Invoker, bool) {
	inv, ok := m[name]
	return inv, ok
}

func counting(n *atomic.Int32) scheduler.DoFunc {
	return func(context.Context, scheduler.TimeInfo) { n.Add(1) }
}

func startedPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p
}

func TestStartValidatesEntries(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	res := invokers{
		"snap": scheduler.NewInvoker("snap", time.Second, counting(&n), scheduler.WithType(scheduler.Passive)),
		"beat": scheduler.NewInvoker("beat", time.Second, counting(&n)),
	}
	cases := []struct {
		name  string
		entry Entry
		want  error
	}{
		{"unknown", Entry{Invoker: "missing", Schedule: "1m"}, ErrUnknownInvoker},
		{"active", Entry{Invoker: "beat", Schedule: "1m"}, ErrNotPassive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Config{Entries: []Entry{tc.entry}}, res, nil, logx.Nop(), nil)
			require.ErrorIs(t, s.Start(context.Background()), tc.want)
		})
	}

	s := New(Config{Entries: []Entry{{Invoker: "snap", Schedule: "whenever"}}}, res, nil, logx.Nop(), nil)
	require.Error(t, s.Start(context.Background()))

	s = New(Config{Timezone: "Nowhere/Special", Entries: []Entry{{Invoker: "snap", Schedule: "1m"}}}, res, nil, logx.Nop(), nil)
	require.Error(t, s.Start(context.Background()))
}

func TestFireInlineInvokerRunsOnPool(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	inv := scheduler.NewInvoker("snap", time.Second, counting(&n), scheduler.WithType(scheduler.Passive))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{Entries: []Entry{{Invoker: "snap", Schedule: "*/5 * * * *"}}}, invokers{"snap": inv}, startedPool(t), logx.Nop(), bus)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, s.Fire("snap"))
	require.Eventually(t, func() bool { return n.Load() == 1 }, 2*time.Second, time.Millisecond)

	ev := <-events
	require.Equal(t, eventbus.TypeTriggerFired, ev.Type)
	require.True(t, ev.Data.(FiredEvent).Queued)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint64(1), snap[0].Fired)
	require.Equal(t, "cron", snap[0].Kind)
	require.False(t, snap[0].Next.IsZero())

	require.ErrorIs(t, s.Fire("other"), ErrUnknownEntry)
}

func TestFireOffloadedInvokerQueuesItself(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	p := startedPool(t)
	inv := scheduler.NewInvoker("snap", time.Second, counting(&n),
		scheduler.WithType(scheduler.Passive), scheduler.WithOffload(p))

	s := New(Config{Entries: []Entry{{Invoker: "snap", Schedule: "10m"}}}, invokers{"snap": inv}, nil, logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, s.Fire("snap"))
	require.Eventually(t, func() bool { return n.Load() == 1 && inv.IsState(scheduler.InvokerReady) }, 2*time.Second, time.Millisecond)

	snap := s.Snapshot()
	require.Equal(t, "interval", snap[0].Kind)
	require.Equal(t, "every 10m0s", snap[0].Schedule)
	require.Less(t, snap[0].Spread, maxStartupSpread)
}
