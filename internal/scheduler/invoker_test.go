package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockstep/internal/pool"
	logx "lockstep/pkg/logx"
)

func countingDoer(n *atomic.Int32) DoFunc {
	return func(context.Context, TimeInfo) { n.Add(1) }
}

func TestInvokerFiresOnlyWhenCountdownReachesZero(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	inv := NewInvoker("save", 500*time.Millisecond, countingDoer(&runs))

	for i := 1; i <= 5; i++ {
		inv.UpdateInvokeTimeLeft(100 * time.Millisecond)
		if i < 5 {
			require.False(t, inv.CanExecuteNow(), "call %d", i)
		} else {
			require.True(t, inv.CanExecuteNow(), "call %d", i)
		}
	}

	require.True(t, inv.Invoke(context.Background()))
	require.Equal(t, int32(1), runs.Load())
	require.Equal(t, 500*time.Millisecond, inv.InvokeTimeLeft())
	require.False(t, inv.CanExecuteNow())
	require.Equal(t, InvokerReady, inv.State())
}

func TestInvokerIgnoresNegativeElapsed(t *testing.T) {
	t.Parallel()
	inv := NewInvoker("x", time.Second, DoFunc(func(context.Context, TimeInfo) {}))
	inv.UpdateInvokeTimeLeft(-time.Hour)
	require.Equal(t, time.Second, inv.InvokeTimeLeft())
}

func TestInvokerTickBookkeeping(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	inv := NewInvoker("tick", 300*time.Millisecond, countingDoer(&runs))
	ctx := context.Background()
	step := 100 * time.Millisecond

	for i := uint64(1); i <= 3; i++ {
		inv.tick(ctx, TimeInfo{Elapsed: step, Tick: i})
	}
	require.Equal(t, int32(1), runs.Load())
	require.Equal(t, 300*time.Millisecond, inv.ScheduleTime())
	require.Zero(t, inv.IdleTime(), "firing resets idle time")
	require.Equal(t, uint64(3), inv.TimeInfo().Tick)

	inv.tick(ctx, TimeInfo{Elapsed: step, Tick: 4})
	require.Equal(t, step, inv.IdleTime())
}

func TestParkedInvokerIsUntouched(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	inv := NewInvoker("parked", 10*time.Millisecond, countingDoer(&runs), WithInitialState(InvokerIdle))

	inv.tick(context.Background(), TimeInfo{Elapsed: time.Second, Tick: 1})
	require.Zero(t, runs.Load())
	require.Equal(t, 10*time.Millisecond, inv.InvokeTimeLeft())
	require.Zero(t, inv.ScheduleTime())
	require.False(t, inv.Invoke(context.Background()))
}

func TestPassiveInvokerIsNotFiredByTick(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	inv := NewInvoker("snapshot", 10*time.Millisecond, countingDoer(&runs), WithType(Passive))

	for i := uint64(1); i <= 5; i++ {
		inv.tick(context.Background(), TimeInfo{Elapsed: time.Second, Tick: i})
	}
	require.Zero(t, runs.Load())
	require.Equal(t, 5*time.Second, inv.IdleTime())

	require.True(t, inv.Invoke(context.Background()))
	require.Equal(t, int32(1), runs.Load())
	require.Zero(t, inv.IdleTime())
}

type captureSubmitter struct {
	tasks []pool.Task
	err   error
}

func (c *captureSubmitter) Enqueue(t pool.Task) error {
	if c.err != nil {
		return c.err
	}
	c.tasks = append(c.tasks, t)
	return nil
}

func TestOffloadedInvokerSkipsOverlap(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	sub := &captureSubmitter{}
	inv := NewInvoker("offload", time.Second, countingDoer(&runs), WithOffload(sub))
	ctx := context.Background()

	require.True(t, inv.Invoke(ctx))
	require.Equal(t, InvokerScheduled, inv.State())
	require.Equal(t, time.Second, inv.InvokeTimeLeft())

	require.False(t, inv.Invoke(ctx), "a scheduled invoker must not be queued twice")
	require.Len(t, sub.tasks, 1)
	require.Equal(t, uint64(1), inv.Stats().Skipped)

	require.NoError(t, sub.tasks[0].Run(ctx))
	require.Equal(t, int32(1), runs.Load())
	require.Equal(t, InvokerReady, inv.State())
	require.Equal(t, uint64(1), inv.Stats().Fires)
}

func TestOffloadRefusedReturnsToReady(t *testing.T) {
	t.Parallel()
	sub := &captureSubmitter{err: pool.ErrQueueFull}
	inv := NewInvoker("offload", time.Second, DoFunc(func(context.Context, TimeInfo) {}), WithOffload(sub))

	require.False(t, inv.Invoke(context.Background()))
	require.Equal(t, InvokerReady, inv.State())
	require.Equal(t, uint64(1), inv.Stats().Failures)
}

func TestOffloadDroppedBeforeRunReturnsToReady(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	sub := &captureSubmitter{}
	inv := NewInvoker("offload", time.Second, countingDoer(&runs), WithOffload(sub), WithType(Passive))
	ctx := context.Background()

	require.True(t, inv.Invoke(ctx))
	sub.tasks[0].Done(pool.ErrStale)
	require.Equal(t, InvokerReady, inv.State())
	require.Equal(t, uint64(1), inv.Stats().Failures)

	require.True(t, inv.Invoke(ctx), "a dropped run must not count as an overlap")
	require.Len(t, sub.tasks, 2)
	require.NoError(t, sub.tasks[1].Run(ctx))
	require.Equal(t, int32(1), runs.Load())
}

func TestOffloadStaleOnRealPool(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{Workers: 1, QueueSize: 4, MaxQueueDelay: 5 * time.Millisecond}, logx.Nop(), nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
	})

	release := make(chan struct{})
	busy := make(chan struct{})
	require.NoError(t, p.Enqueue(pool.Task{Name: "busy", Run: func(context.Context) error {
		close(busy)
		<-release
		return nil
	}}))
	<-busy

	var runs atomic.Int32
	inv := NewInvoker("snap", time.Second, countingDoer(&runs), WithOffload(p), WithType(Passive))
	require.True(t, inv.Invoke(context.Background()))
	time.Sleep(30 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return inv.IsState(InvokerReady) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), p.Snapshot().DroppedStale)
	require.Equal(t, int32(0), runs.Load())

	// An idle worker picks it up well inside the queue delay; retry in case the runner is slow.
	require.Eventually(t, func() bool {
		inv.Invoke(context.Background())
		return runs.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInlinePanicLeavesInvokerReady(t *testing.T) {
	t.Parallel()
	inv := NewInvoker("boom", time.Second, DoFunc(func(context.Context, TimeInfo) { panic(errors.New("boom")) }))
	require.Panics(t, func() { inv.Invoke(context.Background()) })
	require.Equal(t, InvokerReady, inv.State())
}

type pulse struct {
	seen []TimeInfo
}

func (p *pulse) Tick(ti TimeInfo) { p.seen = append(p.seen, ti) }

func TestTickInvokerPassesRefreshedSnapshot(t *testing.T) {
	t.Parallel()
	p := &pulse{}
	inv := NewTickInvoker("pulse", p, 100*time.Millisecond)
	start := time.Now().Add(-time.Minute)

	inv.tick(context.Background(), TimeInfo{Start: start, Now: start, Elapsed: 100 * time.Millisecond, Tick: 7})
	require.Len(t, p.seen, 1)
	require.Equal(t, uint64(7), p.seen[0].Tick)
	require.Equal(t, start, p.seen[0].Start)
	require.True(t, p.seen[0].Now.After(start), "Now is re-stamped before Tick")
}
