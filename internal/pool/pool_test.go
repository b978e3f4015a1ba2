package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockstep/internal/eventbus"
	logx "lockstep/pkg/logx"
)

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, logx.Nop(), eventbus.New())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestStartRejectsInvalidSizes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero workers", Config{Workers: 0, QueueSize: 4}},
		{"zero queue", Config{Workers: 1, QueueSize: 0}},
		{"negative", Config{Workers: -1, QueueSize: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(tc.cfg, logx.Nop(), nil)
			require.ErrorIs(t, p.Start(context.Background()), ErrInvalidSize)
			require.False(t, p.Running())
		})
	}
}

func TestSubmitRunsTask(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Workers: 2, QueueSize: 4})

	done := make(chan error, 1)
	var ran atomic.Bool
	err := p.Submit(context.Background(), Task{
		Name: "unit",
		Run:  func(ctx context.Context) error { ran.Store(true); return nil },
		Done: func(err error) { done <- err },
	})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, done))
	require.True(t, ran.Load())

	snap := p.Snapshot()
	require.Equal(t, uint64(1), snap.Completed)
	require.Len(t, snap.History, 1)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	require.NoError(t, p.Enqueue(Task{Name: "busy", Run: block}))
	<-started
	require.NoError(t, p.Enqueue(Task{Name: "queued", Run: block}))
	require.ErrorIs(t, p.Enqueue(Task{Name: "overflow", Run: block}), ErrQueueFull)
	close(release)

	require.Equal(t, uint64(1), p.Snapshot().DroppedQueueFull)
}

func TestPanicIsRecoveredAsError(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Workers: 1, QueueSize: 2, RetryMax: 3})

	done := make(chan error, 1)
	var calls atomic.Int32
	require.NoError(t, p.Enqueue(Task{
		Name: "panics",
		Run: func(ctx context.Context) error {
			calls.Add(1)
			panic("boom")
		},
		Done: func(err error) { done <- err },
	}))
	err := waitDone(t, done)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Equal(t, int32(1), calls.Load(), "panics are not retried")

	// The worker survives the panic.
	done2 := make(chan error, 1)
	require.NoError(t, p.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }, Done: func(err error) { done2 <- err }}))
	require.NoError(t, waitDone(t, done2))
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Workers: 1, QueueSize: 4})
	fast := TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}

	var flaky atomic.Int32
	done := make(chan error, 1)
	require.NoError(t, p.Enqueue(Task{
		Name: "flaky",
		Opt:  fast,
		Run: func(ctx context.Context) error {
			if flaky.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Done: func(err error) { done <- err },
	}))
	require.NoError(t, waitDone(t, done))
	require.Equal(t, int32(3), flaky.Load())

	var permanent atomic.Int32
	require.NoError(t, p.Enqueue(Task{
		Name: "permanent",
		Opt:  fast,
		Run: func(ctx context.Context) error {
			permanent.Add(1)
			return NoRetry(errors.New("bad input"))
		},
		Done: func(err error) { done <- err },
	}))
	err := waitDone(t, done)
	require.EqualError(t, err, "bad input")
	require.Equal(t, int32(1), permanent.Load())
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	require.ErrorIs(t, p.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)

	require.NoError(t, p.Start(context.Background()))
	p.Stop(context.Background())
	require.ErrorIs(t, p.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestBackoffDelayIsCapped(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond, RetryJitter: 0.2}
	for retry := 1; retry < 8; retry++ {
		require.LessOrEqual(t, backoffDelay(opt, retry, nil), 300*time.Millisecond)
	}
	require.Equal(t, 200*time.Millisecond, backoffDelay(opt, 2, nil))
	require.Equal(t, 300*time.Millisecond, backoffDelayWithHint(opt, 1, RetryAfter(errors.New("x"), time.Minute), nil))
}

func TestStaleDropCallsDone(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Workers: 1, QueueSize: 2, MaxQueueDelay: 5 * time.Millisecond})

	release := make(chan struct{})
	busy := make(chan struct{})
	require.NoError(t, p.Enqueue(Task{Name: "busy", Run: func(context.Context) error {
		close(busy)
		<-release
		return nil
	}}))
	<-busy

	done := make(chan error, 1)
	var ran atomic.Bool
	require.NoError(t, p.Enqueue(Task{
		Name: "late",
		Run:  func(context.Context) error { ran.Store(true); return nil },
		Done: func(err error) { done <- err },
	}))
	time.Sleep(30 * time.Millisecond)
	close(release)

	require.ErrorIs(t, waitDone(t, done), ErrStale)
	require.False(t, ran.Load())
	require.Equal(t, uint64(1), p.Snapshot().DroppedStale)
}
