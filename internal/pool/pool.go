package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lockstep/internal/eventbus"
	rtsup "lockstep/internal/runtime/supervisor"
	logx "lockstep/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Pool is a bounded worker pool: QueueSize pending tasks, Workers goroutines.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	submitted        atomic.Uint64
	completed        atomic.Uint64
	failed           atomic.Uint64
	panics           atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Pool{cfg: cfg, log: log, bus: bus}
}

// Supervisor returns the pool's worker supervisor (nil if not started).
func (p *Pool) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil && p.stopDone == nil
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	cfg := p.cfg
	if cfg.Workers <= 0 || cfg.QueueSize <= 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w (workers=%d queue=%d)", ErrInvalidSize, cfg.Workers, cfg.QueueSize)
	}
	if p.stopCh != nil {
		p.mu.Unlock()
		return nil
	}

	p.q = make(chan queuedTask, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	queue := p.q
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			p.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	p.log.Info("pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	return nil
}

// Stop closes the pool to new work and waits for in-flight tasks until ctx expires.
// Queued tasks that have not started are discarded.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	go func() {
		// Workers observe stopCh between tasks; running tasks finish first.
		_ = sup.Wait(context.Background())
		sup.Cancel()
		p.mu.Lock()
		p.q = nil
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("pool stopped")
	case <-ctx.Done():
		sup.Cancel()
		p.log.Warn("pool stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds a task without blocking. If the queue is full the task is dropped.
func (p *Pool) Enqueue(t Task) error {
	return p.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx is canceled, or the pool stops.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.enqueue(ctx, t, true)
}

func (p *Pool) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), p.idSeq.Add(1))
	}

	p.mu.Lock()
	cfg := p.cfg
	q := p.q
	stopCh := p.stopCh
	stopping := p.stopDone != nil
	p.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}

	if !block {
		select {
		case q <- qt:
			p.submitted.Add(1)
			return nil
		default:
			p.onQueueFullDropped(now, t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	q := p.q
	running := p.stopCh != nil && p.stopDone == nil
	p.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	full, stale := p.droppedQueueFull.Load(), p.droppedStale.Load()
	return Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(p.inFlight.Load()),
		Submitted:        p.submitted.Load(),
		Completed:        p.completed.Load(),
		Failed:           p.failed.Load(),
		Panics:           p.panics.Load(),
		Dropped:          full + stale,
		DroppedQueueFull: full,
		DroppedStale:     stale,
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
}

func (p *Pool) record(item HistoryItem) {
	p.mu.Lock()
	limit := p.cfg.HistorySize
	p.mu.Unlock()

	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > limit {
		p.history = p.history[len(p.history)-limit:]
	}
	p.hmu.Unlock()
}

func (p *Pool) publish(typ string, at time.Time, ev TaskEvent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (p *Pool) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	p.droppedQueueFull.Add(1)
	p.publish(eventbus.TypeTaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	if !p.log.IsZero() && shouldWarn(&p.lastQueueFullWarnAt, now) {
		p.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", p.droppedQueueFull.Load()),
		)
	}
}

func (p *Pool) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	p.droppedStale.Add(1)
	p.publish(eventbus.TypeTaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	p.record(HistoryItem{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if !p.log.IsZero() && shouldWarn(&p.lastStaleWarnAt, now) {
		p.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", p.droppedStale.Load()),
		)
	}
}
