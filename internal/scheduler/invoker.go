package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"lockstep/internal/eventbus"
	"lockstep/internal/pool"
	logx "lockstep/pkg/logx"
)

// Doer is the work an Invoker runs when it fires.
type Doer interface {
	Do(ctx context.Context, ti TimeInfo)
}

type DoFunc func(ctx context.Context, ti TimeInfo)

func (f DoFunc) Do(ctx context.Context, ti TimeInfo) { f(ctx, ti) }

// Submitter accepts offloaded work without blocking. *pool.Pool implements it.
type Submitter interface {
	Enqueue(t pool.Task) error
}

type InvokerOption func(*Invoker)

// WithType sets Active (default) or Passive.
func WithType(t InvokerType) InvokerOption { return func(inv *Invoker) { inv.typ = t } }

// WithOffload runs Do on the given pool instead of the owner's goroutine.
func WithOffload(s Submitter) InvokerOption { return func(inv *Invoker) { inv.offload = s } }

// WithInitialState overrides the READY default, e.g. InvokerIdle to start parked.
func WithInitialState(s InvokerState) InvokerOption {
	return func(inv *Invoker) { inv.state.Store(int32(s)) }
}

// InvokerEvent is published when an invoker fires or its offloaded run fails.
type InvokerEvent struct {
	Name     string        `json:"name"`
	Owner    string        `json:"owner,omitempty"`
	Tick     uint64        `json:"tick"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Invoker is a periodic unit of work with its own countdown and timing counters.
//
// The owner feeds it elapsed time each tick; it fires when the countdown
// reaches zero. Invoke is serialized per invoker so an external trigger can't
// overlap another Invoke of the same unit.
type Invoker struct {
	name     string
	interval time.Duration
	typ      InvokerType
	doer     Doer
	offload  Submitter

	state    atomic.Int32
	invokeMu sync.Mutex

	mu           sync.Mutex
	left         time.Duration
	scheduleTime time.Duration
	executeTime  time.Duration
	idleTime     time.Duration
	ti           TimeInfo
	fires        uint64
	skipped      uint64
	failures     uint64
	lastFire     time.Time

	// Set when the owner is registered.
	owner string
	log   logx.Logger
	bus   eventbus.Bus
}

func NewInvoker(name string, interval time.Duration, doer Doer, opts ...InvokerOption) *Invoker {
	inv := &Invoker{name: name, interval: interval, doer: doer, left: interval}
	inv.state.Store(int32(InvokerReady))
	for _, o := range opts {
		o(inv)
	}
	return inv
}

func (inv *Invoker) bind(owner string, log logx.Logger, bus eventbus.Bus) {
	inv.mu.Lock()
	inv.owner = owner
	inv.log = log.With(logx.String("invoker", inv.name))
	inv.bus = bus
	inv.mu.Unlock()
}

func (inv *Invoker) Name() string            { return inv.name }
func (inv *Invoker) Interval() time.Duration { return inv.interval }
func (inv *Invoker) Type() InvokerType       { return inv.typ }
func (inv *Invoker) Offloaded() bool         { return inv.offload != nil }

func (inv *Invoker) State() InvokerState         { return InvokerState(inv.state.Load()) }
func (inv *Invoker) SetState(s InvokerState)     { inv.state.Store(int32(s)) }
func (inv *Invoker) IsState(s InvokerState) bool { return inv.State() == s }

func (inv *Invoker) inFlight() bool {
	st := inv.State()
	return st == InvokerScheduled || st == InvokerExecuting
}

// UpdateTimeInfo stores the owner's snapshot for the current tick.
func (inv *Invoker) UpdateTimeInfo(ti TimeInfo) {
	inv.mu.Lock()
	inv.ti = ti
	inv.mu.Unlock()
}

// Refresh re-stamps the stored snapshot with the wall clock and returns it.
// Offloaded work uses it to see the time it actually runs at.
func (inv *Invoker) Refresh() TimeInfo {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.ti.Now = time.Now()
	return inv.ti
}

func (inv *Invoker) TimeInfo() TimeInfo {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.ti
}

// UpdateInvokeTimeLeft counts the countdown down. Negative values are ignored.
func (inv *Invoker) UpdateInvokeTimeLeft(elapsed time.Duration) {
	if elapsed < 0 {
		return
	}
	inv.mu.Lock()
	inv.left -= elapsed
	inv.mu.Unlock()
}

func (inv *Invoker) InvokeTimeLeft() time.Duration {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.left
}

func (inv *Invoker) CanExecuteNow() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.left <= 0
}

func (inv *Invoker) UpdateIdleTime(d time.Duration)     { inv.add(&inv.idleTime, d) }
func (inv *Invoker) UpdateExecuteTime(d time.Duration)  { inv.add(&inv.executeTime, d) }
func (inv *Invoker) UpdateScheduleTime(d time.Duration) { inv.add(&inv.scheduleTime, d) }

func (inv *Invoker) ResetIdleTime() {
	inv.mu.Lock()
	inv.idleTime = 0
	inv.mu.Unlock()
}

func (inv *Invoker) add(field *time.Duration, d time.Duration) {
	if d <= 0 {
		return
	}
	inv.mu.Lock()
	*field += d
	inv.mu.Unlock()
}

func (inv *Invoker) IdleTime() time.Duration     { return inv.get(&inv.idleTime) }
func (inv *Invoker) ExecuteTime() time.Duration  { return inv.get(&inv.executeTime) }
func (inv *Invoker) ScheduleTime() time.Duration { return inv.get(&inv.scheduleTime) }

func (inv *Invoker) get(field *time.Duration) time.Duration {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return *field
}

// Invoke fires the invoker. Inline invokers run Do on the calling goroutine;
// offloaded ones are queued on their pool. It returns false when the invoker
// was not READY (parked or still running) or the pool refused the work.
func (inv *Invoker) Invoke(ctx context.Context) bool {
	inv.invokeMu.Lock()
	defer inv.invokeMu.Unlock()

	if inv.offload != nil {
		return inv.schedule()
	}
	if !inv.state.CompareAndSwap(int32(InvokerReady), int32(InvokerExecuting)) {
		inv.noteSkip()
		return false
	}
	inv.run(ctx, true)
	return true
}

func (inv *Invoker) schedule() bool {
	if !inv.state.CompareAndSwap(int32(InvokerReady), int32(InvokerScheduled)) {
		inv.noteSkip()
		return false
	}
	inv.mu.Lock()
	inv.left = inv.interval
	log := inv.log
	inv.mu.Unlock()

	queued := time.Now()
	var started atomic.Bool
	err := inv.offload.Enqueue(pool.Task{
		Name: "invoker." + inv.name,
		Opt:  pool.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			started.Store(true)
			inv.UpdateScheduleTime(time.Since(queued))
			if !inv.state.CompareAndSwap(int32(InvokerScheduled), int32(InvokerExecuting)) {
				return nil
			}
			inv.run(ctx, false)
			return nil
		},
		Done: func(err error) {
			if err == nil {
				return
			}
			// Dropped before Run (stale queue): release the slot so the next fire is not an overlap.
			if !started.Load() {
				inv.state.CompareAndSwap(int32(InvokerScheduled), int32(InvokerReady))
			}
			inv.noteFailure(err)
		},
	})
	if err != nil {
		inv.state.CompareAndSwap(int32(InvokerScheduled), int32(InvokerReady))
		inv.noteFailure(err)
		log.Warn("invoker offload refused", logx.Err(err))
		return false
	}
	return true
}

// run executes Do with the invoker already in EXECUTING. The deferred
// bookkeeping also runs when Do panics, so the invoker is never left stuck.
func (inv *Invoker) run(ctx context.Context, resetCountdown bool) {
	start := time.Now()
	defer func() {
		dur := time.Since(start)
		inv.mu.Lock()
		inv.executeTime += dur
		inv.idleTime = 0
		if resetCountdown {
			inv.left = inv.interval
		}
		inv.fires++
		inv.lastFire = start
		tick := inv.ti.Tick
		owner, bus := inv.owner, inv.bus
		inv.mu.Unlock()
		inv.state.CompareAndSwap(int32(InvokerExecuting), int32(InvokerReady))

		if bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.TypeInvokerFired, Data: InvokerEvent{Name: inv.name, Owner: owner, Tick: tick, Duration: dur}})
		}
	}()
	inv.doer.Do(ctx, inv.TimeInfo())
}

func (inv *Invoker) noteSkip() {
	inv.mu.Lock()
	inv.skipped++
	inv.mu.Unlock()
}

func (inv *Invoker) noteFailure(err error) {
	inv.mu.Lock()
	inv.failures++
	owner, bus := inv.owner, inv.bus
	inv.mu.Unlock()
	if bus != nil {
		bus.Publish(eventbus.Event{Type: eventbus.TypeInvokerFailed, Data: InvokerEvent{Name: inv.name, Owner: owner, Error: err.Error()}})
	}
}

// tick is one owner cycle: time bookkeeping, then fire if due.
// Parked invokers are left untouched.
func (inv *Invoker) tick(ctx context.Context, ti TimeInfo) {
	if inv.IsState(InvokerIdle) {
		return
	}
	inv.UpdateTimeInfo(ti)
	inv.UpdateScheduleTime(ti.Elapsed)
	if inv.typ == Passive {
		inv.UpdateIdleTime(ti.Elapsed)
		return
	}
	inv.UpdateInvokeTimeLeft(ti.Elapsed)
	if inv.CanExecuteNow() && inv.Invoke(ctx) {
		return
	}
	inv.UpdateIdleTime(ti.Elapsed)
}

// InvokerStats is a point-in-time copy of an invoker's counters.
type InvokerStats struct {
	Name           string        `json:"name"`
	Owner          string        `json:"owner,omitempty"`
	Type           string        `json:"type"`
	State          string        `json:"state"`
	Offloaded      bool          `json:"offloaded"`
	Interval       time.Duration `json:"interval"`
	InvokeTimeLeft time.Duration `json:"invoke_time_left"`
	ScheduleTime   time.Duration `json:"schedule_time"`
	ExecuteTime    time.Duration `json:"execute_time"`
	IdleTime       time.Duration `json:"idle_time"`
	Fires          uint64        `json:"fires"`
	Skipped        uint64        `json:"skipped"`
	Failures       uint64        `json:"failures"`
	LastFire       time.Time     `json:"last_fire"`
}

func (inv *Invoker) Stats() InvokerStats {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return InvokerStats{
		Name:           inv.name,
		Owner:          inv.owner,
		Type:           inv.typ.String(),
		State:          inv.State().String(),
		Offloaded:      inv.offload != nil,
		Interval:       inv.interval,
		InvokeTimeLeft: inv.left,
		ScheduleTime:   inv.scheduleTime,
		ExecuteTime:    inv.executeTime,
		IdleTime:       inv.idleTime,
		Fires:          inv.fires,
		Skipped:        inv.skipped,
		Failures:       inv.failures,
		LastFire:       inv.lastFire,
	}
}
