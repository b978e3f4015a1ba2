package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"lockstep/internal/pool"
	logx "lockstep/pkg/logx"
)

// Service is a lifecycle participant driven by the Manager.
//
// Concrete services embed *Base and override the hooks they need. A hook
// finishes its phase by calling the matching OnXOk, either before returning
// or later from any goroutine.
type Service interface {
	Name() string
	ServiceID() int32
	Init(ctx context.Context) error
	Start(ctx context.Context)
	Load(ctx context.Context)
	Shutdown(ctx context.Context)
	FinalSave(ctx context.Context)
	Core() *Base
}

// TickObserver is an optional Service capability called at the end of
// every service tick, whatever the state.
type TickObserver interface {
	OnTick(ti TimeInfo)
}

// Base carries the lifecycle state and invokers of one service.
type Base struct {
	name string
	id   int32

	self Service
	mgr  *Manager
	log  logx.Logger

	state     atomic.Int32
	completed atomic.Uint32

	failMu   sync.Mutex
	firstErr error
	failures map[State]error // keyed by action state

	invMu    sync.RWMutex
	invokers []*Invoker
}

func NewBase(name string, id int32) *Base {
	return &Base{name: name, id: id}
}

func (b *Base) Name() string     { return b.name }
func (b *Base) ServiceID() int32 { return b.id }
func (b *Base) Core() *Base      { return b }

// Default hooks: nothing to do, report completion straight away.

func (b *Base) Init(context.Context) error { return nil }
func (b *Base) Start(context.Context)      { b.OnStartOk() }
func (b *Base) Load(context.Context)       { b.OnLoadOk() }
func (b *Base) Shutdown(context.Context)   { b.OnShutdownOk() }
func (b *Base) FinalSave(context.Context)  { b.OnFinalSaveOk() }

func (b *Base) State() State         { return State(b.state.Load()) }
func (b *Base) IsState(s State) bool { return b.State() == s }
func (b *Base) Log() logx.Logger     { return b.log }

// Manager returns the manager the service is registered with, if any.
func (b *Base) Manager() *Manager { return b.mgr }

func (b *Base) selfOr() Service {
	if b.self != nil {
		return b.self
	}
	return b
}

func (b *Base) OnStartOk()     { b.complete(StateStart) }
func (b *Base) OnLoadOk()      { b.complete(StateLoad) }
func (b *Base) OnShutdownOk()  { b.complete(StateShutdown) }
func (b *Base) OnFinalSaveOk() { b.complete(StateFinalSave) }

// complete marks phase as done. Completions for a phase that isn't in
// flight are ignored.
func (b *Base) complete(phase State) {
	cur := b.State()
	if phaseOf(cur) != phase || cur == okOf(phase) {
		b.log.Warn("ignoring completion for phase not in flight",
			logx.String("phase", phase.String()), logx.String("state", cur.String()))
		return
	}
	b.completed.Or(phaseBit(phase))
	b.wake()
}

// Fail aborts the phase in flight. During EXECUTE it asks the manager to
// shut down.
func (b *Base) Fail(err error) {
	if err == nil {
		return
	}
	phase := phaseOf(b.State())
	b.failMu.Lock()
	if b.firstErr == nil {
		b.firstErr = err
	}
	if b.failures == nil {
		b.failures = make(map[State]error)
	}
	if _, ok := b.failures[phase]; !ok {
		b.failures[phase] = err
	}
	b.failMu.Unlock()
	b.log.Error("service failed", logx.String("phase", phase.String()), logx.Err(err))
	if b.mgr != nil {
		b.mgr.serviceFailed(b, phase, err)
	}
	b.wake()
}

// Err returns the first error passed to Fail, if any.
func (b *Base) Err() error {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.firstErr
}

// failedIn returns the first failure recorded while phase was in flight.
func (b *Base) failedIn(phase State) error {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.failures[phase]
}

func (b *Base) wake() {
	if b.mgr != nil {
		b.mgr.signal()
	}
}

// SetState stores s and reports the transition. Entering an action state
// clears that phase's completion flag.
func (b *Base) SetState(s State) {
	if isAction(s) {
		b.completed.And(^phaseBit(s))
	}
	from := State(b.state.Swap(int32(s)))
	if from != s && b.mgr != nil {
		b.mgr.noteTransition(b, from, s)
	}
}

// TickState advances the lifecycle: an action state moves to _EXC and runs
// its hook once; an _EXC state moves to _OK once its completion flag is set.
func (b *Base) TickState(ctx context.Context) {
	st := b.State()
	if isAction(st) {
		b.SetState(excOf(st))
		b.callHook(ctx, st)
		st = b.State()
	}
	if isExc(st) && b.completed.Load()&phaseBit(st) != 0 {
		b.SetState(okOf(st))
	}
}

func (b *Base) callHook(ctx context.Context, phase State) {
	svc := b.selfOr()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("hook panicked", logx.String("phase", phase.String()), logx.Stack(string(debug.Stack())))
			b.Fail(fmt.Errorf("%s hook panic: %v", phase, r))
		}
	}()
	switch phase {
	case StateStart:
		svc.Start(ctx)
	case StateLoad:
		svc.Load(ctx)
	case StateShutdown:
		svc.Shutdown(ctx)
	case StateFinalSave:
		svc.FinalSave(ctx)
	}
}

// Tick runs one service cycle: lifecycle first, then invokers (EXECUTE
// only), then OnTick if the service observes ticks.
func (b *Base) Tick(ctx context.Context, ti TimeInfo) {
	b.TickState(ctx)
	if b.IsState(StateExecute) {
		for _, inv := range b.Invokers() {
			inv.tick(ctx, ti)
		}
	}
	if obs, ok := b.selfOr().(TickObserver); ok {
		obs.OnTick(ti)
	}
}

func (b *Base) AddInvoker(inv *Invoker) error {
	if inv == nil {
		return fmt.Errorf("scheduler: nil invoker")
	}
	b.invMu.Lock()
	defer b.invMu.Unlock()
	for _, cur := range b.invokers {
		if cur.name == inv.name {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateInvoker, b.name, inv.name)
		}
	}
	b.invokers = append(b.invokers, inv)
	if b.mgr != nil {
		inv.bind(b.name, b.log, b.mgr.bus)
	}
	return nil
}

func (b *Base) Invokers() []*Invoker {
	b.invMu.RLock()
	defer b.invMu.RUnlock()
	return append([]*Invoker(nil), b.invokers...)
}

// FindInvoker returns the invoker with the given name.
func (b *Base) FindInvoker(name string) *Invoker {
	b.invMu.RLock()
	defer b.invMu.RUnlock()
	for _, inv := range b.invokers {
		if inv.name == name {
			return inv
		}
	}
	return nil
}

// FetchInvoker returns the first passive invoker ready to be fired, or nil.
func (b *Base) FetchInvoker() *Invoker {
	b.invMu.RLock()
	defer b.invMu.RUnlock()
	for _, inv := range b.invokers {
		if inv.typ == Passive && inv.IsState(InvokerReady) {
			return inv
		}
	}
	return nil
}

// Pool returns the manager's worker pool, nil before Manager.Init.
func (b *Base) Pool() *pool.Pool {
	if b.mgr == nil {
		return nil
	}
	return b.mgr.Pool()
}

// Dispatch queues fn on the worker pool without blocking; a full queue
// returns pool.ErrQueueFull. onDone, if set, runs on the worker with fn's
// final error, or pool.ErrStale if fn never ran.
func (b *Base) Dispatch(ctx context.Context, name string, fn func(ctx context.Context) error, onDone func(err error)) error {
	p := b.Pool()
	if p == nil {
		return ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.Enqueue(pool.Task{Name: b.name + "." + name, Run: fn, Done: onDone})
}

// RunPhase dispatches fn and completes the phase in flight when it
// succeeds, or fails it otherwise. Call it from a lifecycle hook.
func (b *Base) RunPhase(ctx context.Context, name string, fn func(ctx context.Context) error) {
	phase := phaseOf(b.State())
	err := b.Dispatch(ctx, name, fn, func(err error) {
		if err != nil {
			b.Fail(fmt.Errorf("%s: %w", name, err))
			return
		}
		b.complete(phase)
	})
	if err != nil {
		b.Fail(fmt.Errorf("dispatch %s: %w", name, err))
	}
}

func excOf(s State) State {
	switch s {
	case StateStart:
		return StateStartExc
	case StateLoad:
		return StateLoadExc
	case StateShutdown:
		return StateShutdownExc
	case StateFinalSave:
		return StateFinalSaveExc
	}
	return s
}

func okOf(s State) State {
	switch phaseOf(s) {
	case StateStart:
		return StateStartOk
	case StateLoad:
		return StateLoadOk
	case StateShutdown:
		return StateShutdownOk
	case StateFinalSave:
		return StateFinalSaveOk
	}
	return s
}

func isExc(s State) bool {
	switch s {
	case StateStartExc, StateLoadExc, StateShutdownExc, StateFinalSaveExc:
		return true
	}
	return false
}
