package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"lockstep/internal/eventbus"
	"lockstep/internal/logchan"
	"lockstep/internal/pool"
	logx "lockstep/pkg/logx"
)

const DefaultTickInterval = 50 * time.Millisecond

// PhaseTimeouts bound how long a barrier waits for every service to finish
// a phase. Zero picks the default, negative waits forever.
type PhaseTimeouts struct {
	Start     time.Duration
	Load      time.Duration
	Shutdown  time.Duration
	FinalSave time.Duration
}

func DefaultPhaseTimeouts() PhaseTimeouts {
	return PhaseTimeouts{
		Start:     30 * time.Second,
		Load:      60 * time.Second,
		Shutdown:  30 * time.Second,
		FinalSave: 60 * time.Second,
	}
}

func (p PhaseTimeouts) For(s State) time.Duration {
	def := DefaultPhaseTimeouts()
	var d, dd time.Duration
	switch phaseOf(s) {
	case StateStart:
		d, dd = p.Start, def.Start
	case StateLoad:
		d, dd = p.Load, def.Load
	case StateShutdown:
		d, dd = p.Shutdown, def.Shutdown
	case StateFinalSave:
		d, dd = p.FinalSave, def.FinalSave
	default:
		return 0
	}
	switch {
	case d == 0:
		return dd
	case d < 0:
		return 0
	}
	return d
}

// StateChange describes one service transition.
type StateChange struct {
	Service   string    `json:"service"`
	ServiceID int32     `json:"service_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Tick      uint64    `json:"tick"`
	At        time.Time `json:"at"`
}

type StateObserver func(StateChange)

// Journal persists lifecycle history. Errors are logged, never fatal.
type Journal interface {
	AppendTransition(ctx context.Context, c StateChange) error
	SaveInvokerStats(ctx context.Context, stats []InvokerStats) error
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

// WithDiag sets the log channel that receives fatal diagnostics.
func WithDiag(c *logchan.Channel) Option { return func(m *Manager) { m.diag = c } }

// WithLogChannels lets the conductor rotate every channel on the hour.
func WithLogChannels(r *logchan.Registry) Option { return func(m *Manager) { m.logs = r } }

func WithBus(b eventbus.Bus) Option { return func(m *Manager) { m.bus = b } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) { m.tickInterval.Store(int64(d)) }
}

func WithPhaseTimeouts(p PhaseTimeouts) Option { return func(m *Manager) { m.timeouts = p } }

func WithStateObserver(fn StateObserver) Option {
	return func(m *Manager) { m.observers = append(m.observers, fn) }
}

// WithPhaseObserver is called on the conductor whenever the manager's phase changes.
func WithPhaseObserver(fn func(State)) Option {
	return func(m *Manager) { m.phaseObservers = append(m.phaseObservers, fn) }
}

// WithLogic runs fn once per steady-state tick after services and global invokers.
func WithLogic(fn func(ctx context.Context, ti TimeInfo)) Option {
	return func(m *Manager) { m.logic = fn }
}

func WithJournal(j Journal) Option { return func(m *Manager) { m.journal = j } }

// WithPoolConfig sets pool defaults. Sizes come from Init.
func WithPoolConfig(cfg pool.Config) Option { return func(m *Manager) { m.poolCfg = cfg } }

// Manager owns the services, drives their lifecycle phases and ticks them.
type Manager struct {
	name           string
	log            logx.Logger
	diag           *logchan.Channel
	logs           *logchan.Registry
	bus            eventbus.Bus
	now            func() time.Time
	timeouts       PhaseTimeouts
	observers      []StateObserver
	phaseObservers []func(State)
	logic          func(ctx context.Context, ti TimeInfo)
	journal        Journal
	poolCfg        pool.Config

	tickInterval atomic.Int64
	limiter      *rate.Limiter

	mu       sync.RWMutex
	services []Service
	byName   map[string]Service
	invokers []*Invoker
	closed   bool
	pool     *pool.Pool

	wake     chan struct{}
	phase    atomic.Int32
	ticks    atomic.Uint64
	shutdown atomic.Bool

	errMu  sync.Mutex
	reason string
	runErr error

	tiMu     sync.Mutex
	ti       TimeInfo
	last     time.Time
	lastHour time.Time

	exitOnce sync.Once
}

func New(name string, opts ...Option) *Manager {
	m := &Manager{
		name:     name,
		now:      time.Now,
		timeouts: DefaultPhaseTimeouts(),
		byName:   map[string]Service{},
		wake:     make(chan struct{}, 1),
	}
	m.tickInterval.Store(int64(DefaultTickInterval))
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "scheduler"), logx.String("manager", name))
	m.limiter = rate.NewLimiter(tickLimit(m.TickInterval()), 1)
	return m
}

func tickLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) TickInterval() time.Duration { return time.Duration(m.tickInterval.Load()) }

// SetTickInterval changes the pacing of the tick loop. Safe to call while running.
func (m *Manager) SetTickInterval(d time.Duration) {
	m.tickInterval.Store(int64(d))
	m.limiter.SetLimit(tickLimit(d))
}

// Init builds and starts the worker pool: maxTask queued tasks served by
// maxThread workers.
func (m *Manager) Init(maxTask, maxThread int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		return ErrAlreadyInitialized
	}
	cfg := m.poolCfg
	cfg.QueueSize = maxTask
	cfg.Workers = maxThread
	p := pool.New(cfg, m.log.With(logx.String("comp", "pool")), m.bus)
	if err := p.Start(context.Background()); err != nil {
		m.fatal("pool init failed", err)
		return fmt.Errorf("scheduler: init pool: %w", err)
	}
	m.pool = p
	return nil
}

func (m *Manager) Pool() *pool.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool
}

// Register adds a service. Services are initialized and ticked in
// registration order. Registration closes when Execute starts.
func (m *Manager) Register(svc Service) error {
	if svc == nil || svc.Core() == nil {
		return fmt.Errorf("scheduler: register nil service")
	}
	name := svc.Name()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: %s", ErrRegisterClosed, name)
	}
	if _, dup := m.byName[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	b := svc.Core()
	b.self = svc
	b.mgr = m
	b.log = m.log.With(logx.String("service", name))
	for _, inv := range b.Invokers() {
		inv.bind(name, b.log, m.bus)
	}
	m.services = append(m.services, svc)
	m.byName[name] = svc
	return nil
}

// AddInvoker adds a manager-level invoker, ticked after the services.
func (m *Manager) AddInvoker(inv *Invoker) error {
	if inv == nil {
		return fmt.Errorf("scheduler: nil invoker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: invoker %s", ErrRegisterClosed, inv.name)
	}
	for _, cur := range m.invokers {
		if cur.name == inv.name {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoker, inv.name)
		}
	}
	inv.bind(m.name, m.log, m.bus)
	m.invokers = append(m.invokers, inv)
	return nil
}

func (m *Manager) Services() []Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Service(nil), m.services...)
}

func (m *Manager) Service(name string) (Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.byName[name]
	return svc, ok
}

func (m *Manager) globalInvokers() []*Invoker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Invoker(nil), m.invokers...)
}

// LookupInvoker finds a named invoker among the manager's and every service's.
func (m *Manager) LookupInvoker(name string) (*Invoker, bool) {
	for _, inv := range m.globalInvokers() {
		if inv.name == name {
			return inv, true
		}
	}
	for _, svc := range m.Services() {
		if inv := svc.Core().FindInvoker(name); inv != nil {
			return inv, true
		}
	}
	return nil, false
}

// Execute runs the whole lifecycle and returns when the process should exit:
// Init every service, START, LOAD, tick in EXECUTE until shutdown is
// requested, then SHUTDOWN, FINALSAVE and Exit.
//
// A failed Init, START or LOAD aborts straight to Exit. SHUTDOWN problems
// are logged and FINALSAVE still runs.
func (m *Manager) Execute(ctx context.Context) error {
	m.mu.Lock()
	if m.pool == nil {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	m.closed = true
	svcs := append([]Service(nil), m.services...)
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { m.RequestShutdown("context canceled") })
	defer stop()

	now := m.now()
	m.tiMu.Lock()
	m.ti = TimeInfo{Now: now, Start: now}
	m.last = now
	m.lastHour = now.Truncate(time.Hour)
	m.tiMu.Unlock()

	m.log.Info("manager starting", logx.Int("services", len(svcs)), logx.Duration("tick", m.TickInterval()))

	// Exit must still run when ctx is already canceled.
	exitCtx := context.WithoutCancel(ctx)

	for _, svc := range svcs {
		if err := svc.Init(ctx); err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrInitFailed, svc.Name(), err)
			m.fatal("service init failed", err)
			m.Exit(exitCtx)
			return err
		}
	}

	for _, step := range [][2]State{{StateStart, StateStartOk}, {StateLoad, StateLoadOk}} {
		if err := m.ExecuteState(ctx, step[0], step[1]); err != nil {
			m.fatal("startup phase failed", err)
			m.Exit(exitCtx)
			return err
		}
	}

	m.setAll(StateExecute)
	m.setPhase(StateExecute)
	for !m.ShouldShutdown() {
		m.tick(ctx)
		if err := m.wait(ctx, nil); err != nil && ctx.Err() != nil {
			m.RequestShutdown("context canceled")
		}
	}
	m.log.Info("manager shutting down", logx.String("reason", m.ShutdownReason()))

	var errs []error
	if err := m.ExecuteState(exitCtx, StateShutdown, StateShutdownOk); err != nil {
		m.log.Error("shutdown phase incomplete", logx.Err(err))
		if m.diag != nil {
			_ = m.diag.Errorf("shutdown phase incomplete: %v", err)
		}
		errs = append(errs, err)
	}
	if err := m.ExecuteState(exitCtx, StateFinalSave, StateFinalSaveOk); err != nil {
		m.fatal("final save failed", err)
		errs = append(errs, err)
	}
	m.Exit(exitCtx)

	m.errMu.Lock()
	if m.runErr != nil {
		errs = append([]error{m.runErr}, errs...)
	}
	m.errMu.Unlock()
	return errors.Join(errs...)
}

// Exit stops the pool, persists invoker stats and flushes log channels. It
// runs once; later calls are no-ops.
func (m *Manager) Exit(ctx context.Context) {
	m.exitOnce.Do(func() {
		if p := m.Pool(); p != nil {
			stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			p.Stop(stopCtx)
			cancel()
		}
		if m.journal != nil {
			saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := m.journal.SaveInvokerStats(saveCtx, m.allInvokerStats()); err != nil {
				m.log.Warn("save invoker stats failed", logx.Err(err))
			}
			cancel()
		}
		if m.diag != nil {
			_ = m.diag.Write(fmt.Sprintf("manager %s exit after %d ticks", m.name, m.Ticks()), true, logchan.ColorNone)
		}
		if m.logs != nil {
			if err := m.logs.FlushAll(); err != nil {
				m.log.Warn("log channel flush failed", logx.Err(err))
			}
		}
		m.log.Info("manager exited", logx.Uint64("ticks", m.Ticks()))
	})
}

// RequestShutdown makes ShouldShutdown true and wakes the conductor.
func (m *Manager) RequestShutdown(reason string) {
	if !m.shutdown.CompareAndSwap(false, true) {
		return
	}
	m.errMu.Lock()
	m.reason = reason
	m.errMu.Unlock()
	m.log.Info("shutdown requested", logx.String("reason", reason))
	m.signal()
}

func (m *Manager) ShouldShutdown() bool { return m.shutdown.Load() }

func (m *Manager) ShutdownReason() string {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.reason
}

func (m *Manager) Phase() State  { return State(m.phase.Load()) }
func (m *Manager) Ticks() uint64 { return m.ticks.Load() }

func (m *Manager) TimeInfo() TimeInfo {
	m.tiMu.Lock()
	defer m.tiMu.Unlock()
	return m.ti
}

// IsAllTaskInState reports whether every service is in state s.
func (m *Manager) IsAllTaskInState(s State) bool {
	for _, svc := range m.Services() {
		if !svc.Core().IsState(s) {
			return false
		}
	}
	return true
}

// IsAllInvokerInState reports whether every invoker, global or owned by a
// service, is in state s.
func (m *Manager) IsAllInvokerInState(s InvokerState) bool {
	for _, inv := range m.allInvokers() {
		if !inv.IsState(s) {
			return false
		}
	}
	return true
}

// SetAllInvokerState moves every service and global invoker to s, typically
// from the logic hook on the conductor. An invoker with a run in flight can
// be parked (InvokerIdle) but is otherwise left for that run to settle.
func (m *Manager) SetAllInvokerState(s InvokerState) {
	for _, inv := range m.allInvokers() {
		if s != InvokerIdle && inv.inFlight() {
			continue
		}
		inv.SetState(s)
	}
}

func (m *Manager) allInvokers() []*Invoker {
	out := m.globalInvokers()
	for _, svc := range m.Services() {
		out = append(out, svc.Core().Invokers()...)
	}
	return out
}

func (m *Manager) allInvokerStats() []InvokerStats {
	invs := m.allInvokers()
	out := make([]InvokerStats, 0, len(invs))
	for _, inv := range invs {
		out = append(out, inv.Stats())
	}
	return out
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) setAll(s State) {
	for _, svc := range m.Services() {
		svc.Core().SetState(s)
	}
}

func (m *Manager) setPhase(s State) {
	if State(m.phase.Swap(int32(s))) == s {
		return
	}
	m.log.Info("phase", logx.String("phase", s.String()), logx.Uint64("tick", m.Ticks()))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeManagerPhase, Data: s.String()})
	}
	for _, fn := range m.phaseObservers {
		fn(s)
	}
}

func (m *Manager) noteTransition(b *Base, from, to State) {
	c := StateChange{Service: b.name, ServiceID: b.id, From: from, To: to, Tick: m.Ticks(), At: m.now()}
	m.log.Debug("service state", logx.String("service", b.name), logx.String("from", from.String()), logx.String("to", to.String()))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeServiceState, Time: c.At, Data: c})
	}
	for _, fn := range m.observers {
		fn(c)
	}
	if m.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.journal.AppendTransition(ctx, c); err != nil {
			m.log.Warn("journal append failed", logx.Err(err))
		}
		cancel()
	}
}

func (m *Manager) serviceFailed(b *Base, phase State, err error) {
	if phase != StateExecute {
		// The barrier for the phase picks it up.
		return
	}
	m.errMu.Lock()
	if m.runErr == nil {
		m.runErr = &PhaseError{Phase: phase, Service: b.name, Err: err}
	}
	m.errMu.Unlock()
	m.RequestShutdown("service " + b.name + " failed")
}

func (m *Manager) fatal(msg string, err error) {
	m.log.Error(msg, logx.Err(err))
	if m.diag != nil {
		_ = m.diag.Errorf("%s: %v", msg, err)
	}
}

// advance takes the TimeInfo snapshot for a new tick.
func (m *Manager) advance() TimeInfo {
	now := m.now()
	m.tiMu.Lock()
	defer m.tiMu.Unlock()
	elapsed := now.Sub(m.last)
	if elapsed < 0 {
		elapsed = 0
	}
	m.last = now
	m.ti = TimeInfo{Now: now, Start: m.ti.Start, Elapsed: elapsed, Tick: m.ticks.Add(1)}
	return m.ti
}

func (m *Manager) tickServices(ctx context.Context) TimeInfo {
	ti := m.advance()
	for _, svc := range m.Services() {
		svc.Core().Tick(ctx, ti)
	}
	return ti
}

// tick is one steady-state cycle.
func (m *Manager) tick(ctx context.Context) {
	ti := m.tickServices(ctx)
	for _, inv := range m.globalInvokers() {
		inv.tick(ctx, ti)
	}
	m.tickLogic(ctx, ti)
}

func (m *Manager) tickLogic(ctx context.Context, ti TimeInfo) {
	if m.logs != nil {
		hour := ti.Now.Truncate(time.Hour)
		m.tiMu.Lock()
		rotate := !hour.Equal(m.lastHour)
		m.lastHour = hour
		m.tiMu.Unlock()
		if rotate {
			if err := m.logs.RebuildAll(); err != nil {
				m.log.Warn("log channel rotation failed", logx.Err(err))
			}
		}
	}
	if m.logic != nil {
		m.logic(ctx, ti)
	}
}
