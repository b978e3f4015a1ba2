package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"lockstep/internal/eventbus"
	"lockstep/internal/pool"
	"lockstep/internal/scheduler"
	logx "lockstep/pkg/logx"
)

var (
	ErrUnknownInvoker = errors.New("trigger: unknown invoker")
	ErrNotPassive     = errors.New("trigger: invoker is not passive")
	ErrUnknownEntry   = errors.New("trigger: no trigger for invoker")
)

// Entry binds a schedule to a passive invoker by name.
type Entry struct {
	Invoker  string
	Schedule string
}

type Config struct {
	// Timezone for cron expressions; empty means local time.
	Timezone string
	Entries  []Entry
}

// Resolver finds invokers by name. *scheduler.Manager implements it.
type Resolver interface {
	LookupInvoker(name string) (*scheduler.Invoker, bool)
}

// FiredEvent is published each time a trigger fires.
type FiredEvent struct {
	Invoker string `json:"invoker"`
	Queued  bool   `json:"queued"`
	Error   string `json:"error,omitempty"`
}

type binding struct {
	entry   Entry
	spec    Spec
	inv     *scheduler.Invoker
	entryID cron.EntryID
	spread  time.Duration

	fired   atomic.Uint64
	dropped atomic.Uint64
}

type Service struct {
	cfg      Config
	resolver Resolver
	pool     scheduler.Submitter
	log      logx.Logger
	bus      eventbus.Bus
	parser   cron.Parser

	mu       sync.Mutex
	c        *cron.Cron
	loc      *time.Location
	bindings map[string]*binding

	lastWarnAt atomic.Int64
}

func New(cfg Config, resolver Resolver, p scheduler.Submitter, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:      cfg,
		resolver: resolver,
		pool:     p,
		log:      log,
		bus:      bus,
		parser:   cronParser,
		bindings: map[string]*binding{},
	}
}

// Start resolves every entry and starts the cron runner. All entries are
// validated before anything is scheduled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("trigger: timezone %q: %w", tz, err)
		}
		loc = l
	}

	bindings := map[string]*binding{}
	for _, e := range s.cfg.Entries {
		b, err := s.resolve(e)
		if err != nil {
			return err
		}
		bindings[e.Invoker] = b
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	now := time.Now().In(loc)
	for _, b := range bindings {
		if err := s.schedule(c, b, now); err != nil {
			return fmt.Errorf("trigger %s: %w", b.entry.Invoker, err)
		}
	}
	c.Start()

	s.c, s.loc, s.bindings = c, loc, bindings
	s.log.Info("triggers started", logx.String("tz", loc.String()), logx.Int("entries", len(bindings)))
	return nil
}

func (s *Service) resolve(e Entry) (*binding, error) {
	spec, err := ParseSchedule(e.Schedule)
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", e.Invoker, err)
	}
	inv, ok := s.resolver.LookupInvoker(e.Invoker)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInvoker, e.Invoker)
	}
	if inv.Type() != scheduler.Passive {
		return nil, fmt.Errorf("%w: %s", ErrNotPassive, e.Invoker)
	}
	return &binding{entry: e, spec: spec, inv: inv}, nil
}

func (s *Service) schedule(c *cron.Cron, b *binding, now time.Time) error {
	job := cron.FuncJob(func() { s.fire(b) })
	if b.spec.Kind == KindInterval {
		sched, jitter := intervalSchedule(b.spec.Every, now, b.entry.Invoker)
		b.spread = jitter
		b.entryID = c.Schedule(sched, job)
		return nil
	}
	id, err := c.AddJob(b.spec.Cron, job)
	if err != nil {
		return err
	}
	b.entryID = id
	return nil
}

// Stop halts the cron runner. Firings already handed to the pool still run.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("triggers stopped")
}

// Fire runs the trigger for invoker now, outside its schedule.
func (s *Service) Fire(invoker string) error {
	s.mu.Lock()
	b := s.bindings[invoker]
	s.mu.Unlock()
	if b == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, invoker)
	}
	return s.fire(b)
}

// fire hands the invoker to a pool. Offloaded invokers queue themselves;
// inline ones get a pool task that calls Invoke. Nothing here blocks.
func (s *Service) fire(b *binding) error {
	b.fired.Add(1)
	var err error
	if b.inv.Offloaded() {
		if !b.inv.Invoke(context.Background()) {
			err = errors.New("invoker busy or refused")
		}
	} else {
		err = s.pool.Enqueue(pool.Task{
			Name: "trigger." + b.entry.Invoker,
			Opt:  pool.TaskOptions{RetryMax: -1},
			Run: func(ctx context.Context) error {
				b.inv.Invoke(ctx)
				return nil
			},
		})
	}

	ev := FiredEvent{Invoker: b.entry.Invoker, Queued: err == nil}
	if err != nil {
		b.dropped.Add(1)
		ev.Error = err.Error()
		s.warnDropped(b, err)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Data: ev})
	}
	return err
}

func (s *Service) warnDropped(b *binding, err error) {
	now := time.Now().UnixNano()
	prev := s.lastWarnAt.Load()
	if prev != 0 && now-prev < int64(5*time.Second) {
		return
	}
	if s.lastWarnAt.CompareAndSwap(prev, now) {
		s.log.Warn("trigger dropped", logx.String("invoker", b.entry.Invoker), logx.Err(err), logx.Uint64("dropped", b.dropped.Load()))
	}
}

type EntrySnapshot struct {
	Invoker  string        `json:"invoker"`
	Schedule string        `json:"schedule"`
	Kind     string        `json:"kind"`
	Spread   time.Duration `json:"spread,omitempty"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
	Fired    uint64        `json:"fired"`
	Dropped  uint64        `json:"dropped"`
}

func (s *Service) Snapshot() []EntrySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntrySnapshot, 0, len(s.bindings))
	for _, b := range s.bindings {
		es := EntrySnapshot{
			Invoker:  b.entry.Invoker,
			Schedule: b.spec.String(),
			Kind:     b.spec.Kind.String(),
			Spread:   b.spread,
			Fired:    b.fired.Load(),
			Dropped:  b.dropped.Load(),
		}
		if s.c != nil {
			e := s.c.Entry(b.entryID)
			es.Next, es.Prev = e.Next, e.Prev
		}
		out = append(out, es)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Invoker < out[j].Invoker })
	return out
}
