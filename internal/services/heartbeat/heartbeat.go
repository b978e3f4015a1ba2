// Package heartbeat is a built-in service that proves the scheduler is
// alive: it writes a beat line to its log channel on every interval, a
// status snapshot whenever its passive invoker is fired, and persists its
// counters across runs.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"lockstep/internal/logchan"
	"lockstep/internal/scheduler"
	"lockstep/internal/storage"
	logx "lockstep/pkg/logx"
)

const (
	Name = "heartbeat"
	ID   = 100

	BeatInvoker     = "heartbeat.beat"
	SnapshotInvoker = "heartbeat.snapshot"

	DefaultInterval = time.Second
)

type Config struct {
	Interval time.Duration
	Channel  string
}

// SummaryStore is the subset of storage.Store the service persists to.
type SummaryStore interface {
	PutSummary(ctx context.Context, s storage.Summary) error
	GetSummary(ctx context.Context, service string) (storage.Summary, bool, error)
}

// summary is the persisted body.
type summary struct {
	Beats     uint64    `json:"beats"`
	Snapshots uint64    `json:"snapshots"`
	Runs      uint64    `json:"runs"`
	LastBeat  time.Time `json:"last_beat"`
}

type Service struct {
	*scheduler.Base

	cfg   Config
	logs  *logchan.Registry
	store SummaryStore // nil disables persistence

	ch *logchan.Channel

	beats     atomic.Uint64
	snapshots atomic.Uint64
	runs      atomic.Uint64
	lastBeat  atomic.Int64 // unix nanos
}

func New(cfg Config, logs *logchan.Registry, store SummaryStore) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Channel == "" {
		cfg.Channel = Name
	}
	return &Service{Base: scheduler.NewBase(Name, ID), cfg: cfg, logs: logs, store: store}
}

type Stats struct {
	Beats     uint64
	Snapshots uint64
	Runs      uint64
}

func (s *Service) Stats() Stats {
	return Stats{Beats: s.beats.Load(), Snapshots: s.snapshots.Load(), Runs: s.runs.Load()}
}

func (s *Service) Init(ctx context.Context) error {
	if s.logs == nil {
		return fmt.Errorf("heartbeat: log channels not configured")
	}
	s.ch = s.logs.Channel(s.cfg.Channel)

	if err := s.AddInvoker(scheduler.NewTickInvoker(BeatInvoker, beater{s}, s.cfg.Interval)); err != nil {
		return err
	}
	p := s.Pool()
	if p == nil {
		return scheduler.ErrNotInitialized
	}
	return s.AddInvoker(scheduler.NewInvoker(SnapshotInvoker, 0, scheduler.DoFunc(s.snapshot),
		scheduler.WithType(scheduler.Passive),
		scheduler.WithOffload(p),
	))
}

func (s *Service) Start(ctx context.Context) {
	s.RunPhase(ctx, "start", func(context.Context) error {
		if err := s.ch.RebuildPath(); err != nil {
			return err
		}
		return s.ch.Write(fmt.Sprintf("%s starting, interval %s", Name, s.cfg.Interval), true, logchan.ColorGreen)
	})
}

// Load restores counters from the previous run.
func (s *Service) Load(ctx context.Context) {
	if s.store == nil {
		s.runs.Store(1)
		s.OnLoadOk()
		return
	}
	s.RunPhase(ctx, "load", func(ctx context.Context) error {
		prev, ok, err := s.store.GetSummary(ctx, Name)
		if err != nil {
			return err
		}
		var sum summary
		if ok {
			if err := json.Unmarshal([]byte(prev.Body), &sum); err != nil {
				s.Log().Warn("heartbeat summary unreadable, starting fresh", logx.Err(err))
				sum = summary{}
			}
		}
		s.beats.Store(sum.Beats)
		s.snapshots.Store(sum.Snapshots)
		s.runs.Store(sum.Runs + 1)
		if ok {
			s.Log().Info("heartbeat restored",
				logx.Uint64("beats", sum.Beats),
				logx.Uint64("run", sum.Runs+1),
				logx.String("last_beat", humanize.Time(sum.LastBeat)),
			)
		}
		return nil
	})
}

func (s *Service) Shutdown(ctx context.Context) {
	_ = s.ch.Write(fmt.Sprintf("%s stopping after %s beats", Name, humanize.Comma(int64(s.beats.Load()))), false, logchan.ColorYellow)
	if err := s.ch.Flush(); err != nil {
		s.Fail(err)
		return
	}
	s.OnShutdownOk()
}

func (s *Service) FinalSave(ctx context.Context) {
	if s.store == nil {
		s.OnFinalSaveOk()
		return
	}
	s.RunPhase(ctx, "finalsave", func(ctx context.Context) error {
		body, err := json.Marshal(summary{
			Beats:     s.beats.Load(),
			Snapshots: s.snapshots.Load(),
			Runs:      s.runs.Load(),
			LastBeat:  time.Unix(0, s.lastBeat.Load()),
		})
		if err != nil {
			return err
		}
		return s.store.PutSummary(ctx, storage.Summary{Service: Name, Body: string(body)})
	})
}

// snapshot runs on a pool worker when the passive invoker is fired.
func (s *Service) snapshot(_ context.Context, ti scheduler.TimeInfo) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	n := s.snapshots.Add(1)
	_ = s.ch.Write(fmt.Sprintf("snapshot #%d uptime=%s beats=%s heap=%s goroutines=%d",
		n,
		ti.Uptime().Truncate(time.Millisecond),
		humanize.Comma(int64(s.beats.Load())),
		humanize.IBytes(ms.HeapAlloc),
		runtime.NumGoroutine(),
	), true, logchan.ColorCyan)
}

// beater adapts the service to the tick adapter without clashing with
// Base.Tick.
type beater struct{ s *Service }

func (b beater) Tick(ti scheduler.TimeInfo) {
	n := b.s.beats.Add(1)
	b.s.lastBeat.Store(ti.Now.UnixNano())
	_ = b.s.ch.Write(fmt.Sprintf("beat #%d tick=%d uptime=%s", n, ti.Tick, ti.Uptime().Truncate(time.Millisecond)), false, logchan.ColorNone)
}
