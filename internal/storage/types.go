package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scheduler and services.
type Store interface {
	// RunID identifies this process run; every record carries it.
	RunID() string
	AppendTransition(ctx context.Context, t Transition) error
	RecentTransitions(ctx context.Context, limit int) ([]Transition, error)
	SaveInvokerStats(ctx context.Context, stats []InvokerStat) error
	PutSummary(ctx context.Context, s Summary) error
	GetSummary(ctx context.Context, service string) (Summary, bool, error)
	Close() error
}

// Transition is one service state change.
type Transition struct {
	RunID     string    `json:"run_id"`
	At        time.Time `json:"at"`
	Tick      uint64    `json:"tick"`
	Service   string    `json:"service"`
	ServiceID int32     `json:"service_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
}

// InvokerStat is an invoker's counters at exit.
type InvokerStat struct {
	RunID      string    `json:"run_id"`
	SavedAt    time.Time `json:"saved_at"`
	Owner      string    `json:"owner"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Fires      uint64    `json:"fires"`
	Skipped    uint64    `json:"skipped"`
	Failures   uint64    `json:"failures"`
	ExecuteMS  int64     `json:"execute_ms"`
	ScheduleMS int64     `json:"schedule_ms"`
	IdleMS     int64     `json:"idle_ms"`
}

// Summary is the latest state a service chose to persist. One per service;
// a newer one replaces the previous.
type Summary struct {
	RunID   string    `json:"run_id"`
	At      time.Time `json:"at"`
	Service string    `json:"service"`
	Body    string    `json:"body"` // JSON
}
