package scheduler

import (
	"context"
	"errors"
	"time"
)

var errDeadline = errors.New("deadline")

// ExecuteState is the phase barrier. It moves every service to set, then
// ticks them until all of them are in check. Between ticks it blocks until a
// service reports completion or the next pacing tick is due.
func (m *Manager) ExecuteState(ctx context.Context, set, check State) error {
	m.setAll(set)
	m.setPhase(set)

	timeout := m.timeouts.For(set)
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		m.tickServices(ctx)
		if err := m.phaseFailure(set); err != nil {
			return err
		}
		if m.IsAllTaskInState(check) {
			m.setPhase(check)
			return nil
		}
		switch err := m.wait(ctx, deadline); {
		case errors.Is(err, errDeadline):
			return &PhaseTimeoutError{Phase: set, Timeout: timeout, Waiting: m.notIn(check)}
		case err != nil:
			return err
		}
	}
}

// wait blocks until the conductor is woken, the pacing limiter allows the
// next tick, the deadline passes or ctx is done.
func (m *Manager) wait(ctx context.Context, deadline <-chan time.Time) error {
	r := m.limiter.Reserve()
	t := time.NewTimer(r.Delay())
	defer t.Stop()
	select {
	case <-m.wake:
		r.Cancel()
		return nil
	case <-t.C:
		return nil
	case <-deadline:
		r.Cancel()
		return errDeadline
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (m *Manager) phaseFailure(phase State) error {
	for _, svc := range m.Services() {
		if err := svc.Core().failedIn(phaseOf(phase)); err != nil {
			return &PhaseError{Phase: phase, Service: svc.Name(), Err: err}
		}
	}
	return nil
}

func (m *Manager) notIn(s State) []string {
	var out []string
	for _, svc := range m.Services() {
		if !svc.Core().IsState(s) {
			out = append(out, svc.Name())
		}
	}
	return out
}
