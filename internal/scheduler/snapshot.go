package scheduler

import (
	"time"

	"lockstep/internal/pool"
)

type ServiceSnapshot struct {
	Name     string         `json:"name"`
	ID       int32          `json:"id"`
	State    string         `json:"state"`
	Error    string         `json:"error,omitempty"`
	Invokers []InvokerStats `json:"invokers,omitempty"`
}

// Snapshot is a diagnostics view of the manager.
type Snapshot struct {
	Name              string            `json:"name"`
	Phase             string            `json:"phase"`
	Tick              uint64            `json:"tick"`
	Uptime            time.Duration     `json:"uptime"`
	TickInterval      time.Duration     `json:"tick_interval"`
	ShutdownRequested bool              `json:"shutdown_requested"`
	ShutdownReason    string            `json:"shutdown_reason,omitempty"`
	Services          []ServiceSnapshot `json:"services"`
	Invokers          []InvokerStats    `json:"invokers,omitempty"`
	Pool              pool.Snapshot     `json:"pool"`
}

func (m *Manager) Snapshot() Snapshot {
	ti := m.TimeInfo()
	snap := Snapshot{
		Name:              m.name,
		Phase:             m.Phase().String(),
		Tick:              m.Ticks(),
		Uptime:            ti.Uptime(),
		TickInterval:      m.TickInterval(),
		ShutdownRequested: m.ShouldShutdown(),
		ShutdownReason:    m.ShutdownReason(),
	}
	for _, svc := range m.Services() {
		b := svc.Core()
		ss := ServiceSnapshot{Name: svc.Name(), ID: svc.ServiceID(), State: b.State().String()}
		if err := b.Err(); err != nil {
			ss.Error = err.Error()
		}
		for _, inv := range b.Invokers() {
			ss.Invokers = append(ss.Invokers, inv.Stats())
		}
		snap.Services = append(snap.Services, ss)
	}
	for _, inv := range m.globalInvokers() {
		snap.Invokers = append(snap.Invokers, inv.Stats())
	}
	if p := m.Pool(); p != nil {
		snap.Pool = p.Snapshot()
	}
	return snap
}
