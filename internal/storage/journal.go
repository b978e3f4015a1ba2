package storage

import (
	"context"

	"lockstep/internal/scheduler"
)

// Journal adapts a Store to scheduler.Journal.
type Journal struct {
	Store Store
}

func (j Journal) AppendTransition(ctx context.Context, c scheduler.StateChange) error {
	return j.Store.AppendTransition(ctx, Transition{
		At:        c.At,
		Tick:      c.Tick,
		Service:   c.Service,
		ServiceID: c.ServiceID,
		From:      c.From.String(),
		To:        c.To.String(),
	})
}

func (j Journal) SaveInvokerStats(ctx context.Context, stats []scheduler.InvokerStats) error {
	out := make([]InvokerStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, InvokerStat{
			Owner:      st.Owner,
			Name:       st.Name,
			Type:       st.Type,
			Fires:      st.Fires,
			Skipped:    st.Skipped,
			Failures:   st.Failures,
			ExecuteMS:  st.ExecuteTime.Milliseconds(),
			ScheduleMS: st.ScheduleTime.Milliseconds(),
			IdleMS:     st.IdleTime.Milliseconds(),
		})
	}
	return j.Store.SaveInvokerStats(ctx, out)
}
