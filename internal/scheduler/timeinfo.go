package scheduler

import "time"

// TimeInfo is the conductor's view of time for one tick.
type TimeInfo struct {
	Now     time.Time
	Start   time.Time
	Elapsed time.Duration // since the previous tick, never negative
	Tick    uint64
}

func (ti TimeInfo) Uptime() time.Duration {
	if ti.Start.IsZero() {
		return 0
	}
	return ti.Now.Sub(ti.Start)
}
