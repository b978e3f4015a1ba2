// Package trigger fires passive invokers on cron or interval schedules.
//
// It only decides when. The work runs on the scheduler's worker pool, or on
// the invoker's own pool when it is offloaded.
package trigger
