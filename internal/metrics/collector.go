// Package metrics exposes manager and pool state as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"lockstep/internal/scheduler"
)

// Source is what the collector reads on every scrape.
type Source interface {
	Snapshot() scheduler.Snapshot
}

// Collector implements prometheus.Collector.
// All values come from a single snapshot per scrape.
type Collector struct {
	src Source

	// gauges
	phase        *prometheus.Desc
	uptime       *prometheus.Desc
	serviceState *prometheus.Desc
	queueLen     *prometheus.Desc
	queueCap     *prometheus.Desc
	inFlight     *prometheus.Desc
	workers      *prometheus.Desc

	// counters
	ticks          *prometheus.Desc
	tasks          *prometheus.Desc
	dropped        *prometheus.Desc
	panics         *prometheus.Desc
	invokerFires   *prometheus.Desc
	invokerSkips   *prometheus.Desc
	invokerFails   *prometheus.Desc
	invokerExecSec *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,

		phase: prometheus.NewDesc(
			"lockstep_manager_phase",
			"Current lifecycle phase (1 for the active phase label)",
			[]string{"manager", "phase"},
			nil,
		),
		uptime: prometheus.NewDesc(
			"lockstep_manager_uptime_seconds",
			"Seconds since the manager started executing",
			[]string{"manager"},
			nil,
		),
		serviceState: prometheus.NewDesc(
			"lockstep_service_state",
			"Current service state (1 for the active state label)",
			[]string{"service", "state"},
			nil,
		),
		queueLen: prometheus.NewDesc(
			"lockstep_pool_queue_length",
			"Tasks waiting in the pool queue",
			nil,
			nil,
		),
		queueCap: prometheus.NewDesc(
			"lockstep_pool_queue_capacity",
			"Pool queue capacity",
			nil,
			nil,
		),
		inFlight: prometheus.NewDesc(
			"lockstep_pool_in_flight",
			"Tasks currently running on workers",
			nil,
			nil,
		),
		workers: prometheus.NewDesc(
			"lockstep_pool_workers",
			"Configured worker count",
			nil,
			nil,
		),

		ticks: prometheus.NewDesc(
			"lockstep_manager_ticks_total",
			"Total number of conductor ticks",
			[]string{"manager"},
			nil,
		),
		tasks: prometheus.NewDesc(
			"lockstep_pool_tasks_total",
			"Total number of pool tasks by outcome",
			[]string{"outcome"},
			nil,
		),
		dropped: prometheus.NewDesc(
			"lockstep_pool_dropped_total",
			"Total number of tasks dropped before running",
			[]string{"reason"},
			nil,
		),
		panics: prometheus.NewDesc(
			"lockstep_pool_panics_total",
			"Total number of recovered task panics",
			nil,
			nil,
		),
		invokerFires: prometheus.NewDesc(
			"lockstep_invoker_fires_total",
			"Total number of invoker executions",
			[]string{"owner", "invoker", "type"},
			nil,
		),
		invokerSkips: prometheus.NewDesc(
			"lockstep_invoker_skipped_total",
			"Total number of firings skipped because the invoker was busy",
			[]string{"owner", "invoker", "type"},
			nil,
		),
		invokerFails: prometheus.NewDesc(
			"lockstep_invoker_failures_total",
			"Total number of invoker executions that failed",
			[]string{"owner", "invoker", "type"},
			nil,
		),
		invokerExecSec: prometheus.NewDesc(
			"lockstep_invoker_execute_seconds_total",
			"Accumulated time spent executing",
			[]string{"owner", "invoker", "type"},
			nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.phase
	ch <- c.uptime
	ch <- c.serviceState
	ch <- c.queueLen
	ch <- c.queueCap
	ch <- c.inFlight
	ch <- c.workers
	ch <- c.ticks
	ch <- c.tasks
	ch <- c.dropped
	ch <- c.panics
	ch <- c.invokerFires
	ch <- c.invokerSkips
	ch <- c.invokerFails
	ch <- c.invokerExecSec
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.phase, prometheus.GaugeValue, 1, snap.Name, snap.Phase)
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, snap.Uptime.Seconds(), snap.Name)
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(snap.Tick), snap.Name)

	for _, s := range snap.Services {
		ch <- prometheus.MustNewConstMetric(c.serviceState, prometheus.GaugeValue, 1, s.Name, s.State)
		for _, inv := range s.Invokers {
			c.collectInvoker(ch, inv)
		}
	}
	for _, inv := range snap.Invokers {
		c.collectInvoker(ch, inv)
	}

	p := snap.Pool
	ch <- prometheus.MustNewConstMetric(c.queueLen, prometheus.GaugeValue, float64(p.QueueLen))
	ch <- prometheus.MustNewConstMetric(c.queueCap, prometheus.GaugeValue, float64(p.QueueCap))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(p.InFlight))
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(p.Workers))

	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(p.Submitted), "submitted")
	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(p.Completed), "completed")
	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(p.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(p.DroppedQueueFull), "queue_full")
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(p.DroppedStale), "stale")
	ch <- prometheus.MustNewConstMetric(c.panics, prometheus.CounterValue, float64(p.Panics))
}

func (c *Collector) collectInvoker(ch chan<- prometheus.Metric, inv scheduler.InvokerStats) {
	owner := inv.Owner
	if owner == "" {
		owner = "manager"
	}
	ch <- prometheus.MustNewConstMetric(c.invokerFires, prometheus.CounterValue, float64(inv.Fires), owner, inv.Name, inv.Type)
	ch <- prometheus.MustNewConstMetric(c.invokerSkips, prometheus.CounterValue, float64(inv.Skipped), owner, inv.Name, inv.Type)
	ch <- prometheus.MustNewConstMetric(c.invokerFails, prometheus.CounterValue, float64(inv.Failures), owner, inv.Name, inv.Type)
	ch <- prometheus.MustNewConstMetric(c.invokerExecSec, prometheus.CounterValue, inv.ExecuteTime.Seconds(), owner, inv.Name, inv.Type)
}

// NewRegistry returns a registry with the collector plus the Go and process collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
