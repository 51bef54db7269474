// Package metrics exposes pool and engine activity as Prometheus
// collectors, generalized from the teacher's hand-rolled
// monitoring.LiveMetrics/LatencyBucket shapes (internal/monitoring) into
// the idiomatic client_golang equivalents: gauges for pool size/busy,
// counters for created/evicted kernels and retries, and a histogram
// vector for execution latency keyed by outcome.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors satisfies pool.Metrics and engine.Metrics and registers
// itself with reg on construction.
type Collectors struct {
	poolSize       prometheus.Gauge
	poolBusy       prometheus.Gauge
	kernelsCreated prometheus.Counter
	kernelsEvicted prometheus.Counter
	retries        prometheus.Counter
	executions     *prometheus.CounterVec
	executionSecs  *prometheus.HistogramVec
}

// New registers and returns the broker's collectors against reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernelbroker",
			Subsystem: "pool",
			Name:      "size",
			Help:      "Current number of kernels owned by the pool.",
		}),
		poolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernelbroker",
			Subsystem: "pool",
			Name:      "busy",
			Help:      "Current number of kernels driving an execution.",
		}),
		kernelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernelbroker",
			Subsystem: "pool",
			Name:      "kernels_created_total",
			Help:      "Total kernels created by the pool, including replacements.",
		}),
		kernelsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernelbroker",
			Subsystem: "pool",
			Name:      "kernels_evicted_total",
			Help:      "Total kernels evicted for exceeding the failure threshold or failing a health probe.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernelbroker",
			Subsystem: "engine",
			Name:      "retries_total",
			Help:      "Total execution retries issued after a failed attempt.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelbroker",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total executions by outcome.",
		}, []string{"outcome"}),
		executionSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kernelbroker",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Execution wall-clock duration by outcome, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.poolSize,
		c.poolBusy,
		c.kernelsCreated,
		c.kernelsEvicted,
		c.retries,
		c.executions,
		c.executionSecs,
	)
	return c
}

func (c *Collectors) SetPoolSize(n int) { c.poolSize.Set(float64(n)) }
func (c *Collectors) SetBusy(n int)     { c.poolBusy.Set(float64(n)) }
func (c *Collectors) IncKernelCreated() { c.kernelsCreated.Inc() }
func (c *Collectors) IncKernelEvicted() { c.kernelsEvicted.Inc() }
func (c *Collectors) IncRetry()         { c.retries.Inc() }

// ObserveExecution records one finished Execute call's outcome
// ("success", "remote_error", "failure", "cancelled") and duration.
func (c *Collectors) ObserveExecution(outcome string, d time.Duration) {
	c.executions.WithLabelValues(outcome).Inc()
	c.executionSecs.WithLabelValues(outcome).Observe(d.Seconds())
}
