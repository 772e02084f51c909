// Package metrics provides the prometheus collector for the execution engine.
// Internal; not part of the public API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates engine metrics. A nil *Collector is valid and records
// nothing, so components can take it optionally.
type Collector struct {
	tasksTotal         *prometheus.CounterVec
	executionsTotal    *prometheus.CounterVec
	executionDuration  prometheus.Histogram
	actionDuration     prometheus.Histogram
	actionRetries      prometheus.Counter
	identityRetries    prometheus.Counter
	checkpointSaves    prometheus.Counter
	checkpointRestores prometheus.Counter
	proxyDeaths        prometheus.Counter
	proxyAvailable     prometheus.Gauge
	workersInFlight    prometheus.Gauge
}

// NewCollector registers engine metrics with reg under namespace. A nil
// registerer uses the default prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks by terminal status",
		}, []string{"status"}),
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Flow executions by outcome",
		}, []string{"outcome"}),
		executionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of one flow execution",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		actionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of one dispatched browser action",
			Buckets:   prometheus.DefBuckets,
		}),
		actionRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_retries_total",
			Help:      "In-place action retries after script failures",
		}),
		identityRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_retries_total",
			Help:      "Identity replacements after connectivity failures",
		}),
		checkpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoint snapshots captured",
		}),
		checkpointRestores: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_restores_total",
			Help:      "Executions resumed from a checkpoint snapshot",
		}),
		proxyDeaths: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_deaths_total",
			Help:      "Proxies evicted after consecutive failures",
		}),
		proxyAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxies_available",
			Help:      "Proxies currently eligible for checkout",
		}),
		workersInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_in_flight",
			Help:      "Flow executions currently running",
		}),
	}
}

func (c *Collector) TaskFinished(status string) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(status).Inc()
}

func (c *Collector) ExecutionFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(outcome).Inc()
	c.executionDuration.Observe(d.Seconds())
}

func (c *Collector) ActionDispatched(d time.Duration) {
	if c == nil {
		return
	}
	c.actionDuration.Observe(d.Seconds())
}

func (c *Collector) ActionRetried() {
	if c == nil {
		return
	}
	c.actionRetries.Inc()
}

func (c *Collector) IdentityRetried() {
	if c == nil {
		return
	}
	c.identityRetries.Inc()
}

func (c *Collector) CheckpointSaved() {
	if c == nil {
		return
	}
	c.checkpointSaves.Inc()
}

func (c *Collector) CheckpointRestored() {
	if c == nil {
		return
	}
	c.checkpointRestores.Inc()
}

func (c *Collector) ProxyDied() {
	if c == nil {
		return
	}
	c.proxyDeaths.Inc()
}

func (c *Collector) SetProxiesAvailable(n int) {
	if c == nil {
		return
	}
	c.proxyAvailable.Set(float64(n))
}

func (c *Collector) WorkerStarted() {
	if c == nil {
		return
	}
	c.workersInFlight.Inc()
}

func (c *Collector) WorkerFinished() {
	if c == nil {
		return
	}
	c.workersInFlight.Dec()
}
