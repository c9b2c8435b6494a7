// Package metrics exposes worker and queue counters over Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the orchestrator's Prometheus instruments on a private
// registry.
type Collector struct {
	registry *prometheus.Registry

	PlansEnqueued prometheus.Counter
	TasksClaimed  prometheus.Counter
	TasksSucceed  prometheus.Counter
	TasksFailed   *prometheus.CounterVec
	Retries       prometheus.Counter
}

// NewCollector creates and registers the instrument set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		PlansEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orcq_plans_enqueued_total",
			Help: "Plans accepted by the enqueue protocol.",
		}),
		TasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orcq_tasks_claimed_total",
			Help: "Subtask claims (queued -> running transitions).",
		}),
		TasksSucceed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orcq_tasks_succeeded_total",
			Help: "Subtasks that completed with exit code 0.",
		}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orcq_tasks_failed_total",
			Help: "Subtask failures by classified kind.",
		}, []string{"kind"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orcq_retries_total",
			Help: "Failed subtasks re-queued by the retry policy.",
		}),
	}

	c.registry.MustRegister(c.PlansEnqueued, c.TasksClaimed, c.TasksSucceed, c.TasksFailed, c.Retries)
	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve blocks serving /metrics on addr.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
