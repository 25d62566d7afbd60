// Package metrics exposes prometheus instrumentation for the sampler and the
// negative sampling layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nsloss"

// Collector groups the counters recorded during training. A nil *Collector
// is valid and records nothing.
type Collector struct {
	SamplesDrawn  prometheus.Counter
	ForwardCalls  *prometheus.CounterVec
	ExampleLoss   prometheus.Histogram
	BackwardCalls prometheus.Counter
	Steps         prometheus.Counter
}

// New registers the collector's metrics on reg. Passing nil uses a fresh
// registry, which keeps tests independent of the global one.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collector{
		SamplesDrawn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negative_samples_drawn_total",
			Help:      "Negative labels drawn from the alias sampler.",
		}),
		ForwardCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_calls_total",
			Help:      "Negative sampling forward passes, by reduction.",
		}, []string{"reduce"}),
		ExampleLoss: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "example_loss",
			Help:      "Mean per-example negative sampling loss of each forward pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		BackwardCalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backward_calls_total",
			Help:      "Negative sampling backward passes.",
		}),
		Steps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_steps_total",
			Help:      "Optimizer steps taken by the trainer.",
		}),
	}
}

func (c *Collector) ObserveForward(reduce string, batch, samples int, meanLoss float64) {
	if c == nil {
		return
	}
	c.ForwardCalls.WithLabelValues(reduce).Inc()
	c.SamplesDrawn.Add(float64(batch * samples))
	c.ExampleLoss.Observe(meanLoss)
}

func (c *Collector) ObserveBackward() {
	if c == nil {
		return
	}
	c.BackwardCalls.Inc()
}

func (c *Collector) ObserveStep() {
	if c == nil {
		return
	}
	c.Steps.Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
