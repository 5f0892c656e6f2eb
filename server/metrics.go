package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var prom struct {
	requests      *prometheus.CounterVec
	handleSeconds prometheus.Histogram
	offloaded     prometheus.Counter
}

func init() {
	prom.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetrpc",
		Subsystem: "server",
		Name:      "requests",
		Help:      "requests dispatched by the server, by outcome",
	}, []string{"outcome"})
	prom.handleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetrpc",
		Subsystem: "server",
		Name:      "handle_seconds",
		Help:      "time spent in the middleware pipeline and handler",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	prom.offloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetrpc",
		Subsystem: "server",
		Name:      "offloaded",
		Help:      "request frames handed to task workers",
	})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	if err := registry.Register(prom.requests); err != nil {
		return err
	}
	if err := registry.Register(prom.handleSeconds); err != nil {
		return err
	}
	return registry.Register(prom.offloaded)
}

func observe(start time.Time, failed bool) {
	prom.handleSeconds.Observe(time.Since(start).Seconds())
	if failed {
		prom.requests.WithLabelValues("error").Inc()
	} else {
		prom.requests.WithLabelValues("ok").Inc()
	}
}
