package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var prom struct {
	sends       *prometheus.CounterVec
	errors      *prometheus.CounterVec
	sendSeconds prometheus.Histogram
	poolWaits   prometheus.Histogram
}

func init() {
	prom.sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetrpc",
		Subsystem: "transport",
		Name:      "sends",
		Help:      "number of request/response cycles by outcome",
	}, []string{"outcome"})
	prom.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetrpc",
		Subsystem: "transport",
		Name:      "errors",
		Help:      "number of connection errors by kind",
	}, []string{"kind"})
	prom.sendSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetrpc",
		Subsystem: "transport",
		Name:      "send_seconds",
		Help:      "seconds from writing a request until its response frame was read",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	})
	prom.poolWaits = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetrpc",
		Subsystem: "transport",
		Name:      "pool_wait_seconds",
		Help:      "seconds a caller waited to borrow a pooled transporter",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	if err := registry.Register(prom.sends); err != nil {
		return err
	}
	if err := registry.Register(prom.errors); err != nil {
		return err
	}
	if err := registry.Register(prom.sendSeconds); err != nil {
		return err
	}
	if err := registry.Register(prom.poolWaits); err != nil {
		return err
	}
	return nil
}

func observeSend(start time.Time, err error) {
	if err != nil {
		prom.sends.WithLabelValues("error").Inc()
		return
	}
	prom.sends.WithLabelValues("ok").Inc()
	prom.sendSeconds.Observe(time.Since(start).Seconds())
}
