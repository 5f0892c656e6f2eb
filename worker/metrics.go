package worker

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	respawns      prometheus.Counter
	tasks         *prometheus.CounterVec
	workers       *prometheus.GaugeVec
	rejectedConns prometheus.Counter
}

func init() {
	prom.respawns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetrpc",
		Subsystem: "worker",
		Name:      "respawns",
		Help:      "number of workers respawned after they exited",
	})
	prom.tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetrpc",
		Subsystem: "worker",
		Name:      "tasks",
		Help:      "number of offloaded tasks per lifecycle step",
	}, []string{"step"})
	prom.workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetrpc",
		Subsystem: "worker",
		Name:      "alive",
		Help:      "number of running workers per kind",
	}, []string{"kind"})
	prom.rejectedConns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetrpc",
		Subsystem: "worker",
		Name:      "rejected_connections",
		Help:      "number of connections closed by the max connections guard",
	})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	if err := registry.Register(prom.respawns); err != nil {
		return err
	}
	if err := registry.Register(prom.tasks); err != nil {
		return err
	}
	if err := registry.Register(prom.workers); err != nil {
		return err
	}
	if err := registry.Register(prom.rejectedConns); err != nil {
		return err
	}
	return nil
}
