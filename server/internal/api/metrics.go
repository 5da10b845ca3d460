package api

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	requests *prometheus.CounterVec
	served   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loghaven_server_agent_requests_total",
			Help: "Agent protocol requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		served: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loghaven_server_configs_served_total",
			Help: "Pipeline config bodies returned to agents.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.served)
	}
	return m
}
