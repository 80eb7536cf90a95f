package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaysock/server/internal/session"
)

type metrics struct {
	registry *prometheus.Registry

	created  prometheus.Counter
	evicted  prometheus.Counter
	attaches *prometheus.CounterVec
	inbound  *prometheus.CounterVec
}

// newMetrics builds a private collector registry so several servers can live
// in one process.
func newMetrics(sessions *session.Registry) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaysock",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions created.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaysock",
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Sessions removed by their disconnect timeout.",
		}),
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysock",
			Subsystem: "transport",
			Name:      "attach_total",
			Help:      "Transport attach attempts.",
		}, []string{"transport", "result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysock",
			Subsystem: "transport",
			Name:      "inbound_messages_total",
			Help:      "Messages delivered to sessions.",
		}, []string{"transport"}),
	}
	open := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relaysock",
		Subsystem: "sessions",
		Name:      "open",
		Help:      "Sessions currently registered.",
	}, func() float64 { return float64(sessions.Count()) })

	m.registry.MustRegister(m.created, m.evicted, m.attaches, m.inbound, open)
	return m
}

func (m *metrics) recordAttach(transport string, err error) {
	result := "ok"
	if err != nil {
		result = "refused"
	}
	m.attaches.WithLabelValues(transport, result).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
