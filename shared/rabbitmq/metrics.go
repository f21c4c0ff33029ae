package rabbitmq

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connectionUp  prometheus.Gauge
	reconnects    prometheus.Counter
	channelSetups *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		connectionUp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "rabbitmq",
			Name:      "connection_up",
			Help:      "Whether the broker connection is currently established (1/0).",
		}),
		reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rabbitmq",
			Name:      "reconnects_total",
			Help:      "Total number of broker connection losses followed by a reconnect attempt.",
		}),
		channelSetups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rabbitmq",
			Name:      "channel_setups_total",
			Help:      "Total number of channel setup runs.",
		}, []string{"channel", "result"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
