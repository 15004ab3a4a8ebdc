package aes67

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics Prometheus метрики менеджера каналов
type Metrics struct {
	channels        prometheus.Gauge
	packetsSent     prometheus.Counter
	packetsWithheld prometheus.Counter
	sendErrors      prometheus.Counter
	underruns       prometheus.Counter
	announcements   *prometheus.CounterVec
	discovered      prometheus.Gauge
	sapErrors       prometheus.Counter
}

// NewMetrics создает метрики в пространстве имен aes67; nil Registerer не регистрирует их
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aes67",
			Name:      "channels_active",
			Help:      "Outbound AES67 channels",
		}),
		packetsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aes67",
			Subsystem: "rtp",
			Name:      "packets_sent_total",
			Help:      "RTP packets handed to transports",
		}),
		packetsWithheld: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aes67",
			Subsystem: "rtp",
			Name:      "packets_withheld_total",
			Help:      "Timer ticks skipped because PTP time is not established",
		}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aes67",
			Subsystem: "rtp",
			Name:      "send_errors_total",
			Help:      "Failed RTP sends",
		}),
		underruns: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aes67",
			Subsystem: "rtp",
			Name:      "underruns_total",
			Help:      "Send deadlines reached with an empty packet queue",
		}),
		announcements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aes67",
			Subsystem: "sap",
			Name:      "messages_sent_total",
			Help:      "SAP messages sent by type",
		}, []string{"type"}),
		discovered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aes67",
			Subsystem: "sap",
			Name:      "discovered_sessions",
			Help:      "Live remote sessions in the discovery table",
		}),
		sapErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aes67",
			Subsystem: "sap",
			Name:      "invalid_messages_total",
			Help:      "Received SAP datagrams that failed to parse",
		}),
	}
}
