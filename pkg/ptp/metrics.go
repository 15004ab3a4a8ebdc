package ptp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics Prometheus метрики движка синхронизации.
// С nil Registerer коллекторы создаются без регистрации (удобно в тестах).
type Metrics struct {
	offset        prometheus.Gauge
	delay         prometheus.Gauge
	isMaster      prometheus.Gauge
	syncsTotal    prometheus.Counter
	messagesTotal *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
}

// NewMetrics создает метрики в пространстве имен aes67_ptp
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		offset: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aes67",
			Subsystem: "ptp",
			Name:      "offset_seconds",
			Help:      "Current offset of the local clock from the PTP master",
		}),
		delay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aes67",
			Subsystem: "ptp",
			Name:      "path_delay_seconds",
			Help:      "Last measured mean path delay to the PTP master",
		}),
		isMaster: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aes67",
			Subsystem: "ptp",
			Name:      "is_master",
			Help:      "1 when the local clock is the PTP master of the domain",
		}),
		syncsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aes67",
			Subsystem: "ptp",
			Name:      "syncs_total",
			Help:      "Completed Sync/Delay_Req round trips",
		}),
		messagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aes67",
			Subsystem: "ptp",
			Name:      "messages_received_total",
			Help:      "PTP messages received by type",
		}, []string{"type"}),
		droppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aes67",
			Subsystem: "ptp",
			Name:      "messages_dropped_total",
			Help:      "PTP messages discarded by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) observeSync(offset, delay Timestamp) {
	m.offset.Set(offset.Duration().Seconds())
	m.delay.Set(delay.Duration().Seconds())
	m.syncsTotal.Inc()
}

func (m *Metrics) setMaster(master bool) {
	if master {
		m.isMaster.Set(1)
		m.offset.Set(0)
		return
	}
	m.isMaster.Set(0)
}

func (m *Metrics) received(t MessageType) {
	m.messagesTotal.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) dropped(reason string) {
	m.droppedTotal.WithLabelValues(reason).Inc()
}
