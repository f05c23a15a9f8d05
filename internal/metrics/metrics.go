// Package metrics 客户端运行时的 Prometheus 指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// Metrics 一个客户端的全部指标, nil 指针可用且不记录任何数据
type Metrics struct {
	// 连接
	Connected        prometheus.Gauge
	ConnectionErrors *prometheus.CounterVec

	// 报文
	Packets *prometheus.CounterVec

	// 消息
	MessagesPublished *prometheus.CounterVec
	MessagesReceived  prometheus.Counter
	MessagesDropped   prometheus.Counter
	MessagesDrained   prometheus.Counter

	// 订阅
	Subscriptions prometheus.Gauge

	// 循环
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
}

// New 在 reg 上注册全部指标, reg 为 nil 时使用默认注册表
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "mqtt_client"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 when the client holds an established MQTT session",
		}),
		ConnectionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection level failures",
			},
			[]string{"operation"},
		),
		Packets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_total",
				Help:      "Total number of MQTT control packets by direction and type",
			},
			[]string{"direction", "type"},
		),
		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Total number of application messages published",
			},
			[]string{"qos"},
		),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound application messages dispatched",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_dropped_total",
			Help:      "Total number of inbound messages dropped because the mailbox was full",
		}),
		MessagesDrained: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_drained_total",
			Help:      "Total number of messages handed to the host",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Number of occupied subscription slots",
		}),
		Cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of cycle iterations by result",
			},
			[]string{"result"},
		),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one cycle iteration",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}

func (m *Metrics) PacketSent(packetType mqtt.PacketType) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues("out", packetType.String()).Inc()
}

func (m *Metrics) PacketReceived(packetType mqtt.PacketType) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues("in", packetType.String()).Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

func (m *Metrics) ConnectionError(operation string) {
	if m == nil {
		return
	}
	m.ConnectionErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) MessagePublished(qos byte) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(qosLabel(qos)).Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.MessagesDropped.Inc()
}

func (m *Metrics) MessagesDrainedAdd(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesDrained.Add(float64(n))
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

// ObserveCycle 记录一次 Cycle 的耗时和结果
func (m *Metrics) ObserveCycle(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Cycles.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func qosLabel(qos byte) string {
	switch qos {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	}
	return "invalid"
}
