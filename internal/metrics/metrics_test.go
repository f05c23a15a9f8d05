package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.PacketSent(mqtt.CONNECT)
	m.PacketReceived(mqtt.CONNACK)
	m.PacketReceived(mqtt.PUBLISH)
	m.PacketReceived(mqtt.PUBLISH)
	m.SetConnected(true)
	m.MessagePublished(1)
	m.MessageReceived()
	m.MessageDropped()
	m.MessagesDrainedAdd(3)
	m.SetSubscriptions(2)
	m.ObserveCycle(time.Millisecond, nil)
	m.ObserveCycle(time.Millisecond, errors.New("boom"))
	m.ConnectionError("cycle")

	tests := []struct {
		name     string
		got      float64
		expected float64
	}{
		{"packets out CONNECT", testutil.ToFloat64(m.Packets.WithLabelValues("out", "CONNECT")), 1},
		{"packets in PUBLISH", testutil.ToFloat64(m.Packets.WithLabelValues("in", "PUBLISH")), 2},
		{"connected", testutil.ToFloat64(m.Connected), 1},
		{"published qos 1", testutil.ToFloat64(m.MessagesPublished.WithLabelValues("1")), 1},
		{"received", testutil.ToFloat64(m.MessagesReceived), 1},
		{"dropped", testutil.ToFloat64(m.MessagesDropped), 1},
		{"drained", testutil.ToFloat64(m.MessagesDrained), 3},
		{"subscriptions", testutil.ToFloat64(m.Subscriptions), 2},
		{"cycles ok", testutil.ToFloat64(m.Cycles.WithLabelValues("ok")), 1},
		{"cycles error", testutil.ToFloat64(m.Cycles.WithLabelValues("error")), 1},
		{"connection errors", testutil.ToFloat64(m.ConnectionErrors.WithLabelValues("cycle")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, tt.got)
		}
	}

	if n := testutil.CollectAndCount(m.CycleDuration); n != 1 {
		t.Errorf("cycle duration: expected 1 series, got %d", n)
	}
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.PacketSent(mqtt.PUBLISH)
	m.PacketReceived(mqtt.PUBLISH)
	m.SetConnected(false)
	m.ConnectionError("connect")
	m.MessagePublished(0)
	m.MessageReceived()
	m.MessageDropped()
	m.MessagesDrainedAdd(1)
	m.SetSubscriptions(0)
	m.ObserveCycle(0, nil)
}

func TestSeparateRegistries(t *testing.T) {
	// 两个客户端各自注册不会冲突
	New(prometheus.NewRegistry(), "a")
	New(prometheus.NewRegistry(), "a")
}
