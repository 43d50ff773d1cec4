package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peers    prometheus.Gauge
	messages *prometheus.CounterVec

	messageCounter metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "chainbridge_p2p_peers",
				Help: "Number of peers registered with the message pipeline.",
			}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainbridge_p2p_messages_total",
				Help: "Count of messages by direction and command.",
			}, []string{"direction", "command"}),
		}
		prometheus.MustRegister(nm.peers, nm.messages)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("chainbridge/p2p")
	counter, err := meter.Int64Counter("chainbridge.p2p.messages")
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("chainbridge/p2p").Int64Counter("chainbridge.p2p.messages")
	}
	m.messageCounter = counter
}

func (m *networkMetrics) observe(direction, command string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messages.WithLabelValues(direction, command).Add(float64(n))
	m.messageCounter.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("command", command),
	))
}
