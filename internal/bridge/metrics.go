package bridge

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xiaozhi_bridge_connected",
		Help: "1 when the bridge is connected to the Xiaozhi endpoint.",
	})
	messagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xiaozhi_bridge_messages_sent_total",
		Help: "Messages forwarded to the Xiaozhi endpoint.",
	})
	messagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xiaozhi_bridge_messages_received_total",
		Help: "Messages received from the Xiaozhi endpoint.",
	})
	errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xiaozhi_bridge_errors_total",
		Help: "Transport and forwarding errors.",
	})
	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xiaozhi_bridge_reconnect_attempts_total",
		Help: "Remote leg reconnect attempts.",
	})
)

var metricsRegistry = prometheus.NewRegistry()

func init() {
	metricsRegistry.MustRegister(connectedGauge, messagesSentTotal, messagesReceivedTotal, errorsTotal, reconnectsTotal)
}

// StartMetricsServer exposes Prometheus metrics on /metrics and returns the
// address it is listening on.
func StartMetricsServer(ctx context.Context, addr string) (string, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	return serveUntilContext(ctx, addr, mux)
}
