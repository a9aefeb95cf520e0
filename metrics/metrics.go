// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgprelay"

var (
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Number of signature verifications by result",
		},
		[]string{"result"},
	)
	messagesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Number of messages persisted by the relay",
		},
	)
	fastPathDeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fast_path_deliveries_total",
			Help:      "Number of messages handed straight to an online recipient",
		},
	)
	catchUpDeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catch_up_deliveries_total",
			Help:      "Number of queued messages delivered after authentication",
		},
	)
	strokesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strokes_appended_total",
			Help:      "Number of whiteboard strokes appended",
		},
	)
	whiteboardClears = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "whiteboard_clears_total",
			Help:      "Number of whiteboard clears",
		},
	)
	openConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of open websocket connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		handshakes,
		messagesStored,
		fastPathDeliveries,
		catchUpDeliveries,
		strokesAppended,
		whiteboardClears,
		openConnections,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func Handshake(result string) {
	handshakes.With(prometheus.Labels{"result": result}).Inc()
}

func MessageStored() {
	messagesStored.Inc()
}

func FastPathDelivery() {
	fastPathDeliveries.Inc()
}

func CatchUpDelivery() {
	catchUpDeliveries.Inc()
}

func StrokeAppended() {
	strokesAppended.Inc()
}

func WhiteboardCleared() {
	whiteboardClears.Inc()
}

func ConnectionOpened() {
	openConnections.Inc()
}

func ConnectionClosed() {
	openConnections.Dec()
}
