package telemetry

import "github.com/prometheus/client_golang/prometheus"

const (
	livelookNamespace string = "livelook"
	signalSubsystem   string = "signal"
)

var (
	promSessionTotal        prometheus.Gauge
	promRoomTotal           prometheus.Gauge
	promEventQueueDepth     prometheus.Gauge
	promActionCounter       *prometheus.CounterVec
	promEventCounter        *prometheus.CounterVec
	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promSessionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "session",
		Name:      "total",
	})

	promRoomTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "room",
		Name:      "total",
	})

	promEventQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: signalSubsystem,
		Name:      "event_queue_depth",
	})

	promActionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: signalSubsystem,
			Name:      "actions_total",
		},
		[]string{"action", "status", "error_type"},
	)

	// status is one of published, retried, dead_lettered, dropped
	promEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: signalSubsystem,
			Name:      "events_total",
		},
		[]string{"type", "status"},
	)

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livelookNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": "1"},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promSessionTotal)
	prometheus.MustRegister(promRoomTotal)
	prometheus.MustRegister(promEventQueueDepth)
	prometheus.MustRegister(promActionCounter)
	prometheus.MustRegister(promEventCounter)
	prometheus.MustRegister(ServiceOperationCounter)
}

func SessionStarted() {
	promSessionTotal.Inc()
}

func SessionStopped() {
	promSessionTotal.Dec()
}

func RoomCreated() {
	promRoomTotal.Inc()
}

func RoomClosed() {
	promRoomTotal.Dec()
}

// ActionHandled counts a client action. errorType is empty on success.
func ActionHandled(action, errorType string) {
	status := "success"
	if errorType != "" {
		status = "error"
	}
	promActionCounter.WithLabelValues(action, status, errorType).Inc()
}

func EventOutcome(eventType, status string) {
	promEventCounter.WithLabelValues(eventType, status).Inc()
}

func EventQueueDepth(n int) {
	promEventQueueDepth.Set(float64(n))
}
