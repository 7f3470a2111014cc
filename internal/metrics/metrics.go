// Package metrics exposes Prometheus instrumentation for the sampling loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sweeney/gasmeter-sensor/internal/logic"
)

const namespace = "gasmeter"

// Sampling metrics
var (
	// SamplesTotal counts successful sensor reads by level
	SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Sensor samples read, by level",
		},
		[]string{"level"},
	)

	// GPIOReadErrors counts failed sensor reads (the tick is skipped)
	GPIOReadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gpio_read_errors_total",
			Help:      "Sensor reads that failed",
		},
	)

	// HighCount is the current saturating HIGH counter
	HighCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "high_count",
			Help:      "Current debounce HIGH counter",
		},
	)

	// LowCount is the current saturating LOW counter
	LowCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "low_count",
			Help:      "Current debounce LOW counter",
		},
	)
)

// Event and publishing metrics
var (
	// EventsTotal counts confirmed transitions by direction
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Confirmed transitions, by direction",
		},
		[]string{"direction"},
	)

	// PublishErrors counts MQTT publish failures
	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "MQTT publishes that failed",
		},
	)

	// MQTTConnected is 1 while the broker connection is up
	MQTTConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "Whether the MQTT connection is up (1) or down (0)",
		},
	)

	// MQTTBuffered is the number of events waiting for a reconnect
	MQTTBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_buffered_events",
			Help:      "Events queued while the MQTT connection is down",
		},
	)
)

// ObserveSample records one successful read and the resulting counters.
func ObserveSample(level logic.Level, st logic.State) {
	SamplesTotal.WithLabelValues(string(level)).Inc()
	HighCount.Set(float64(st.HighCount))
	LowCount.Set(float64(st.LowCount))
}

// ObserveEvent records a confirmed transition.
func ObserveEvent(e logic.Event) {
	EventsTotal.WithLabelValues(string(e.Direction)).Inc()
}

// SetMQTTConnected mirrors the connection state into MQTTConnected.
func SetMQTTConnected(connected bool) {
	if connected {
		MQTTConnected.Set(1)
	} else {
		MQTTConnected.Set(0)
	}
}

// SetMQTTBuffered mirrors the offline backlog depth into MQTTBuffered.
func SetMQTTBuffered(n int) {
	MQTTBuffered.Set(float64(n))
}
