// Package metrics exposes Prometheus instrumentation for the bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counters
	CommandCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bt2mqtt_commands_total",
		Help: "The total number of queued BLE commands executed",
	}, []string{"command", "status"})

	MessageCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bt2mqtt_mqtt_messages_total",
		Help: "The total number of MQTT messages handled by the bridge",
	}, []string{"direction"})

	UnlockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bt2mqtt_unlock_attempts_total",
		Help: "The total number of passkey unlock attempts per device",
	}, []string{"device", "status"})

	// Gauges
	ConnectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bt2mqtt_connected_devices",
		Help: "The number of currently connected blind devices",
	})
)

// Direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

// IncCommand increments the command counter.
func IncCommand(command, status string) {
	CommandCount.WithLabelValues(command, status).Inc()
}

// IncMessage increments the MQTT message counter.
func IncMessage(direction string) {
	MessageCount.WithLabelValues(direction).Inc()
}

// IncUnlockAttempt increments the unlock attempt counter.
func IncUnlockAttempt(device, status string) {
	UnlockAttempts.WithLabelValues(device, status).Inc()
}

// Serve starts the metrics HTTP endpoint on addr in a background
// goroutine; a listen error is discarded. Shutdown stops it.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
