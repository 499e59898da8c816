// Package metrics holds the prometheus collectors of asmux
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReceivedEvents counts events received from the homeserver
	ReceivedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_received_events",
		Help: "Number of incoming events",
	}, []string{"type"})
	// DroppedEvents counts events no bridge was interested in
	DroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_dropped_events",
		Help: "Number of events with no target appservice",
	}, []string{"type"})
	AcceptedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_accepted_events",
		Help: "Number of events that have a target appservice",
	}, []string{"owner", "bridge", "type"})
	SuccessfulEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_successful_events",
		Help: "Number of events that were successfully sent to the target appservice",
	}, []string{"owner", "bridge", "type"})
	FailedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_failed_events",
		Help: "Number of events that could not be sent to the target appservice",
	}, []string{"owner", "bridge", "type"})
	ExpiredPDUs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asmux_expired_pdus",
		Help: "Number of queued PDUs dropped for being too old",
	}, []string{"owner", "bridge"})
	ConnectedWebsockets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asmux_connected_websockets",
		Help: "Bridges connected to the appservice transaction websocket",
	}, []string{"owner", "bridge"})
)

// CountTypes increments metric once per event type, labelled with the bridge
func CountTypes(metric *prometheus.CounterVec, owner, bridge string, types []string) {
	for _, evtType := range types {
		metric.WithLabelValues(owner, bridge, evtType).Inc()
	}
}
