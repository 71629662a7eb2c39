// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BoardingsTotal counts verification attempts by terminal outcome.
	BoardingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartbus_boardings_total",
		Help: "Boarding verification attempts by outcome.",
	}, []string{"outcome"})

	// HeartbeatsTotal counts driver position updates.
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smartbus_heartbeats_total",
		Help: "Driver heartbeat position updates received.",
	})

	// NotificationsTotal counts guardian notification outcomes.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartbus_notifications_total",
		Help: "Guardian notification attempts by status.",
	}, []string{"status"})
)
