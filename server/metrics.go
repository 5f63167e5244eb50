package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "server",
		Name:      "connections_accepted_total",
		Help:      "Connections accepted by the listener.",
	})
	metricConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Subsystem: "server",
		Name:      "connections_active",
		Help:      "Currently open connections.",
	})
	metricPacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "server",
		Name:      "packets_received_total",
		Help:      "Packets extracted from client streams.",
	})
	metricPacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "server",
		Name:      "packets_sent_total",
		Help:      "Packets enqueued for delivery to clients.",
	})
	metricMessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "server",
		Name:      "messages_relayed_total",
		Help:      "Text, media and reaction packets relayed to recipients.",
	})
	metricHandlerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "server",
		Name:      "handler_failures_total",
		Help:      "Handler invocations that returned an error or panicked.",
	})
)
