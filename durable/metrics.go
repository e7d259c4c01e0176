package durable

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	socketsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainrpc",
		Subsystem: "durable",
		Name:      "sockets_open",
		Help:      "Number of WebSocket connections currently accepted by instances.",
	})

	downstreamSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainrpc",
		Subsystem: "durable",
		Name:      "downstream_messages_total",
		Help:      "Total downstream messages pushed to connected sockets.",
	})

	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainrpc",
		Subsystem: "durable",
		Name:      "batches_total",
		Help:      "Total RPC batches executed by instances.",
	})
)
