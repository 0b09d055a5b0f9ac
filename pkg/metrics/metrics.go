// Copyright 2025 The twinrelay-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesReceivedTotal counts inbound broker messages by kind.
	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinrelay_messages_received_total",
		Help: "The total number of inbound broker messages, by classified kind.",
	},
		[]string{"kind"},
	)

	// MessagesDroppedTotal counts inbound messages dropped before fan-out.
	MessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinrelay_messages_dropped_total",
		Help: "The total number of inbound broker messages dropped, by reason.",
	},
		[]string{"reason"},
	)

	// UpstreamPublishesTotal counts messages published to the upstream broker.
	UpstreamPublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinrelay_upstream_publishes_total",
		Help: "The total number of messages published to the upstream broker.",
	})

	// FanoutDeliveriesTotal counts outbound events queued to sessions.
	FanoutDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinrelay_fanout_deliveries_total",
		Help: "The total number of outbound events queued for delivery, by event name.",
	},
		[]string{"event"},
	)

	// SessionsDroppedTotal counts sessions disconnected for not draining
	// their send queue.
	SessionsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinrelay_sessions_dropped_total",
		Help: "The total number of sessions dropped for a full send queue.",
	})

	// SessionsConnected tracks the current number of realtime sessions.
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinrelay_sessions_connected",
		Help: "The current number of connected realtime sessions.",
	})

	// DevicesTracked tracks the current size of the device state store.
	DevicesTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinrelay_devices_tracked",
		Help: "The current number of devices with a last-known state record.",
	})

	// BrokerConnected reports whether the upstream connection is live.
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinrelay_broker_connected",
		Help: "Whether the upstream broker connection is currently established (1 or 0).",
	})
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
