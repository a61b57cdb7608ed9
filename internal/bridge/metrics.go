// Copyright 2025 Tom Barlow
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

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes bridge health for the /metrics endpoint.
type Metrics struct {
	PeerConnected prometheus.Gauge
	PendingCalls  prometheus.Gauge
	Dispatches    *prometheus.CounterVec
	Outcomes      *prometheus.CounterVec
}

// NewMetrics registers bridge metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "browsehand_peer_connected",
			Help: "1 if a browser extension is currently connected, 0 otherwise.",
		}),
		PendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "browsehand_pending_calls",
			Help: "Number of dispatched calls awaiting a reply.",
		}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "browsehand_dispatches_total",
			Help: "Calls dispatched to the extension, by operation.",
		}, []string{"op"}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "browsehand_outcomes_total",
			Help: "Settled call outcomes, by operation and result.",
		}, []string{"op", "result"}),
	}
}

// Outcome result label values.
const (
	resultSuccess   = "success"
	resultTimeout   = "timeout"
	resultPeerError = "peer_error"
	resultClosed    = "closed"
)
