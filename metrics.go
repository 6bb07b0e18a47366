// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fmuc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fmuc"

// Metrics holds the Prometheus collectors updated by handlers.
// One set is shared by all rooms of a service.
// A nil *Metrics records nothing.
type Metrics struct {
	InboundLinks  prometheus.Gauge
	OutboundLinks prometheus.Gauge
	PendingEchoes prometheus.Gauge

	Negotiations  *prometheus.CounterVec
	JoinRequests  *prometheus.CounterVec
	Propagated    *prometheus.CounterVec
	EchoesMatched prometheus.Counter
	Malformed     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InboundLinks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "inbound_links",
			Help:      "Number of joining nodes currently accepted.",
		}),
		OutboundLinks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "outbound_links",
			Help:      "Number of joined nodes currently attached to.",
		}),
		PendingEchoes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_echoes",
			Help:      "Stanzas sent to master-slave peers that were not echoed yet.",
		}),
		Negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "negotiations_total",
			Help:      "Outbound join negotiations by result.",
		}, []string{"result"}),
		JoinRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "join_requests_total",
			Help:      "Inbound join requests by result.",
		}, []string{"result"}),
		Propagated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "propagated_total",
			Help:      "Stanzas sent to federated nodes by direction.",
		}, []string{"direction"}),
		EchoesMatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "echoes_matched_total",
			Help:      "Echoes received from master-slave peers that released a waiting stanza.",
		}),
		Malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_total",
			Help:      "Federated stanzas dropped because they could not be understood.",
		}),
	}
}

func (m *Metrics) linkAdded(k linkKind) {
	if m == nil {
		return
	}
	if k == outboundLink {
		m.OutboundLinks.Inc()
		return
	}
	m.InboundLinks.Inc()
}

func (m *Metrics) linkRemoved(k linkKind) {
	if m == nil {
		return
	}
	if k == outboundLink {
		m.OutboundLinks.Dec()
		return
	}
	m.InboundLinks.Dec()
}

func (m *Metrics) echoes(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.PendingEchoes.Add(float64(delta))
}

func (m *Metrics) negotiation(r joinResult) {
	if m == nil {
		return
	}
	m.Negotiations.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) negotiationAborted() {
	if m == nil {
		return
	}
	m.Negotiations.WithLabelValues("aborted").Inc()
}

func (m *Metrics) joinRequest(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.JoinRequests.WithLabelValues("accepted").Inc()
		return
	}
	m.JoinRequests.WithLabelValues("rejected").Inc()
}

func (m *Metrics) propagated(k linkKind) {
	if m == nil {
		return
	}
	m.Propagated.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) echoMatched() {
	if m == nil {
		return
	}
	m.EchoesMatched.Inc()
	m.PendingEchoes.Dec()
}

func (m *Metrics) malformed() {
	if m == nil {
		return
	}
	m.Malformed.Inc()
}
