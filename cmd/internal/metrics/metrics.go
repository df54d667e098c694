// Package metrics holds Harbor's Prometheus instruments. It is a separate
// package so both the app wiring and the realtime gateway can share one set
// without an import cycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles every instrument the messaging core emits.
// A nil *Set is valid everywhere and records nothing.
type Set struct {
	ConnectionsActive prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	MessagesSent      prometheus.Counter
	EventsInbound     *prometheus.CounterVec
	PushesDelivered   prometheus.Counter
	PushesDropped     prometheus.Counter
	RateLimited       prometheus.Counter
	AuthFailures      prometheus.Counter
}

// New registers the instruments on reg and returns the set.
func New(reg prometheus.Registerer) *Set {
	f := promauto.With(reg)
	return &Set{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "harbor_ws_connections_active",
			Help: "Currently open realtime connections.",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "harbor_presence_online_users",
			Help: "Users with at least one live connection.",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "harbor_messages_sent_total",
			Help: "Messages accepted and persisted.",
		}),
		EventsInbound: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_ws_events_inbound_total",
			Help: "Inbound realtime events by type.",
		}, []string{"type"}),
		PushesDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "harbor_ws_pushes_delivered_total",
			Help: "Envelopes enqueued to client send queues.",
		}),
		PushesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "harbor_ws_pushes_dropped_total",
			Help: "Envelopes dropped under backpressure or for offline users.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "harbor_sends_rate_limited_total",
			Help: "Send attempts rejected by the per-sender window.",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "harbor_ws_auth_failures_total",
			Help: "Realtime connections rejected during authentication.",
		}),
	}
}

// ---- nil-safe helpers ----

// ConnOpened records a connection being accepted.
func (s *Set) ConnOpened() {
	if s != nil {
		s.ConnectionsActive.Inc()
	}
}

// ConnClosed records a connection going away.
func (s *Set) ConnClosed() {
	if s != nil {
		s.ConnectionsActive.Dec()
	}
}

// SetOnlineUsers records the current presence population.
func (s *Set) SetOnlineUsers(n int) {
	if s != nil {
		s.OnlineUsers.Set(float64(n))
	}
}

// MessageSent records an accepted send.
func (s *Set) MessageSent() {
	if s != nil {
		s.MessagesSent.Inc()
	}
}

// EventInbound records an inbound realtime event by type.
func (s *Set) EventInbound(typ string) {
	if s != nil {
		s.EventsInbound.WithLabelValues(typ).Inc()
	}
}

// PushDelivered records an envelope enqueued for delivery.
func (s *Set) PushDelivered() {
	if s != nil {
		s.PushesDelivered.Inc()
	}
}

// PushDropped records an envelope dropped without delivery.
func (s *Set) PushDropped() {
	if s != nil {
		s.PushesDropped.Inc()
	}
}

// RateLimitedSend records a send rejected by the limiter.
func (s *Set) RateLimitedSend() {
	if s != nil {
		s.RateLimited.Inc()
	}
}

// AuthFailure records a rejected connection authentication.
func (s *Set) AuthFailure() {
	if s != nil {
		s.AuthFailures.Inc()
	}
}
