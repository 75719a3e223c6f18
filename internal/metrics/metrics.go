// Package metrics exports Prometheus collectors for the protocol client and
// the mount controller. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	gatherer prometheus.Gatherer

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	ConnectAttempts  prometheus.Counter
	Connected        prometheus.Gauge
	MountState       *prometheus.GaugeVec
	ParkResults      *prometheus.CounterVec
}

// New registers the collectors against reg, defaulting to the global
// registry when nil. Registering twice against the same registry reuses the
// existing collectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sent, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indigo_messages_sent_total",
		Help: "Messages written to the INDIGO server, labeled by message kind.",
	}, []string{"kind"}))
	if err != nil {
		return nil, err
	}
	received, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indigo_messages_received_total",
		Help: "Messages read from the INDIGO server, labeled by message kind.",
	}, []string{"kind"}))
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indigo_messages_dropped_total",
		Help: "Inbound lines that were not dispatched, labeled by reason (parse, unhandled).",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}
	attempts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indigo_connect_attempts_total",
		Help: "TCP connection attempts to the INDIGO server.",
	}))
	if err != nil {
		return nil, err
	}
	connected, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "indigo_connected",
		Help: "1 while the INDIGO connection is live.",
	}))
	if err != nil {
		return nil, err
	}
	state, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mount_state",
		Help: "1 for the mount controller's current state, 0 for the others.",
	}, []string{"state"}))
	if err != nil {
		return nil, err
	}
	park, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mount_park_total",
		Help: "Park operations, labeled by result (converged, timeout).",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		MessagesSent:     sent,
		MessagesReceived: received,
		MessagesDropped:  dropped,
		ConnectAttempts:  attempts,
		Connected:        connected,
		MountState:       state,
		ParkResults:      park,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) Sent(kind string) {
	if c == nil {
		return
	}
	c.MessagesSent.WithLabelValues(kind).Inc()
}

func (c *Collector) Received(kind string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(kind).Inc()
}

func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) ConnectAttempt() {
	if c == nil {
		return
	}
	c.ConnectAttempts.Inc()
}

func (c *Collector) SetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.Connected.Set(1)
	} else {
		c.Connected.Set(0)
	}
}

// SetMountState marks current as the active state out of all.
func (c *Collector) SetMountState(current string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		c.MountState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) Park(converged bool) {
	if c == nil {
		return
	}
	result := "timeout"
	if converged {
		result = "converged"
	}
	c.ParkResults.WithLabelValues(result).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}
