// Package metrics exports publisher activity to prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otbr "github.com/threadbr/go-otbr"
	"github.com/threadbr/go-otbr/dnssd"
	"github.com/threadbr/go-otbr/mdns"
)

const namespace = "otbr"

type Metrics struct {
	registrations     *prometheus.CounterVec
	serviceResolution *prometheus.HistogramVec
	hostResolution    *prometheus.HistogramVec
	reconnects        prometheus.Counter
	publisherReady    prometheus.Gauge
	discoveryEvents   *prometheus.CounterVec
}

var (
	_ mdns.Metrics           = (*Metrics)(nil)
	_ mdns.StateObserver     = (*Metrics)(nil)
	_ mdns.DiscoveryObserver = (*Metrics)(nil)
)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mdns",
			Name:      "registrations_total",
			Help:      "Publish requests by kind (service, host, key) and outcome",
		}, []string{"kind", "result"}),
		serviceResolution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mdns",
			Name:      "service_resolution_seconds",
			Help:      "Time from browse result to resolved service instance",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"result"}),
		hostResolution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mdns",
			Name:      "host_resolution_seconds",
			Help:      "Time from host subscription to first address",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mdns",
			Name:      "responder_reconnects_total",
			Help:      "Times the publisher restarted after losing the responder",
		}),
		publisherReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mdns",
			Name:      "publisher_ready",
			Help:      "1 when the publisher accepts requests",
		}),
		discoveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mdns",
			Name:      "discovery_events_total",
			Help:      "Discovery results reported to observers by event",
		}, []string{"event"}),
	}

	for _, c := range []prometheus.Collector{
		m.registrations, m.serviceResolution, m.hostResolution, m.reconnects, m.publisherReady, m.discoveryEvents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// resultLabel keeps the label cardinality bounded to the error kinds.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, otbr.ErrAborted):
		return "aborted"
	case errors.Is(err, otbr.ErrDuplicated):
		return "duplicated"
	case errors.Is(err, otbr.ErrInvalidArgs):
		return "invalid_args"
	case errors.Is(err, otbr.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, otbr.ErrNotFound):
		return "not_found"
	case errors.Is(err, otbr.ErrNotImplemented):
		return "not_implemented"
	default:
		return "failed"
	}
}

func codeLabel(code dnssd.ErrorCode) string {
	switch code {
	case dnssd.NoError:
		return "ok"
	case dnssd.ErrTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

func (m *Metrics) RegistrationDone(kind string, err error) {
	m.registrations.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (m *Metrics) ServiceResolution(latency time.Duration, code dnssd.ErrorCode) {
	m.serviceResolution.WithLabelValues(codeLabel(code)).Observe(latency.Seconds())
}

func (m *Metrics) HostResolution(latency time.Duration, code dnssd.ErrorCode) {
	m.hostResolution.WithLabelValues(codeLabel(code)).Observe(latency.Seconds())
}

func (m *Metrics) Reconnected() {
	m.reconnects.Inc()
}

func (m *Metrics) HandleMdnsState(state mdns.State) {
	if state == mdns.StateReady {
		m.publisherReady.Set(1)
	} else {
		m.publisherReady.Set(0)
	}
}

func (m *Metrics) OnServiceResolved(string, mdns.DiscoveredInstanceInfo) {
	m.discoveryEvents.WithLabelValues("service_resolved").Inc()
}

func (m *Metrics) OnServiceRemoved(uint32, string, string) {
	m.discoveryEvents.WithLabelValues("service_removed").Inc()
}

func (m *Metrics) OnServiceResolveFailed(string, string, dnssd.ErrorCode) {
	m.discoveryEvents.WithLabelValues("service_failed").Inc()
}

func (m *Metrics) OnHostResolved(string, mdns.DiscoveredHostInfo) {
	m.discoveryEvents.WithLabelValues("host_resolved").Inc()
}

func (m *Metrics) OnHostResolveFailed(string, dnssd.ErrorCode) {
	m.discoveryEvents.WithLabelValues("host_failed").Inc()
}
