package mdns

import (
	"net/netip"
	"time"

	"github.com/threadbr/go-otbr/dnssd"
)

// ResultCallback receives the outcome of a publish or unpublish request.
// It is invoked exactly once.
type ResultCallback func(err error)

// DiscoveredInstanceInfo describes a resolved service instance. Priority and
// weight are not available from the responder and are always zero.
type DiscoveredInstanceInfo struct {
	Removed    bool
	NetifIndex uint32
	Name       string
	HostName   string
	Addresses  []netip.Addr
	Port       uint16
	Priority   uint16
	Weight     uint16
	TxtData    []byte
	TTL        uint32
}

type DiscoveredHostInfo struct {
	HostName   string
	Addresses  []netip.Addr
	NetifIndex uint32
	TTL        uint32
}

type DiscoveryObserver interface {
	OnServiceResolved(serviceType string, info DiscoveredInstanceInfo)
	OnServiceRemoved(netifIndex uint32, serviceType, instanceName string)
	OnServiceResolveFailed(serviceType, instanceName string, code dnssd.ErrorCode)
	OnHostResolved(hostName string, info DiscoveredHostInfo)
	OnHostResolveFailed(hostName string, code dnssd.ErrorCode)
}

// DiscoveryCallbacks implements DiscoveryObserver with optional functions.
type DiscoveryCallbacks struct {
	ServiceResolved      func(serviceType string, info DiscoveredInstanceInfo)
	ServiceRemoved       func(netifIndex uint32, serviceType, instanceName string)
	ServiceResolveFailed func(serviceType, instanceName string, code dnssd.ErrorCode)
	HostResolved         func(hostName string, info DiscoveredHostInfo)
	HostResolveFailed    func(hostName string, code dnssd.ErrorCode)
}

func (c DiscoveryCallbacks) OnServiceResolved(serviceType string, info DiscoveredInstanceInfo) {
	if c.ServiceResolved != nil {
		c.ServiceResolved(serviceType, info)
	}
}

func (c DiscoveryCallbacks) OnServiceRemoved(netifIndex uint32, serviceType, instanceName string) {
	if c.ServiceRemoved != nil {
		c.ServiceRemoved(netifIndex, serviceType, instanceName)
	}
}

func (c DiscoveryCallbacks) OnServiceResolveFailed(serviceType, instanceName string, code dnssd.ErrorCode) {
	if c.ServiceResolveFailed != nil {
		c.ServiceResolveFailed(serviceType, instanceName, code)
	}
}

func (c DiscoveryCallbacks) OnHostResolved(hostName string, info DiscoveredHostInfo) {
	if c.HostResolved != nil {
		c.HostResolved(hostName, info)
	}
}

func (c DiscoveryCallbacks) OnHostResolveFailed(hostName string, code dnssd.ErrorCode) {
	if c.HostResolveFailed != nil {
		c.HostResolveFailed(hostName, code)
	}
}

// Metrics receives counters and latencies from the publisher.
type Metrics interface {
	RegistrationDone(kind string, err error)
	ServiceResolution(latency time.Duration, code dnssd.ErrorCode)
	HostResolution(latency time.Duration, code dnssd.ErrorCode)
	Reconnected()
}

type nopMetrics struct{}

func (nopMetrics) RegistrationDone(string, error) {}
func (nopMetrics) ServiceResolution(time.Duration, dnssd.ErrorCode) {}
func (nopMetrics) HostResolution(time.Duration, dnssd.ErrorCode) {}
func (nopMetrics) Reconnected() {}
