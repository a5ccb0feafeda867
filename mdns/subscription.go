package mdns

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/threadbr/go-otbr/dnssd"
	"golang.org/x/exp/slices"
)

type serviceSubscription struct {
	p *Publisher

	serviceType  string
	instanceName string

	browseRef   dnssd.ServiceRef
	resolutions []*instanceResolution
}

type instanceResolution struct {
	sub *serviceSubscription

	instanceName string
	serviceType  string
	domain       string
	ifIndex      uint32

	ref   dnssd.ServiceRef
	info  DiscoveredInstanceInfo
	begin time.Time
}

type hostSubscription struct {
	p *Publisher

	hostName string
	ref      dnssd.ServiceRef
	info     DiscoveredHostInfo
	begin    time.Time
}

// SubscribeService browses for instances of serviceType, or resolves a
// single instance when instanceName is not empty. Results are reported to
// the discovery observers.
func (p *Publisher) SubscribeService(serviceType, instanceName string) {
	if p.state != StateReady {
		p.log.Infof("ignoring subscription to service %s.%s while %s", instanceName, serviceType, p.state)
		return
	}

	sub := &serviceSubscription{p: p, serviceType: serviceType, instanceName: instanceName}
	p.serviceSubs = append(p.serviceSubs, sub)

	p.log.Infof("subscribed to service %s.%s", instanceName, serviceType)

	if instanceName != "" {
		sub.resolve(dnssd.InterfaceIndexAny, instanceName, serviceType, dnssd.LocalDomain)
	} else {
		sub.browse()
	}
}

// UnsubscribeService cancels the subscription and every resolution in
// flight without reporting them.
func (p *Publisher) UnsubscribeService(serviceType, instanceName string) {
	if p.state != StateReady {
		p.log.Infof("ignoring unsubscription from service %s.%s while %s", instanceName, serviceType, p.state)
		return
	}

	idx := slices.IndexFunc(p.serviceSubs, func(s *serviceSubscription) bool {
		return s.serviceType == serviceType && s.instanceName == instanceName
	})
	if idx < 0 {
		panic(fmt.Sprintf("mdns: no subscription to service %s.%s", instanceName, serviceType))
	}

	sub := p.serviceSubs[idx]
	p.serviceSubs = slices.Delete(p.serviceSubs, idx, idx+1)
	sub.release()

	p.log.Infof("unsubscribed from service %s.%s", instanceName, serviceType)
}

func (p *Publisher) SubscribeHost(hostName string) {
	if p.state != StateReady {
		p.log.Infof("ignoring subscription to host %s while %s", hostName, p.state)
		return
	}

	sub := &hostSubscription{p: p, hostName: hostName, begin: time.Now()}
	p.hostSubs = append(p.hostSubs, sub)

	p.log.Infof("subscribed to host %s", hostName)
	sub.start()
}

func (p *Publisher) UnsubscribeHost(hostName string) {
	if p.state != StateReady {
		p.log.Infof("ignoring unsubscription from host %s while %s", hostName, p.state)
		return
	}

	idx := slices.IndexFunc(p.hostSubs, func(s *hostSubscription) bool { return s.hostName == hostName })
	if idx < 0 {
		panic(fmt.Sprintf("mdns: no subscription to host %s", hostName))
	}

	sub := p.hostSubs[idx]
	p.hostSubs = slices.Delete(p.hostSubs, idx, idx+1)
	sub.release()

	p.log.Infof("unsubscribed from host %s", hostName)
}

func (s *serviceSubscription) alive() bool {
	return slices.Contains(s.p.serviceSubs, s)
}

func (s *serviceSubscription) release() {
	s.p.release(s.browseRef)
	s.browseRef = nil

	resolutions := s.resolutions
	s.resolutions = nil
	for _, res := range resolutions {
		s.p.release(res.ref)
		res.ref = nil
	}
}

func (s *serviceSubscription) browse() {
	ref, err := s.p.client.Browse(0, dnssd.InterfaceIndexAny, s.serviceType, "", s.handleBrowse)
	if err != nil {
		s.p.log.WithError(issueError(err)).Errorf("failed browsing for %s", s.serviceType)
		s.p.onServiceResolveFailed(s.serviceType, s.instanceName, dnssd.CodeOf(err), time.Time{})
		return
	}

	s.browseRef = ref
	s.p.track(ref)
}

func (s *serviceSubscription) handleBrowse(flags dnssd.Flags, ifIndex uint32, code dnssd.ErrorCode, name, _, domain string) {
	if !s.alive() {
		return
	}

	if code != dnssd.NoError {
		s.p.release(s.browseRef)
		s.browseRef = nil
		s.p.onServiceResolveFailed(s.serviceType, s.instanceName, code, time.Time{})
		return
	}

	if flags&dnssd.FlagsAdd == 0 {
		// a resolution still in flight runs to its own outcome
		s.p.onServiceRemoved(ifIndex, s.serviceType, name)
		return
	}

	s.p.log.Debugf("browsed service %s.%s on interface %d", name, s.serviceType, ifIndex)
	s.resolve(ifIndex, name, s.serviceType, domain)
}

func (s *serviceSubscription) resolve(ifIndex uint32, instanceName, serviceType, domain string) {
	res := &instanceResolution{
		sub:          s,
		instanceName: instanceName,
		serviceType:  serviceType,
		domain:       domain,
		ifIndex:      ifIndex,
		begin:        time.Now(),
	}
	s.resolutions = append(s.resolutions, res)
	res.start()
}

func (r *instanceResolution) alive() bool {
	return r.sub.alive() && slices.Contains(r.sub.resolutions, r)
}

func (r *instanceResolution) start() {
	p := r.sub.p

	ref, err := p.client.Resolve(dnssd.FlagsTimeout, r.ifIndex, r.instanceName, r.serviceType, r.domain, r.handleResolve)
	if err != nil {
		p.log.WithError(issueError(err)).Errorf("failed resolving service %s.%s", r.instanceName, r.serviceType)
		r.finish(dnssd.CodeOf(err))
		return
	}

	r.ref = ref
	p.track(ref)
}

func (r *instanceResolution) handleResolve(_ dnssd.Flags, ifIndex uint32, code dnssd.ErrorCode, fullName, hostTarget string, port uint16, txt []byte) {
	if !r.alive() {
		return
	}

	p := r.sub.p
	if code != dnssd.NoError {
		r.finish(code)
		return
	}

	name, _, _, err := dnssd.SplitFullServiceInstanceName(fullName)
	if err != nil {
		p.log.WithError(err).Warnf("responder returned malformed instance name")
		r.finish(dnssd.ErrBadParam)
		return
	}

	r.info = DiscoveredInstanceInfo{
		NetifIndex: ifIndex,
		Name:       name,
		HostName:   hostTarget,
		Port:       port,
		TxtData:    slices.Clone(txt),
	}

	p.log.Debugf("resolved service %s.%s to %s:%d", name, r.serviceType, hostTarget, port)

	p.release(r.ref)
	r.ref = nil

	ref, err := p.client.GetAddrInfo(dnssd.FlagsTimeout, ifIndex, dnssd.ProtocolIPv6|dnssd.ProtocolIPv4, hostTarget, r.handleAddrInfo)
	if err != nil {
		p.log.WithError(issueError(err)).Errorf("failed looking up addresses of %s", hostTarget)
		r.finish(dnssd.CodeOf(err))
		return
	}

	r.ref = ref
	p.track(ref)
}

// acceptServiceAddress keeps only addresses a remote peer can reach.
func acceptServiceAddress(addr netip.Addr) bool {
	return addr.Is6() && !addr.Is4In6() &&
		!addr.IsUnspecified() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsMulticast() &&
		!addr.IsLoopback()
}

func (r *instanceResolution) handleAddrInfo(flags dnssd.Flags, _ uint32, code dnssd.ErrorCode, _ string, addr netip.Addr, ttl uint32) {
	if !r.alive() {
		return
	}

	if code != dnssd.NoError {
		r.finish(code)
		return
	}

	if flags&dnssd.FlagsAdd == 0 {
		return
	}

	if !acceptServiceAddress(addr) {
		r.sub.p.log.Debugf("ignoring address %s of %s", addr, r.info.HostName)
		return
	}

	r.info.Addresses = append(r.info.Addresses, addr)
	r.info.TTL = ttl
	r.finish(dnssd.NoError)
}

// finish detaches the resolution before reporting, observers may
// unsubscribe from within the callback.
func (r *instanceResolution) finish(code dnssd.ErrorCode) {
	p := r.sub.p

	r.sub.resolutions = slices.DeleteFunc(r.sub.resolutions, func(o *instanceResolution) bool { return o == r })
	p.release(r.ref)
	r.ref = nil

	if code == dnssd.NoError {
		p.onServiceResolved(r.serviceType, r.info, r.begin)
	} else {
		p.onServiceResolveFailed(r.serviceType, r.instanceName, code, r.begin)
	}
}

func (h *hostSubscription) alive() bool {
	return slices.Contains(h.p.hostSubs, h)
}

func (h *hostSubscription) release() {
	h.p.release(h.ref)
	h.ref = nil
}

func (h *hostSubscription) start() {
	fullName := makeFullHostName(h.hostName)

	ref, err := h.p.client.GetAddrInfo(0, dnssd.InterfaceIndexAny, dnssd.ProtocolIPv6|dnssd.ProtocolIPv4, fullName, h.handleAddrInfo)
	if err != nil {
		h.p.log.WithError(issueError(err)).Errorf("failed looking up addresses of %s", fullName)
		h.p.onHostResolveFailed(h.hostName, dnssd.CodeOf(err), h.begin)
		return
	}

	h.ref = ref
	h.p.track(ref)
}

// handleAddrInfo reports the accumulated addresses on every new one, the
// subscription stays open until it is cancelled.
func (h *hostSubscription) handleAddrInfo(flags dnssd.Flags, ifIndex uint32, code dnssd.ErrorCode, hostName string, addr netip.Addr, ttl uint32) {
	if !h.alive() {
		return
	}

	if code != dnssd.NoError {
		begin := h.begin
		h.begin = time.Time{}
		h.p.onHostResolveFailed(h.hostName, code, begin)
		return
	}

	if flags&dnssd.FlagsAdd == 0 {
		return
	}

	if !addr.Is6() || addr.Is4In6() {
		h.p.log.Debugf("ignoring non IPv6 address %s of %s", addr, hostName)
		return
	}

	if addr.IsLinkLocalUnicast() {
		h.p.log.Debugf("ignoring link local address %s of %s", addr, hostName)
		return
	}

	h.info.HostName = hostName
	h.info.NetifIndex = ifIndex
	h.info.TTL = ttl
	h.info.Addresses = append(h.info.Addresses, addr)

	info := h.info
	info.Addresses = slices.Clone(h.info.Addresses)

	begin := h.begin
	h.begin = time.Time{}
	h.p.onHostResolved(h.hostName, info, begin)
}
