// Package mdns implements the service discovery publisher. It advertises
// services, hosts and KEY records and discovers remote services and hosts
// through a dnssd.Client, driven by the agent mainloop.
package mdns

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	otbr "github.com/threadbr/go-otbr"
	"github.com/threadbr/go-otbr/dnssd"
	"github.com/threadbr/go-otbr/mainloop"
	"golang.org/x/exp/slices"
)

type discoveryObserverEntry struct {
	id       uint64
	observer DiscoveryObserver
}

// Publisher is not safe for concurrent use, every method must be called
// from the mainloop goroutine.
type Publisher struct {
	log     otbr.Logger
	client  dnssd.Client
	metrics Metrics

	state         State
	stateCallback StateCallback

	// conn is shared by host records and key records that are not
	// attached to a service
	conn    dnssd.ServiceRef
	handles map[dnssd.ServiceRef]struct{}

	serviceRegs map[serviceKey]*serviceRegistration
	hostRegs    map[string]*hostRegistration
	keyRegs     map[string]*keyRegistration

	serviceSubs []*serviceSubscription
	hostSubs    []*hostSubscription

	observers      []discoveryObserverEntry
	nextObserverId uint64
}

var _ mainloop.Processor = (*Publisher)(nil)

func New(log otbr.Logger, client dnssd.Client, cb StateCallback) *Publisher {
	if cb == nil {
		cb = func(State) {}
	}

	return &Publisher{
		log:           log,
		client:        client,
		metrics:       nopMetrics{},
		state:         StateIdle,
		stateCallback: cb,
		handles:       make(map[dnssd.ServiceRef]struct{}),
		serviceRegs:   make(map[serviceKey]*serviceRegistration),
		hostRegs:      make(map[string]*hostRegistration),
		keyRegs:       make(map[string]*keyRegistration),
	}
}

func (p *Publisher) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}

	p.metrics = m
}

func (p *Publisher) AddDiscoveryObserver(o DiscoveryObserver) uint64 {
	p.nextObserverId++
	p.observers = append(p.observers, discoveryObserverEntry{id: p.nextObserverId, observer: o})
	return p.nextObserverId
}

func (p *Publisher) RemoveDiscoveryObserver(id uint64) {
	p.observers = slices.DeleteFunc(p.observers, func(e discoveryObserverEntry) bool { return e.id == id })
}

// Start is not idempotent, calling it again announces StateReady again.
func (p *Publisher) Start() error {
	p.state = StateReady
	p.log.Infof("mdns publisher is ready")
	p.stateCallback(StateReady)
	return nil
}

func (p *Publisher) IsStarted() bool {
	return p.state == StateReady
}

func (p *Publisher) State() State {
	return p.state
}

// Stop tears down every registration and subscription. Pending publish
// callbacks fire with otbr.ErrAborted before Stop returns, subscriptions are
// dropped silently.
func (p *Publisher) Stop() {
	if p.state != StateReady {
		return
	}

	serviceRegs, hostRegs, keyRegs := p.serviceRegs, p.hostRegs, p.keyRegs
	p.serviceRegs = make(map[serviceKey]*serviceRegistration)
	p.hostRegs = make(map[string]*hostRegistration)
	p.keyRegs = make(map[string]*keyRegistration)

	serviceSubs, hostSubs := p.serviceSubs, p.hostSubs
	p.serviceSubs, p.hostSubs = nil, nil

	// callbacks fired below must not be able to publish again
	p.state = StateIdle

	for _, sub := range serviceSubs {
		sub.release()
	}
	for _, sub := range hostSubs {
		sub.release()
	}

	// keys may live on service handles, drop them before the services
	for _, reg := range keyRegs {
		p.teardownKey(reg, otbr.ErrAborted)
	}
	for _, reg := range serviceRegs {
		p.teardownService(reg, otbr.ErrAborted)
	}
	for _, reg := range hostRegs {
		p.teardownHost(reg, otbr.ErrAborted)
	}

	if p.conn != nil {
		p.release(p.conn)
		p.log.Debugf("released shared responder connection")
		p.conn = nil
	}

	for ref := range p.handles {
		p.log.Warnf("releasing leftover responder handle %d", ref.SockFD())
		p.release(ref)
	}

	p.log.Infof("mdns publisher stopped")
	p.stateCallback(StateIdle)
}

func (p *Publisher) track(ref dnssd.ServiceRef) {
	p.handles[ref] = struct{}{}
}

func (p *Publisher) release(ref dnssd.ServiceRef) {
	if ref == nil {
		return
	}

	delete(p.handles, ref)
	ref.Deallocate()
}

func (p *Publisher) owns(ref dnssd.ServiceRef) bool {
	_, ok := p.handles[ref]
	return ok
}

func (p *Publisher) allocateConnection() error {
	if p.conn != nil {
		return nil
	}

	ref, err := p.client.CreateConnection()
	if err != nil {
		return fmt.Errorf("failed creating responder connection: %w", issueError(err))
	}

	p.conn = ref
	p.track(ref)
	p.log.Debugf("created shared responder connection")
	return nil
}

// releaseConnectionIfUnused drops the shared connection when no record
// lives on it anymore.
func (p *Publisher) releaseConnectionIfUnused() {
	if p.conn == nil || len(p.hostRegs) > 0 {
		return
	}

	for _, reg := range p.keyRegs {
		if reg.service == nil {
			return
		}
	}

	p.release(p.conn)
	p.conn = nil
}

// Update adds every responder handle to the read set.
func (p *Publisher) Update(ctx *mainloop.Context) {
	for ref := range p.handles {
		if fd := ref.SockFD(); !ctx.AddFdToReadSet(fd) {
			p.log.Warnf("cannot watch responder handle with fd %d, its replies are lost", fd)
		}
	}
}

// Process dispatches replies on every readable handle. Reply callbacks may
// release other handles, those are skipped.
func (p *Publisher) Process(ctx *mainloop.Context) {
	var ready []dnssd.ServiceRef
	for ref := range p.handles {
		if fd := ref.SockFD(); fd >= 0 && ctx.IsReadable(fd) {
			ready = append(ready, ref)
		}
	}

	slices.SortFunc(ready, func(a, b dnssd.ServiceRef) int { return a.SockFD() - b.SockFD() })

	for _, ref := range ready {
		if !p.owns(ref) {
			continue
		}

		code := ref.ProcessResult()
		if code == dnssd.NoError {
			continue
		}

		if code == dnssd.ErrBadReference {
			p.log.Infof("failed processing responder result: %s", code)
		} else {
			p.log.Warnf("failed processing responder result: %s", code)
		}

		if code == dnssd.ErrServiceNotRunning {
			p.log.Warnf("lost connection to the responder, reconnecting")
			p.metrics.Reconnected()
			p.Stop()
			_ = p.Start()
			return
		}
	}
}

func (p *Publisher) invalidState(what string) error {
	return fmt.Errorf("failed %s: publisher is %s: %w", what, p.state, otbr.ErrInvalidState)
}

// PublishService registers an instance of serviceType. An empty hostName
// advertises the service on the local host. Publishing the same name and
// type with identical content joins the existing registration, different
// content replaces it.
func (p *Publisher) PublishService(hostName, name, serviceType string, subTypes []string, port uint16, txt []byte, cb ResultCallback) {
	if p.state != StateReady {
		cb(p.invalidState("publishing service"))
		return
	}

	sortedSubTypes := slices.Clone(subTypes)
	slices.Sort(sortedSubTypes)

	key := newServiceKey(name, serviceType)
	if existing := p.serviceRegs[key]; existing != nil {
		if existing.sameContent(hostName, sortedSubTypes, port, txt) {
			p.log.Debugf("service %s.%s already published", name, serviceType)
			existing.join(cb)
			return
		}

		p.log.Infof("replacing outdated service %s.%s", name, serviceType)
		p.removeServiceRegistration(key, otbr.ErrAborted)
	}

	reg := &serviceRegistration{
		key:         key,
		hostName:    hostName,
		name:        name,
		serviceType: serviceType,
		subTypes:    sortedSubTypes,
		port:        port,
		txt:         slices.Clone(txt),
	}
	reg.callbacks = []ResultCallback{p.countRegistration("service", cb)}

	var host string
	if hostName != "" {
		host = makeFullHostName(hostName)
	}

	regType := dnssd.MakeRegType(serviceType, sortedSubTypes)
	p.log.Infof("registering service %s.%s.local.", name, regType)

	ref, err := p.client.Register(dnssd.FlagsNoAutoRename, dnssd.InterfaceIndexAny, name, regType, "", host, port, txt,
		func(flags dnssd.Flags, code dnssd.ErrorCode, _, _, _ string) {
			p.handleServiceReply(reg, flags, code)
		})
	if err != nil {
		err = fmt.Errorf("failed registering service %s.%s: %w", name, serviceType, issueError(err))
		p.log.WithError(err).Errorf("failed publishing service")
		reg.complete(err)
		return
	}

	reg.ref = ref
	p.track(ref)
	p.serviceRegs[key] = reg
}

func (p *Publisher) handleServiceReply(reg *serviceRegistration, flags dnssd.Flags, code dnssd.ErrorCode) {
	if p.serviceRegs[reg.key] != reg {
		p.log.Debugf("dropping reply for stale service %s.%s", reg.name, reg.serviceType)
		return
	}

	if code == dnssd.NoError && flags&dnssd.FlagsAdd != 0 {
		if reg.completed {
			return
		}

		p.log.Infof("registered service %s.%s", reg.name, reg.serviceType)
		reg.complete(nil)

		for _, k := range p.keysOf(reg) {
			k.complete(nil)
		}
		return
	}

	var err error
	if code == dnssd.NoError {
		err = fmt.Errorf("service %s.%s withdrawn by the responder: %w", reg.name, reg.serviceType, otbr.ErrDuplicated)
	} else {
		err = fmt.Errorf("failed registering service %s.%s: %w", reg.name, reg.serviceType, TranslateError(code))
	}

	p.log.WithError(err).Errorf("service registration failed")
	p.removeServiceRegistration(reg.key, err)
}

// UnpublishService removes the registration if present. Absent services are
// not an error.
func (p *Publisher) UnpublishService(name, serviceType string, cb ResultCallback) {
	if p.state != StateReady {
		cb(p.invalidState("unpublishing service"))
		return
	}

	p.removeServiceRegistration(newServiceKey(name, serviceType), otbr.ErrAborted)
	cb(nil)
}

func (p *Publisher) removeServiceRegistration(key serviceKey, err error) {
	reg, ok := p.serviceRegs[key]
	if !ok {
		return
	}

	delete(p.serviceRegs, key)

	for _, k := range p.keysOf(reg) {
		delete(p.keyRegs, k.key)
		p.teardownKey(k, err)
	}

	p.teardownService(reg, err)
}

func (p *Publisher) teardownService(reg *serviceRegistration, err error) {
	p.log.Infof("removing service %s.%s", reg.name, reg.serviceType)
	p.release(reg.ref)
	reg.ref = nil
	reg.complete(err)
}

// keysOf returns the key registrations attached to reg.
func (p *Publisher) keysOf(reg *serviceRegistration) []*keyRegistration {
	var keys []*keyRegistration
	for _, k := range p.keyRegs {
		if k.service == reg {
			keys = append(keys, k)
		}
	}

	slices.SortFunc(keys, func(a, b *keyRegistration) int { return int(a.record) - int(b.record) })
	return keys
}

func (p *Publisher) findServiceByFullName(fullName string) *serviceRegistration {
	want := dns.CanonicalName(fullName)
	for _, reg := range p.serviceRegs {
		if dns.CanonicalName(reg.fullName()) == want {
			return reg
		}
	}

	return nil
}

// PublishHost advertises one AAAA record per address. The registration
// completes once every record has been confirmed.
func (p *Publisher) PublishHost(name string, addrs []netip.Addr, cb ResultCallback) {
	if p.state != StateReady {
		cb(p.invalidState("publishing host"))
		return
	}

	for _, addr := range addrs {
		if !addr.Is6() || addr.Is4In6() {
			cb(fmt.Errorf("invalid address %s for host %s: %w", addr, name, otbr.ErrInvalidArgs))
			return
		}
	}

	key := nameKey(name)
	if existing := p.hostRegs[key]; existing != nil {
		if existing.sameContent(addrs) {
			p.log.Debugf("host %s already published", name)
			existing.join(cb)
			return
		}

		p.log.Infof("replacing outdated host %s", name)
		p.removeHostRegistration(key, otbr.ErrAborted)
	}

	if len(addrs) == 0 {
		cb(nil)
		return
	}

	countedCb := p.countRegistration("host", cb)
	if err := p.allocateConnection(); err != nil {
		p.log.WithError(err).Errorf("failed publishing host %s", name)
		countedCb(err)
		return
	}

	reg := &hostRegistration{
		key:     key,
		name:    name,
		addrs:   sortedAddrs(addrs),
		records: make(map[dnssd.RecordRef]netip.Addr),
		pending: make(map[dnssd.RecordRef]struct{}),
	}
	reg.callbacks = []ResultCallback{countedCb}

	fullName := makeFullHostName(name)
	p.log.Infof("registering host %s", fullName)

	for _, addr := range reg.addrs {
		rec, err := p.client.RegisterRecord(p.conn, dnssd.FlagsShared, dnssd.InterfaceIndexAny, fullName,
			dns.TypeAAAA, dns.ClassINET, addr.AsSlice(), 0,
			func(rec dnssd.RecordRef, _ dnssd.Flags, code dnssd.ErrorCode) {
				p.handleHostReply(reg, rec, code)
			})
		if err != nil {
			err = fmt.Errorf("failed registering address %s for host %s: %w", addr, name, issueError(err))
			p.log.WithError(err).Errorf("failed publishing host")

			for rec := range reg.records {
				if err := p.client.RemoveRecord(p.conn, rec, 0); err != nil {
					p.log.WithError(err).Warnf("failed removing record for host %s", name)
				}
			}

			p.releaseConnectionIfUnused()
			reg.complete(err)
			return
		}

		reg.records[rec] = addr
		reg.pending[rec] = struct{}{}
	}

	p.hostRegs[key] = reg
}

func (p *Publisher) handleHostReply(reg *hostRegistration, rec dnssd.RecordRef, code dnssd.ErrorCode) {
	if p.hostRegs[reg.key] != reg {
		p.log.Debugf("dropping reply for stale host %s", reg.name)
		return
	}

	addr, ok := reg.records[rec]
	if !ok {
		return
	}

	if code != dnssd.NoError {
		err := fmt.Errorf("failed registering address %s for host %s: %w", addr, reg.name, TranslateError(code))
		p.log.WithError(err).Errorf("host registration failed")
		p.removeHostRegistration(reg.key, err)
		return
	}

	if _, ok := reg.pending[rec]; !ok {
		return
	}

	delete(reg.pending, rec)
	if len(reg.pending) == 0 {
		p.log.Infof("registered host %s", makeFullHostName(reg.name))
		reg.complete(nil)
	}
}

func (p *Publisher) UnpublishHost(name string, cb ResultCallback) {
	if p.state != StateReady {
		cb(p.invalidState("unpublishing host"))
		return
	}

	p.removeHostRegistration(nameKey(name), otbr.ErrAborted)
	cb(nil)
}

func (p *Publisher) removeHostRegistration(key string, err error) {
	reg, ok := p.hostRegs[key]
	if !ok {
		return
	}

	delete(p.hostRegs, key)
	p.teardownHost(reg, err)
}

func (p *Publisher) teardownHost(reg *hostRegistration, err error) {
	fullName := makeFullHostName(reg.name)
	p.log.Infof("removing host %s", fullName)

	recs := make([]dnssd.RecordRef, 0, len(reg.records))
	for rec := range reg.records {
		recs = append(recs, rec)
	}
	slices.Sort(recs)

	for _, rec := range recs {
		addr := reg.records[rec]
		if reg.completed {
			p.sendGoodbye(p.conn, rec, addr.AsSlice(), fmt.Sprintf("host %s address %s", fullName, addr))
		}

		if err := p.client.RemoveRecord(p.conn, rec, 0); err != nil {
			p.log.WithError(err).Warnf("failed removing record for host %s address %s", fullName, addr)
		}
	}

	reg.records = nil
	reg.complete(err)
}

// sendGoodbye lowers the record TTL to one second right before removal. The
// responder does not announce removed records, a TTL of one makes peers
// flush them from their caches.
func (p *Publisher) sendGoodbye(ref dnssd.ServiceRef, rec dnssd.RecordRef, rdata []byte, what string) {
	if err := p.client.UpdateRecord(ref, rec, dnssd.FlagsUnique, rdata, dnssd.GoodbyeTTL); err != nil {
		p.log.WithError(err).Warnf("failed sending goodbye for %s", what)
		return
	}

	p.log.Debugf("sent goodbye for %s", what)
}

// PublishKey advertises a KEY record under name. When a service with the
// same full name is registered the record is attached to it and completes
// together with the service.
func (p *Publisher) PublishKey(name string, data []byte, cb ResultCallback) {
	if p.state != StateReady {
		cb(p.invalidState("publishing key"))
		return
	}

	key := nameKey(name)
	if existing := p.keyRegs[key]; existing != nil {
		if existing.sameContent(data) {
			p.log.Debugf("key %s already published", name)
			existing.join(cb)
			return
		}

		p.log.Infof("replacing outdated key %s", name)
		p.removeKeyRegistration(key, otbr.ErrAborted)
	}

	fullName := makeFullKeyName(name)
	reg := &keyRegistration{key: key, name: name, data: slices.Clone(data)}
	reg.callbacks = []ResultCallback{p.countRegistration("key", cb)}

	p.log.Infof("registering key %s", fullName)

	if svc := p.findServiceByFullName(fullName); svc != nil {
		rec, err := p.client.AddRecord(svc.ref, dnssd.FlagsShared, dns.TypeKEY, data, 0)
		if err != nil {
			err = fmt.Errorf("failed adding key record to service %s: %w", fullName, issueError(err))
			p.log.WithError(err).Errorf("failed publishing key")
			reg.complete(err)
			return
		}

		reg.ref, reg.record, reg.service = svc.ref, rec, svc
		p.keyRegs[key] = reg

		if svc.completed {
			p.log.Infof("registered key %s", fullName)
			reg.complete(nil)
		}
		return
	}

	if err := p.allocateConnection(); err != nil {
		p.log.WithError(err).Errorf("failed publishing key %s", name)
		reg.complete(err)
		return
	}

	rec, err := p.client.RegisterRecord(p.conn, dnssd.FlagsUnique, dnssd.InterfaceIndexAny, fullName,
		dns.TypeKEY, dns.ClassINET, data, 0,
		func(_ dnssd.RecordRef, _ dnssd.Flags, code dnssd.ErrorCode) {
			p.handleKeyReply(reg, code)
		})
	if err != nil {
		err = fmt.Errorf("failed registering key %s: %w", fullName, issueError(err))
		p.log.WithError(err).Errorf("failed publishing key")
		p.releaseConnectionIfUnused()
		reg.complete(err)
		return
	}

	reg.ref, reg.record = p.conn, rec
	p.keyRegs[key] = reg
}

func (p *Publisher) handleKeyReply(reg *keyRegistration, code dnssd.ErrorCode) {
	if p.keyRegs[reg.key] != reg {
		p.log.Debugf("dropping reply for stale key %s", reg.name)
		return
	}

	if code != dnssd.NoError {
		err := fmt.Errorf("failed registering key %s: %w", makeFullKeyName(reg.name), TranslateError(code))
		p.log.WithError(err).Errorf("key registration failed")
		p.removeKeyRegistration(reg.key, err)
		return
	}

	if !reg.completed {
		p.log.Infof("registered key %s", makeFullKeyName(reg.name))
		reg.complete(nil)
	}
}

func (p *Publisher) UnpublishKey(name string, cb ResultCallback) {
	if p.state != StateReady {
		cb(p.invalidState("unpublishing key"))
		return
	}

	p.removeKeyRegistration(nameKey(name), otbr.ErrAborted)
	cb(nil)
}

func (p *Publisher) removeKeyRegistration(key string, err error) {
	reg, ok := p.keyRegs[key]
	if !ok {
		return
	}

	delete(p.keyRegs, key)
	p.teardownKey(reg, err)
}

func (p *Publisher) teardownKey(reg *keyRegistration, err error) {
	fullName := makeFullKeyName(reg.name)
	p.log.Infof("removing key %s", fullName)

	if reg.completed {
		p.sendGoodbye(reg.ref, reg.record, reg.data, "key "+fullName)
	}

	if err := p.client.RemoveRecord(reg.ref, reg.record, 0); err != nil {
		p.log.WithError(err).Warnf("failed removing key record %s", fullName)
	}

	reg.complete(err)
}

// countRegistration wraps cb so that the outcome is reported to metrics.
func (p *Publisher) countRegistration(kind string, cb ResultCallback) ResultCallback {
	return func(err error) {
		p.metrics.RegistrationDone(kind, err)
		cb(err)
	}
}

func (p *Publisher) discoveryObservers() []discoveryObserverEntry {
	return slices.Clone(p.observers)
}

func (p *Publisher) observing(id uint64) bool {
	return slices.ContainsFunc(p.observers, func(e discoveryObserverEntry) bool { return e.id == id })
}

func (p *Publisher) notify(fn func(o DiscoveryObserver)) {
	for _, e := range p.discoveryObservers() {
		// an earlier observer may have removed this one
		if p.observing(e.id) {
			fn(e.observer)
		}
	}
}

func (p *Publisher) onServiceResolved(serviceType string, info DiscoveredInstanceInfo, begin time.Time) {
	p.log.Infof("resolved service %s.%s at %s:%d (%v)", info.Name, serviceType, info.HostName, info.Port, info.Addresses)
	p.metrics.ServiceResolution(time.Since(begin), dnssd.NoError)
	p.notify(func(o DiscoveryObserver) { o.OnServiceResolved(serviceType, info) })
}

func (p *Publisher) onServiceResolveFailed(serviceType, instanceName string, code dnssd.ErrorCode, begin time.Time) {
	p.log.Warnf("failed resolving service %s.%s: %s", instanceName, serviceType, code)
	if !begin.IsZero() {
		p.metrics.ServiceResolution(time.Since(begin), code)
	}
	p.notify(func(o DiscoveryObserver) { o.OnServiceResolveFailed(serviceType, instanceName, code) })
}

func (p *Publisher) onServiceRemoved(netifIndex uint32, serviceType, instanceName string) {
	p.log.Infof("service %s.%s removed on interface %d", instanceName, serviceType, netifIndex)
	p.notify(func(o DiscoveryObserver) { o.OnServiceRemoved(netifIndex, serviceType, instanceName) })
}

func (p *Publisher) onHostResolved(hostName string, info DiscoveredHostInfo, begin time.Time) {
	p.log.Infof("resolved host %s (%v)", hostName, info.Addresses)
	if !begin.IsZero() {
		p.metrics.HostResolution(time.Since(begin), dnssd.NoError)
	}
	p.notify(func(o DiscoveryObserver) { o.OnHostResolved(hostName, info) })
}

func (p *Publisher) onHostResolveFailed(hostName string, code dnssd.ErrorCode, begin time.Time) {
	p.log.Warnf("failed resolving host %s: %s", hostName, code)
	if !begin.IsZero() {
		p.metrics.HostResolution(time.Since(begin), code)
	}
	p.notify(func(o DiscoveryObserver) { o.OnHostResolveFailed(hostName, code) })
}
