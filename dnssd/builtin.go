package dnssd

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"
	otbr "github.com/threadbr/go-otbr"
	"golang.org/x/sys/unix"
)

// Builtin implements Client on top of the pure Go responder provided by
// grandcat/zeroconf. It is meant for hosts that do not run a system
// responder. Only address records can be registered on a connection, KEY
// records and record updates on services are not supported.
type Builtin struct {
	log    otbr.Logger
	ifaces []net.Interface

	// host addresses registered through RegisterRecord, keyed by
	// canonical host name, used when proxying services
	hosts     map[string][]netip.Addr
	hostsLock sync.Mutex

	// addresses learned from browse and resolve results
	resolved     map[string]map[netip.Addr]uint32
	watchers     map[string][]*builtinRef
	resolvedLock sync.Mutex
}

var _ Client = (*Builtin)(nil)

// NewBuiltin creates the builtin responder. If ifaces is empty, every
// multicast capable interface is used.
func NewBuiltin(log otbr.Logger, ifaces []net.Interface) *Builtin {
	return &Builtin{
		log:      log,
		ifaces:   ifaces,
		hosts:    make(map[string][]netip.Addr),
		resolved: make(map[string]map[netip.Addr]uint32),
		watchers: make(map[string][]*builtinRef),
	}
}

type builtinRecord struct {
	host string
	addr netip.Addr
}

// builtinRef turns events produced by library goroutines into readiness of
// a pipe so that it can be polled like a responder socket.
type builtinRef struct {
	b *Builtin

	readFd  int
	writeFd int

	events []func()
	closed bool
	lock   sync.Mutex

	cancel context.CancelFunc
	server *zeroconf.Server

	records    map[RecordRef]builtinRecord
	nextRecord uint32

	watchHost string
	protocol  Protocol
	onAddr    AddrInfoReply
}

func (b *Builtin) newRef() (*builtinRef, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("failed creating builtin responder pipe: %w: %w", otbr.ErrErrno, err)
	}

	return &builtinRef{b: b, readFd: fds[0], writeFd: fds[1]}, nil
}

func (r *builtinRef) post(ev func()) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return
	}

	r.events = append(r.events, ev)
	_, _ = unix.Write(r.writeFd, []byte{1})
}

func (r *builtinRef) SockFD() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return -1
	}

	return r.readFd
}

func (r *builtinRef) ProcessResult() ErrorCode {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return ErrBadReference
	}

	var buf [1]byte
	_, _ = unix.Read(r.readFd, buf[:])

	if len(r.events) == 0 {
		r.lock.Unlock()
		return NoError
	}

	ev := r.events[0]
	r.events = r.events[1:]
	r.lock.Unlock()

	ev()
	return NoError
}

func (r *builtinRef) Deallocate() {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return
	}

	r.closed = true
	r.events = nil
	_ = unix.Close(r.readFd)
	_ = unix.Close(r.writeFd)
	r.lock.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	if r.server != nil {
		r.server.Shutdown()
	}
	if r.watchHost != "" {
		r.b.unwatch(r)
	}
	for _, rec := range r.records {
		r.b.removeHostAddr(rec.host, rec.addr)
	}
	r.records = nil
}

func asBuiltinRef(ref ServiceRef) (*builtinRef, error) {
	r, ok := ref.(*builtinRef)
	if !ok || r == nil || r.SockFD() < 0 {
		return nil, ErrBadReference
	}

	return r, nil
}

func (b *Builtin) CreateConnection() (ServiceRef, error) {
	ref, err := b.newRef()
	if err != nil {
		return nil, err
	}

	ref.records = make(map[RecordRef]builtinRecord)
	return ref, nil
}

func (b *Builtin) Register(_ Flags, _ uint32, name, regType, domain, host string, port uint16, txt []byte, cb RegisterReply) (ServiceRef, error) {
	if domain == "" {
		domain = LocalDomain
	}

	ref, err := b.newRef()
	if err != nil {
		return nil, err
	}

	if host == "" {
		ref.server, err = zeroconf.Register(name, regType, domain, int(port), TxtStrings(txt), b.ifaces)
	} else {
		addrs := b.hostAddrs(host)
		if len(addrs) == 0 {
			ref.Deallocate()
			b.log.Debugf("no addresses registered for host %s", host)
			return nil, ErrBadParam
		}

		ips := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			ips = append(ips, addr.String())
		}

		hostLabel, _, _ := strings.Cut(host, ".")
		ref.server, err = zeroconf.RegisterProxy(name, regType, domain, int(port), hostLabel, ips, TxtStrings(txt), b.ifaces)
	}
	if err != nil {
		ref.Deallocate()
		b.log.WithError(err).Warnf("failed registering %s.%s with builtin responder", name, regType)
		return nil, ErrBadParam
	}

	serviceType, _ := SplitRegType(regType)
	ref.post(func() { cb(FlagsAdd, NoError, name, dns.Fqdn(serviceType), domain) })
	return ref, nil
}

func (b *Builtin) RegisterRecord(conn ServiceRef, _ Flags, _ uint32, fullName string, rrType, _ uint16, rdata []byte, _ uint32, cb RegisterRecordReply) (RecordRef, error) {
	ref, err := asBuiltinRef(conn)
	if err != nil {
		return 0, err
	} else if ref.records == nil {
		return 0, ErrBadReference
	}

	addr := addrFromRData(rrType, rdata)
	if !addr.IsValid() {
		return 0, ErrUnsupported
	}

	rec := RecordRef(ref.nextRecord)
	ref.nextRecord++

	host := dns.CanonicalName(fullName)
	ref.records[rec] = builtinRecord{host: host, addr: addr}
	b.addHostAddr(host, addr)

	ref.post(func() { cb(rec, 0, NoError) })
	return rec, nil
}

func (b *Builtin) AddRecord(ServiceRef, Flags, uint16, []byte, uint32) (RecordRef, error) {
	return 0, ErrUnsupported
}

func (b *Builtin) UpdateRecord(sref ServiceRef, rec RecordRef, _ Flags, _ []byte, _ uint32) error {
	ref, err := asBuiltinRef(sref)
	if err != nil {
		return err
	} else if _, ok := ref.records[rec]; !ok {
		return ErrBadReference
	}

	// the library has no notion of per record ttl, a goodbye is sent on removal
	return nil
}

func (b *Builtin) RemoveRecord(sref ServiceRef, rec RecordRef, _ Flags) error {
	ref, err := asBuiltinRef(sref)
	if err != nil {
		return err
	}

	r, ok := ref.records[rec]
	if !ok {
		return ErrBadReference
	}

	delete(ref.records, rec)
	b.removeHostAddr(r.host, r.addr)
	return nil
}

func (b *Builtin) newResolver(protocol Protocol) (*zeroconf.Resolver, error) {
	opts := []zeroconf.ClientOption{zeroconf.SelectIfaces(b.ifaces)}
	switch protocol {
	case ProtocolIPv4:
		opts = append(opts, zeroconf.SelectIPTraffic(zeroconf.IPv4))
	case ProtocolIPv6:
		opts = append(opts, zeroconf.SelectIPTraffic(zeroconf.IPv6))
	}

	return zeroconf.NewResolver(opts...)
}

// consume forwards entries to fn until the reference is deallocated.
func (r *builtinRef) consume(ctx context.Context, entries <-chan *zeroconf.ServiceEntry, fn func(e *zeroconf.ServiceEntry)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}

			r.b.learn(e)
			fn(e)
		}
	}
}

func (b *Builtin) Browse(_ Flags, _ uint32, regType, domain string, cb BrowseReply) (ServiceRef, error) {
	if domain == "" {
		domain = LocalDomain
	}

	resolver, err := b.newResolver(0)
	if err != nil {
		b.log.WithError(err).Warnf("failed creating builtin resolver")
		return nil, ErrUnknown
	}

	ref, err := b.newRef()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ref.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, regType, domain, entries); err != nil {
		ref.Deallocate()
		b.log.WithError(err).Warnf("failed browsing %s", regType)
		return nil, ErrUnknown
	}

	go ref.consume(ctx, entries, func(e *zeroconf.ServiceEntry) {
		flags := FlagsAdd
		if e.TTL == 0 {
			flags = 0
		}

		instance, service, entryDomain := e.Instance, dns.Fqdn(e.Service), dns.Fqdn(e.Domain)
		ref.post(func() { cb(flags, InterfaceIndexAny, NoError, instance, service, entryDomain) })
	})

	return ref, nil
}

func (b *Builtin) Resolve(_ Flags, _ uint32, name, regType, domain string, cb ResolveReply) (ServiceRef, error) {
	if domain == "" {
		domain = LocalDomain
	}

	resolver, err := b.newResolver(0)
	if err != nil {
		b.log.WithError(err).Warnf("failed creating builtin resolver")
		return nil, ErrUnknown
	}

	ref, err := b.newRef()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ref.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Lookup(ctx, name, regType, domain, entries); err != nil {
		ref.Deallocate()
		b.log.WithError(err).Warnf("failed resolving %s.%s", name, regType)
		return nil, ErrUnknown
	}

	go ref.consume(ctx, entries, func(e *zeroconf.ServiceEntry) {
		fullName := ConstructFullName(e.Instance, e.Service, e.Domain)
		hostName, port, txt := dns.Fqdn(e.HostName), uint16(e.Port), TxtFromStrings(e.Text)
		ref.post(func() { cb(0, InterfaceIndexAny, NoError, fullName, hostName, port, txt) })
	})

	return ref, nil
}

// GetAddrInfo is answered from addresses carried by browse and resolve
// results as well as the locally registered hosts. Addresses learned later
// are reported as they arrive.
func (b *Builtin) GetAddrInfo(_ Flags, _ uint32, protocol Protocol, hostName string, cb AddrInfoReply) (ServiceRef, error) {
	ref, err := b.newRef()
	if err != nil {
		return nil, err
	}

	ref.watchHost = dns.CanonicalName(hostName)
	ref.protocol = protocol
	ref.onAddr = cb

	b.resolvedLock.Lock()
	b.watchers[ref.watchHost] = append(b.watchers[ref.watchHost], ref)
	known := make(map[netip.Addr]uint32, len(b.resolved[ref.watchHost]))
	for addr, ttl := range b.resolved[ref.watchHost] {
		known[addr] = ttl
	}
	b.resolvedLock.Unlock()

	for _, addr := range b.hostAddrs(ref.watchHost) {
		if _, ok := known[addr]; !ok {
			known[addr] = 120
		}
	}

	for addr, ttl := range known {
		ref.notifyAddr(addr, ttl)
	}

	return ref, nil
}

func (r *builtinRef) notifyAddr(addr netip.Addr, ttl uint32) {
	if r.protocol == ProtocolIPv6 && !addr.Is6() || r.protocol == ProtocolIPv4 && !addr.Is4() {
		return
	}

	host, cb := r.watchHost, r.onAddr
	r.post(func() { cb(FlagsAdd, InterfaceIndexAny, NoError, host, addr, ttl) })
}

func (b *Builtin) unwatch(ref *builtinRef) {
	b.resolvedLock.Lock()
	defer b.resolvedLock.Unlock()

	refs := b.watchers[ref.watchHost]
	for i, r := range refs {
		if r == ref {
			refs = append(refs[:i:i], refs[i+1:]...)
			break
		}
	}

	if len(refs) == 0 {
		delete(b.watchers, ref.watchHost)
	} else {
		b.watchers[ref.watchHost] = refs
	}
}

func (b *Builtin) learn(e *zeroconf.ServiceEntry) {
	if e.HostName == "" {
		return
	}

	host := dns.CanonicalName(e.HostName)

	var fresh []netip.Addr
	b.resolvedLock.Lock()
	known := b.resolved[host]
	if known == nil {
		known = make(map[netip.Addr]uint32)
		b.resolved[host] = known
	}
	for _, ip := range append(append([]net.IP(nil), e.AddrIPv4...), e.AddrIPv6...) {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}

		addr = addr.Unmap()
		if _, ok := known[addr]; !ok {
			fresh = append(fresh, addr)
		}
		known[addr] = e.TTL
	}
	watchers := append([]*builtinRef(nil), b.watchers[host]...)
	b.resolvedLock.Unlock()

	for _, w := range watchers {
		for _, addr := range fresh {
			w.notifyAddr(addr, e.TTL)
		}
	}
}

func (b *Builtin) addHostAddr(host string, addr netip.Addr) {
	b.hostsLock.Lock()
	defer b.hostsLock.Unlock()

	b.hosts[host] = append(b.hosts[host], addr)
}

func (b *Builtin) removeHostAddr(host string, addr netip.Addr) {
	b.hostsLock.Lock()
	defer b.hostsLock.Unlock()

	addrs := b.hosts[host]
	for i, a := range addrs {
		if a == addr {
			addrs = append(addrs[:i:i], addrs[i+1:]...)
			break
		}
	}

	if len(addrs) == 0 {
		delete(b.hosts, host)
	} else {
		b.hosts[host] = addrs
	}
}

func (b *Builtin) hostAddrs(host string) []netip.Addr {
	b.hostsLock.Lock()
	defer b.hostsLock.Unlock()

	return append([]netip.Addr(nil), b.hosts[dns.CanonicalName(host)]...)
}
