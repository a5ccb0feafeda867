package mdns

import (
	"bytes"
	"net/netip"
	"strings"

	"github.com/threadbr/go-otbr/dnssd"
	"golang.org/x/exp/slices"
)

// serviceKey identifies a service registration. Both parts are compared
// case insensitively and without trailing dots.
type serviceKey struct {
	name        string
	serviceType string
}

func newServiceKey(name, serviceType string) serviceKey {
	return serviceKey{name: strings.ToLower(name), serviceType: nameKey(serviceType)}
}

// nameKey identifies host and key registrations.
func nameKey(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func makeFullHostName(host string) string {
	return strings.TrimSuffix(host, ".") + "." + dnssd.LocalDomain
}

func makeFullServiceName(name, serviceType string) string {
	return name + "." + strings.TrimSuffix(serviceType, ".") + "." + dnssd.LocalDomain
}

func makeFullKeyName(name string) string {
	return strings.TrimSuffix(name, ".") + "." + dnssd.LocalDomain
}

// registration carries the completion state shared by every kind of
// advertisement. Callbacks fire exactly once, when the registration
// completes or is torn down.
type registration struct {
	callbacks []ResultCallback
	completed bool
}

func (r *registration) join(cb ResultCallback) {
	if r.completed {
		// failed registrations never stay around, completed means success
		cb(nil)
		return
	}

	r.callbacks = append(r.callbacks, cb)
}

// complete fires the pending callbacks with err, later calls are ignored.
func (r *registration) complete(err error) bool {
	if r.completed {
		return false
	}

	r.completed = true
	callbacks := r.callbacks
	r.callbacks = nil
	for _, cb := range callbacks {
		cb(err)
	}

	return true
}

type serviceRegistration struct {
	registration

	key         serviceKey
	hostName    string
	name        string
	serviceType string
	subTypes    []string
	port        uint16
	txt         []byte

	ref dnssd.ServiceRef
}

func (s *serviceRegistration) sameContent(hostName string, sortedSubTypes []string, port uint16, txt []byte) bool {
	return strings.EqualFold(s.hostName, hostName) &&
		slices.Equal(s.subTypes, sortedSubTypes) &&
		s.port == port &&
		bytes.Equal(s.txt, txt)
}

func (s *serviceRegistration) fullName() string {
	return makeFullServiceName(s.name, s.serviceType)
}

type hostRegistration struct {
	registration

	key   string
	name  string
	addrs []netip.Addr

	// one AAAA record per address, pending holds the ones not confirmed yet
	records map[dnssd.RecordRef]netip.Addr
	pending map[dnssd.RecordRef]struct{}
}

func sortedAddrs(addrs []netip.Addr) []netip.Addr {
	sorted := slices.Clone(addrs)
	slices.SortFunc(sorted, func(a, b netip.Addr) int { return a.Compare(b) })
	return slices.Compact(sorted)
}

func (h *hostRegistration) sameContent(addrs []netip.Addr) bool {
	return slices.Equal(h.addrs, sortedAddrs(addrs))
}

type keyRegistration struct {
	registration

	key  string
	name string
	data []byte

	// ref is either the shared connection or the handle of the service the
	// key record is attached to
	ref     dnssd.ServiceRef
	record  dnssd.RecordRef
	service *serviceRegistration
}

func (k *keyRegistration) sameContent(data []byte) bool {
	return bytes.Equal(k.data, data)
}
