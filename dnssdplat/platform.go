// Package dnssdplat adapts the publisher to the request/response shape the
// Thread stack uses for its DNS-SD platform: every request carries an id
// that is echoed back together with a Thread error code.
package dnssdplat

import (
	"errors"
	"net/netip"

	otbr "github.com/threadbr/go-otbr"
	"github.com/threadbr/go-otbr/mdns"
)

type State int

const (
	StateStopped State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}

	return "stopped"
}

type RequestId uint32

type RegisterCallback func(id RequestId, err OtError)

type Service struct {
	HostName        string
	ServiceInstance string
	ServiceType     string
	SubTypeLabels   []string
	TxtData         []byte
	Port            uint16
}

type Host struct {
	HostName  string
	Addresses []netip.Addr
}

// Key is a KEY record, either for a host (ServiceType empty) or for a
// service instance.
type Key struct {
	Name        string
	ServiceType string
	KeyData     []byte
}

// Publisher is the part of mdns.Publisher the platform drives.
type Publisher interface {
	PublishService(hostName, name, serviceType string, subTypes []string, port uint16, txt []byte, cb mdns.ResultCallback)
	UnpublishService(name, serviceType string, cb mdns.ResultCallback)
	PublishHost(name string, addrs []netip.Addr, cb mdns.ResultCallback)
	UnpublishHost(name string, cb mdns.ResultCallback)
	PublishKey(name string, key []byte, cb mdns.ResultCallback)
	UnpublishKey(name string, cb mdns.ResultCallback)
}

type Platform struct {
	log       otbr.Logger
	publisher Publisher

	state         State
	stateCallback func(State)
}

var _ mdns.StateObserver = (*Platform)(nil)

func New(log otbr.Logger, publisher Publisher, stateCallback func(State)) *Platform {
	if stateCallback == nil {
		stateCallback = func(State) {}
	}

	return &Platform{log: log, publisher: publisher, state: StateStopped, stateCallback: stateCallback}
}

func (p *Platform) State() State {
	return p.state
}

// HandleMdnsState mirrors the publisher state and reports every transition.
func (p *Platform) HandleMdnsState(state mdns.State) {
	switch state {
	case mdns.StateReady:
		p.state = StateReady
	default:
		p.state = StateStopped
	}

	p.log.Debugf("dnssd platform is %s", p.state)
	p.stateCallback(p.state)
}

// ResultToError maps a publisher result onto a Thread error code.
func ResultToError(err error) OtError {
	switch {
	case err == nil:
		return OtErrorNone
	case errors.Is(err, otbr.ErrDuplicated):
		return OtErrorDuplicated
	case errors.Is(err, otbr.ErrInvalidArgs):
		return OtErrorInvalidArgs
	case errors.Is(err, otbr.ErrAborted):
		return OtErrorAbort
	case errors.Is(err, otbr.ErrInvalidState):
		return OtErrorInvalidState
	case errors.Is(err, otbr.ErrNotImplemented):
		return OtErrorNotImplemented
	case errors.Is(err, otbr.ErrNotFound):
		return OtErrorNotFound
	case errors.Is(err, otbr.ErrParse):
		return OtErrorParse
	default:
		return OtErrorFailed
	}
}

func (p *Platform) makeCallback(what string, id RequestId, cb RegisterCallback) mdns.ResultCallback {
	return func(err error) {
		if err != nil {
			p.log.WithError(err).Debugf("dnssd request %d (%s) failed", id, what)
		}

		if cb != nil {
			cb(id, ResultToError(err))
		}
	}
}

func (p *Platform) RegisterService(svc Service, id RequestId, cb RegisterCallback) {
	p.publisher.PublishService(svc.HostName, svc.ServiceInstance, svc.ServiceType, svc.SubTypeLabels, svc.Port, svc.TxtData,
		p.makeCallback("register service", id, cb))
}

func (p *Platform) UnregisterService(svc Service, id RequestId, cb RegisterCallback) {
	p.publisher.UnpublishService(svc.ServiceInstance, svc.ServiceType, p.makeCallback("unregister service", id, cb))
}

func (p *Platform) RegisterHost(host Host, id RequestId, cb RegisterCallback) {
	p.publisher.PublishHost(host.HostName, host.Addresses, p.makeCallback("register host", id, cb))
}

func (p *Platform) UnregisterHost(host Host, id RequestId, cb RegisterCallback) {
	p.publisher.UnpublishHost(host.HostName, p.makeCallback("unregister host", id, cb))
}

// KeyNameFor returns the record owner name of a key, relative to the domain.
func KeyNameFor(key Key) string {
	if key.ServiceType == "" {
		return key.Name
	}

	return key.Name + "." + key.ServiceType
}

func (p *Platform) RegisterKey(key Key, id RequestId, cb RegisterCallback) {
	p.publisher.PublishKey(KeyNameFor(key), key.KeyData, p.makeCallback("register key", id, cb))
}

func (p *Platform) UnregisterKey(key Key, id RequestId, cb RegisterCallback) {
	p.publisher.UnpublishKey(KeyNameFor(key), p.makeCallback("unregister key", id, cb))
}
