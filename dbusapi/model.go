package dbusapi

import (
	"github.com/godbus/dbus/v5"
	"github.com/threadbr/go-otbr/dnssd"
	"github.com/threadbr/go-otbr/mdns"
)

const (
	BusName       = "io.openthread.BorderRouter.Mdns"
	ObjectPath    = dbus.ObjectPath("/io/openthread/BorderRouter/Mdns")
	InterfaceName = "io.openthread.BorderRouter.Mdns"
)

type CommandType int32

const (
	CommandSubscribeService CommandType = iota
	CommandUnsubscribeService
	CommandSubscribeHost
	CommandUnsubscribeHost
)

func (t CommandType) String() string {
	switch t {
	case CommandSubscribeService:
		return "subscribe_service"
	case CommandUnsubscribeService:
		return "unsubscribe_service"
	case CommandSubscribeHost:
		return "subscribe_host"
	case CommandUnsubscribeHost:
		return "unsubscribe_host"
	default:
		return "unknown"
	}
}

// Command is a method call received on the bus. The receiver must Reply,
// the caller is blocked until it does.
type Command struct {
	Type         CommandType
	ServiceType  string
	InstanceName string
	HostName     string

	response chan CommandResponse
}

func (c *Command) Reply(resp CommandResponse) {
	c.response <- resp
}

type CommandResponse struct {
	Err *dbus.Error
}

// MdnsState is the set of exported properties.
type MdnsState struct {
	State            string
	ResolvedServices uint32
	ResolvedHosts    uint32
	Failures         uint32
}

// ServiceResolved is emitted as a signal for every resolved instance.
type ServiceResolved struct {
	ServiceType string
	Instance    string
	HostName    string
	Port        uint16
	Addresses   []string
}

// changes lists the properties that differ from prev.
func (s MdnsState) changes(prev MdnsState) map[string]any {
	out := make(map[string]any)
	if s.State != prev.State {
		out["State"] = s.State
	}
	if s.ResolvedServices != prev.ResolvedServices {
		out["ResolvedServices"] = s.ResolvedServices
	}
	if s.ResolvedHosts != prev.ResolvedHosts {
		out["ResolvedHosts"] = s.ResolvedHosts
	}
	if s.Failures != prev.Failures {
		out["Failures"] = s.Failures
	}

	return out
}

// tracker runs on the mainloop goroutine and turns publisher notifications
// into state snapshots and signals.
type tracker struct {
	current MdnsState

	emitState  func(MdnsState)
	emitSignal func(ServiceResolved)
}

func (t *tracker) HandleMdnsState(state mdns.State) {
	t.current.State = state.String()
	t.emitState(t.current)
}

func (t *tracker) OnServiceResolved(serviceType string, info mdns.DiscoveredInstanceInfo) {
	t.current.ResolvedServices++
	t.emitState(t.current)

	sig := ServiceResolved{ServiceType: serviceType, Instance: info.Name, HostName: info.HostName, Port: info.Port}
	for _, addr := range info.Addresses {
		sig.Addresses = append(sig.Addresses, addr.String())
	}
	t.emitSignal(sig)
}

func (t *tracker) OnServiceRemoved(uint32, string, string) {}

func (t *tracker) OnServiceResolveFailed(string, string, dnssd.ErrorCode) {
	t.current.Failures++
	t.emitState(t.current)
}

func (t *tracker) OnHostResolved(string, mdns.DiscoveredHostInfo) {
	t.current.ResolvedHosts++
	t.emitState(t.current)
}

func (t *tracker) OnHostResolveFailed(string, dnssd.ErrorCode) {
	t.current.Failures++
	t.emitState(t.current)
}

// Server exports the publisher state on the bus and forwards method calls.
type Server interface {
	mdns.StateObserver
	mdns.DiscoveryObserver

	Receive() <-chan Command
	Close()
}

type DummyServer struct {
	tracker
}

func NewDummyServer() *DummyServer {
	return &DummyServer{tracker{emitState: func(MdnsState) {}, emitSignal: func(ServiceResolved) {}}}
}

func (d *DummyServer) Receive() <-chan Command {
	return make(<-chan Command)
}

func (d *DummyServer) Close() {}
