//go:build linux

package dbusapi

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	otbr "github.com/threadbr/go-otbr"
)

func newProp(value interface{}) *prop.Prop {
	return &prop.Prop{
		Value:    value,
		Writable: false,
		Emit:     prop.EmitTrue,
	}
}

func mdnsProps(state MdnsState) map[string]*prop.Prop {
	return map[string]*prop.Prop{
		"State":            newProp(state.State),
		"ResolvedServices": newProp(state.ResolvedServices),
		"ResolvedHosts":    newProp(state.ResolvedHosts),
		"Failures":         newProp(state.Failures),
		"Version":          newProp(otbr.VersionString()),
	}
}

// MdnsInterface is the object exported on the bus.
type MdnsInterface struct {
	log otbr.Logger

	commands chan Command
}

func (m MdnsInterface) enqueueCommand(command Command) *dbus.Error {
	command.response = make(chan CommandResponse)

	select {
	case m.commands <- command:
		resp := <-command.response

		if resp.Err != nil {
			m.log.Tracef("dbus command %s returned an error %s", command.Type, resp.Err)
		}

		return resp.Err
	default:
		m.log.Tracef("dbus command not enqueued, because there was no listener registered")
		return nil
	}
}

func (m MdnsInterface) SubscribeService(serviceType, instanceName string) *dbus.Error {
	m.log.Tracef("MdnsInterface::SubscribeService (%s, %s)", serviceType, instanceName)

	return m.enqueueCommand(Command{Type: CommandSubscribeService, ServiceType: serviceType, InstanceName: instanceName})
}

func (m MdnsInterface) UnsubscribeService(serviceType, instanceName string) *dbus.Error {
	m.log.Tracef("MdnsInterface::UnsubscribeService (%s, %s)", serviceType, instanceName)

	return m.enqueueCommand(Command{Type: CommandUnsubscribeService, ServiceType: serviceType, InstanceName: instanceName})
}

func (m MdnsInterface) SubscribeHost(hostName string) *dbus.Error {
	m.log.Tracef("MdnsInterface::SubscribeHost (%s)", hostName)

	return m.enqueueCommand(Command{Type: CommandSubscribeHost, HostName: hostName})
}

func (m MdnsInterface) UnsubscribeHost(hostName string) *dbus.Error {
	m.log.Tracef("MdnsInterface::UnsubscribeHost (%s)", hostName)

	return m.enqueueCommand(Command{Type: CommandUnsubscribeHost, HostName: hostName})
}
