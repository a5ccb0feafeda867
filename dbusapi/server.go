//go:build linux

package dbusapi

import (
	"errors"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	otbr "github.com/threadbr/go-otbr"
)

var _ Server = (*ConcreteServer)(nil)

type DBusInstance struct {
	props *prop.Properties
	conn  *dbus.Conn
}

func (d *DBusInstance) setProperty(fieldName string, value interface{}) *dbus.Error {
	return d.props.Set(InterfaceName, fieldName, dbus.MakeVariant(value))
}

type ConcreteServer struct {
	tracker

	log  otbr.Logger
	dbus *DBusInstance
	obj  MdnsInterface

	lastUploadedState MdnsState

	stateChannel  chan MdnsState
	signalChannel chan ServiceResolved
	stop          chan struct{}
	wg            sync.WaitGroup
}

func (s *ConcreteServer) Receive() <-chan Command {
	return s.obj.commands
}

// the tracker runs on the mainloop, never block it on the bus
func (s *ConcreteServer) queueState(state MdnsState) {
	select {
	case s.stateChannel <- state:
	default:
		s.log.Debugf("dropping dbus state update, exporter is busy")
	}
}

func (s *ConcreteServer) queueSignal(sig ServiceResolved) {
	select {
	case s.signalChannel <- sig:
	default:
		s.log.Debugf("dropping dbus signal for %s, exporter is busy", sig.Instance)
	}
}

func (s *ConcreteServer) executeStateUpdate(state MdnsState) *dbus.Error {
	for name, value := range state.changes(s.lastUploadedState) {
		if err := s.dbus.setProperty(name, value); err != nil {
			s.log.Warnf("error executing dbus state update (%s) %s", name, err)
			return err
		}
	}

	return nil
}

func (s *ConcreteServer) executeResolvedSignal(sig ServiceResolved) error {
	return s.dbus.conn.Emit(ObjectPath, InterfaceName+".ServiceResolved",
		sig.ServiceType, sig.Instance, sig.HostName, sig.Port, sig.Addresses)
}

func (s *ConcreteServer) waitOnChannel() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case state := <-s.stateChannel:
			if err := s.executeStateUpdate(state); err != nil {
				continue
			}
			s.lastUploadedState = state
		case sig := <-s.signalChannel:
			if err := s.executeResolvedSignal(sig); err != nil {
				s.log.Warnf("error emitting dbus signal %s", err)
			}
		}
	}
}

func (s *ConcreteServer) Close() {
	close(s.stop)
	s.wg.Wait()
	_ = s.dbus.conn.Close()
}

// NewServer opens the bus connection, claims the well-known name and
// exports the publisher object.
func NewServer(log otbr.Logger, systemBus bool) (_ *ConcreteServer, err error) {
	s := &ConcreteServer{log: log}

	var conn *dbus.Conn
	if systemBus {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	s.dbus = &DBusInstance{conn: conn}
	s.obj = MdnsInterface{log: log, commands: make(chan Command)}
	s.lastUploadedState = MdnsState{State: "idle"}

	s.dbus.props, err = prop.Export(conn, ObjectPath, map[string]map[string]*prop.Prop{
		InterfaceName: mdnsProps(s.lastUploadedState),
	})
	if err != nil {
		return nil, err
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagReplaceExisting)
	if err != nil {
		return nil, err
	} else if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.New("dbus name is already taken")
	}

	if err = conn.Export(s.obj, ObjectPath, InterfaceName); err != nil {
		return nil, err
	}

	s.tracker = tracker{current: s.lastUploadedState, emitState: s.queueState, emitSignal: s.queueSignal}
	s.stateChannel = make(chan MdnsState, 16)
	s.signalChannel = make(chan ServiceResolved, 16)
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.waitOnChannel()

	log.Debugf("created dbus server")

	return s, nil
}
