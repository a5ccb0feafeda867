//go:build test_unit

package dnssdplat

import (
	"net/netip"

	"github.com/stretchr/testify/mock"
	"github.com/threadbr/go-otbr/mdns"
)

// MockPublisher is a mock type for the Publisher type
type MockPublisher struct {
	mock.Mock
}

// NewMockPublisher creates a new instance of MockPublisher. It also registers a cleanup function to assert the mocks expectations.
func NewMockPublisher(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockPublisher {
	m := &MockPublisher{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

func (_m *MockPublisher) PublishService(hostName, name, serviceType string, subTypes []string, port uint16, txt []byte, cb mdns.ResultCallback) {
	_m.Called(hostName, name, serviceType, subTypes, port, txt, cb)
}

func (_m *MockPublisher) UnpublishService(name, serviceType string, cb mdns.ResultCallback) {
	_m.Called(name, serviceType, cb)
}

func (_m *MockPublisher) PublishHost(name string, addrs []netip.Addr, cb mdns.ResultCallback) {
	_m.Called(name, addrs, cb)
}

func (_m *MockPublisher) UnpublishHost(name string, cb mdns.ResultCallback) {
	_m.Called(name, cb)
}

func (_m *MockPublisher) PublishKey(name string, key []byte, cb mdns.ResultCallback) {
	_m.Called(name, key, cb)
}

func (_m *MockPublisher) UnpublishKey(name string, cb mdns.ResultCallback) {
	_m.Called(name, cb)
}

// replyWith runs the ResultCallback found at argument index idx with err.
func replyWith(idx int, err error) func(mock.Arguments) {
	return func(args mock.Arguments) {
		args.Get(idx).(mdns.ResultCallback)(err)
	}
}
