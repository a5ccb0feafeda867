//go:build !linux

package dbusapi

import (
	otbr "github.com/threadbr/go-otbr"
)

// NewServer creates a no-op server to replace the equivalently named method in builds outside linux
func NewServer(log otbr.Logger, _ bool) (*DummyServer, error) {
	log.Warn("dbus was set to enabled although it is not included in this build")

	return NewDummyServer(), nil
}
