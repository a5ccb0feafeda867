// Package dnssd talks to a DNS-SD responder. The Client interface mirrors the
// classic dns_sd API: every long running operation is a ServiceRef that owns
// a socket, the caller watches SockFD in its own poll loop and calls
// ProcessResult when it becomes readable, which in turn invokes the reply
// closure that was supplied when the operation was started.
package dnssd

import "net/netip"

type Flags uint32

const (
	FlagsMoreComing      Flags = 0x1
	FlagsAdd             Flags = 0x2
	FlagsDefault         Flags = 0x4
	FlagsNoAutoRename    Flags = 0x8
	FlagsShared          Flags = 0x10
	FlagsUnique          Flags = 0x20
	FlagsShareConnection Flags = 0x4000
	FlagsTimeout         Flags = 0x10000
)

type Protocol uint32

const (
	ProtocolIPv4 Protocol = 0x1
	ProtocolIPv6 Protocol = 0x2
)

const (
	// InterfaceIndexAny lets the responder pick every suitable interface.
	InterfaceIndexAny uint32 = 0

	LocalDomain = "local."

	// GoodbyeTTL is the record TTL used to emulate an RFC 6762 goodbye.
	GoodbyeTTL uint32 = 1
)

// ServiceRef is a handle to one outstanding responder operation.
type ServiceRef interface {
	// SockFD returns the descriptor to watch for readability, or -1 once
	// the reference has been deallocated.
	SockFD() int
	// ProcessResult reads one reply and dispatches it to the reply closure.
	// ErrServiceNotRunning means the responder went away.
	ProcessResult() ErrorCode
	// Deallocate cancels the operation and releases the socket. Calling it
	// from within a reply closure of the same reference is allowed.
	Deallocate()
}

// RecordRef identifies a record registered on a ServiceRef.
type RecordRef uint32

type (
	RegisterReply       func(flags Flags, err ErrorCode, name, regType, domain string)
	RegisterRecordReply func(rec RecordRef, flags Flags, err ErrorCode)
	BrowseReply         func(flags Flags, ifIndex uint32, err ErrorCode, name, regType, domain string)
	ResolveReply        func(flags Flags, ifIndex uint32, err ErrorCode, fullName, hostTarget string, port uint16, txt []byte)
	AddrInfoReply       func(flags Flags, ifIndex uint32, err ErrorCode, hostName string, addr netip.Addr, ttl uint32)
)

// Client issues requests to a responder. Returned errors are either an
// ErrorCode reported by the responder or a local failure wrapping
// otbr.ErrErrno, CodeOf tells them apart.
type Client interface {
	CreateConnection() (ServiceRef, error)
	Register(flags Flags, ifIndex uint32, name, regType, domain, host string, port uint16, txt []byte, cb RegisterReply) (ServiceRef, error)
	RegisterRecord(conn ServiceRef, flags Flags, ifIndex uint32, fullName string, rrType, rrClass uint16, rdata []byte, ttl uint32, cb RegisterRecordReply) (RecordRef, error)
	AddRecord(ref ServiceRef, flags Flags, rrType uint16, rdata []byte, ttl uint32) (RecordRef, error)
	UpdateRecord(ref ServiceRef, rec RecordRef, flags Flags, rdata []byte, ttl uint32) error
	RemoveRecord(ref ServiceRef, rec RecordRef, flags Flags) error
	Browse(flags Flags, ifIndex uint32, regType, domain string, cb BrowseReply) (ServiceRef, error)
	Resolve(flags Flags, ifIndex uint32, name, regType, domain string, cb ResolveReply) (ServiceRef, error)
	GetAddrInfo(flags Flags, ifIndex uint32, protocol Protocol, hostName string, cb AddrInfoReply) (ServiceRef, error)
}
