package dnssd

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/miekg/dns"
	otbr "github.com/threadbr/go-otbr"
	"golang.org/x/sys/unix"
)

const (
	DefaultSocketPath = "/var/run/mDNSResponder"

	socketPathEnv = "DNSSD_UDS_PATH"

	maxIpcBodyLen = 1 << 17
)

// Daemon is a Client for an mDNSResponder compatible daemon reachable over
// a unix domain socket. Every operation opens its own connection, except
// for records registered on a shared connection.
type Daemon struct {
	log  otbr.Logger
	path string
}

var _ Client = (*Daemon)(nil)

// NewDaemon creates a client for the responder at path. When path is empty
// the DNSSD_UDS_PATH environment variable and then DefaultSocketPath are
// used.
func NewDaemon(log otbr.Logger, path string) *Daemon {
	if path == "" {
		path = os.Getenv(socketPathEnv)
	}
	if path == "" {
		path = DefaultSocketPath
	}

	return &Daemon{log: log, path: path}
}

func (d *Daemon) SocketPath() string {
	return d.path
}

// Ping checks whether the responder accepts connections.
func (d *Daemon) Ping() error {
	ref, err := d.CreateConnection()
	if err != nil {
		return err
	}

	ref.Deallocate()
	return nil
}

type daemonRef struct {
	log otbr.Logger
	fd  int

	replyOp ipcOp
	handle  func(hdr ipcHeader, r *ipcReader) error

	records    map[RecordRef]RegisterRecordReply
	nextRecord uint32
}

func (r *daemonRef) SockFD() int {
	return r.fd
}

func (r *daemonRef) ProcessResult() ErrorCode {
	if r.fd < 0 {
		return ErrBadReference
	}

	var hbuf [ipcHeaderSize]byte
	if err := readAll(r.fd, hbuf[:]); err != nil {
		r.log.Debugf("failed reading responder reply header: %v", err)
		return ErrServiceNotRunning
	}

	hdr, err := parseIpcHeader(hbuf[:])
	if err != nil {
		r.log.WithError(err).Warnf("invalid responder reply header")
		return ErrIncompatible
	} else if hdr.DataLen > maxIpcBodyLen {
		r.log.Warnf("responder reply too large: %d bytes", hdr.DataLen)
		return ErrIncompatible
	}

	body := make([]byte, hdr.DataLen)
	if err := readAll(r.fd, body); err != nil {
		r.log.Debugf("failed reading responder reply body: %v", err)
		return ErrServiceNotRunning
	}

	if r.handle == nil || ipcOp(hdr.Op) != r.replyOp {
		r.log.Debugf("ignoring unexpected responder reply op %d", hdr.Op)
		return NoError
	}

	// the reply closure may deallocate r, nothing must touch it afterwards
	if err := r.handle(hdr, &ipcReader{data: body}); err != nil {
		r.log.WithError(err).Warnf("failed decoding responder reply")
		return ErrUnknown
	}

	return NoError
}

func (r *daemonRef) Deallocate() {
	if r.fd < 0 {
		return
	}

	_ = unix.Close(r.fd)
	r.fd = -1
	r.records = nil
	r.handle = nil
}

func (r *daemonRef) allocRecord(cb RegisterRecordReply) RecordRef {
	if r.records == nil {
		r.records = make(map[RecordRef]RegisterRecordReply)
	}

	rec := RecordRef(r.nextRecord)
	r.nextRecord++
	r.records[rec] = cb
	return rec
}

// deliverWithErrorSocket sends msg and collects the synchronous error over a
// dedicated socket, so that it cannot interleave with asynchronous replies
// already queued on r.fd. The socket travels with the last byte.
func (r *daemonRef) deliverWithErrorSocket(msg *ipcMessage) error {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed creating error socket: %w: %w", otbr.ErrErrno, err)
	}
	defer func() { _ = unix.Close(pair[0]) }()

	b := msg.bytes()
	err = writeAll(r.fd, b[:len(b)-1])
	if err == nil {
		err = unix.Sendmsg(r.fd, b[len(b)-1:], unix.UnixRights(pair[1]), nil, unix.MSG_NOSIGNAL)
	}
	_ = unix.Close(pair[1])
	if err != nil {
		r.log.Debugf("failed sending responder request: %v", err)
		return ErrServiceNotRunning
	}

	return readSyncError(pair[0]).Err()
}

func (d *Daemon) connect() (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed creating responder socket: %w: %w", otbr.ErrErrno, err)
	}

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: d.path}); err != nil {
		_ = unix.Close(fd)
		d.log.Debugf("failed connecting to responder at %s: %v", d.path, err)
		return -1, ErrServiceNotRunning
	}

	return fd, nil
}

// newPrivateRef opens a connection dedicated to a single operation and
// waits for the responder to accept it.
func (d *Daemon) newPrivateRef(msg *ipcMessage, replyOp ipcOp) (*daemonRef, error) {
	fd, err := d.connect()
	if err != nil {
		return nil, err
	}

	if err := writeAll(fd, msg.bytes()); err != nil {
		_ = unix.Close(fd)
		d.log.Debugf("failed sending responder request: %v", err)
		return nil, ErrServiceNotRunning
	}

	if code := readSyncError(fd); code != NoError {
		_ = unix.Close(fd)
		return nil, code
	}

	return &daemonRef{log: d.log, fd: fd, replyOp: replyOp}, nil
}

func asDaemonRef(ref ServiceRef) (*daemonRef, error) {
	r, ok := ref.(*daemonRef)
	if !ok || r == nil || r.fd < 0 {
		return nil, ErrBadReference
	}

	return r, nil
}

func (d *Daemon) CreateConnection() (ServiceRef, error) {
	ref, err := d.newPrivateRef(newIpcMessage(opConnection, false), opRegRecordRep)
	if err != nil {
		return nil, err
	}

	ref.handle = func(hdr ipcHeader, r *ipcReader) error {
		p := r.prefix()
		if r.err != nil {
			return r.err
		}

		rec := RecordRef(hdr.Context[1])
		cb, ok := ref.records[rec]
		if !ok {
			rec = RecordRef(hdr.RegIndex)
			cb, ok = ref.records[rec]
		}
		if !ok || cb == nil {
			ref.log.Debugf("dropping reply for unknown record %d", rec)
			return nil
		}

		cb(rec, p.flags, p.err)
		return nil
	}

	return ref, nil
}

func (d *Daemon) Register(flags Flags, ifIndex uint32, name, regType, domain, host string, port uint16, txt []byte, cb RegisterReply) (ServiceRef, error) {
	msg := newIpcMessage(opRegService, false).
		putUint32(uint32(flags)).
		putUint32(ifIndex).
		putString(name).
		putString(regType).
		putString(domain).
		putString(host).
		putUint16(port).
		putRData(txt)

	ref, err := d.newPrivateRef(msg, opRegServiceRep)
	if err != nil {
		return nil, err
	}

	ref.handle = func(_ ipcHeader, r *ipcReader) error {
		p := r.prefix()
		name, regType, domain := r.string(), r.string(), r.string()
		if r.err != nil {
			return r.err
		}

		cb(p.flags, p.err, name, regType, domain)
		return nil
	}

	return ref, nil
}

func (d *Daemon) RegisterRecord(conn ServiceRef, flags Flags, ifIndex uint32, fullName string, rrType, rrClass uint16, rdata []byte, ttl uint32, cb RegisterRecordReply) (RecordRef, error) {
	ref, err := asDaemonRef(conn)
	if err != nil {
		return 0, err
	} else if ref.replyOp != opRegRecordRep {
		return 0, ErrBadReference
	}

	rec := ref.allocRecord(cb)

	msg := newIpcMessage(opRegRecord, true).
		putUint32(uint32(flags)).
		putUint32(ifIndex).
		putString(fullName).
		putUint16(rrType).
		putUint16(rrClass).
		putRData(rdata).
		putUint32(ttl)
	msg.hdr.Context = [2]uint32{0, uint32(rec)}
	msg.hdr.RegIndex = uint32(rec)

	if err := ref.deliverWithErrorSocket(msg); err != nil {
		delete(ref.records, rec)
		return 0, err
	}

	return rec, nil
}

func (d *Daemon) AddRecord(sref ServiceRef, flags Flags, rrType uint16, rdata []byte, ttl uint32) (RecordRef, error) {
	ref, err := asDaemonRef(sref)
	if err != nil {
		return 0, err
	} else if ref.replyOp != opRegServiceRep {
		return 0, ErrBadReference
	}

	rec := ref.allocRecord(nil)

	msg := newIpcMessage(opAddRecord, true).
		putUint32(uint32(flags)).
		putUint16(rrType).
		putRData(rdata).
		putUint32(ttl)
	msg.hdr.RegIndex = uint32(rec)

	if err := ref.deliverWithErrorSocket(msg); err != nil {
		delete(ref.records, rec)
		return 0, err
	}

	return rec, nil
}

func (d *Daemon) UpdateRecord(sref ServiceRef, rec RecordRef, flags Flags, rdata []byte, ttl uint32) error {
	ref, err := asDaemonRef(sref)
	if err != nil {
		return err
	} else if _, ok := ref.records[rec]; !ok {
		return ErrBadReference
	}

	msg := newIpcMessage(opUpdateRecord, true).
		putUint32(uint32(flags)).
		putRData(rdata).
		putUint32(ttl)
	msg.hdr.Context = [2]uint32{0, uint32(rec)}
	msg.hdr.RegIndex = uint32(rec)

	return ref.deliverWithErrorSocket(msg)
}

func (d *Daemon) RemoveRecord(sref ServiceRef, rec RecordRef, flags Flags) error {
	ref, err := asDaemonRef(sref)
	if err != nil {
		return err
	} else if _, ok := ref.records[rec]; !ok {
		return ErrBadReference
	}

	delete(ref.records, rec)

	msg := newIpcMessage(opRemoveRecord, true).putUint32(uint32(flags))
	msg.hdr.Context = [2]uint32{0, uint32(rec)}
	msg.hdr.RegIndex = uint32(rec)

	return ref.deliverWithErrorSocket(msg)
}

func (d *Daemon) Browse(flags Flags, ifIndex uint32, regType, domain string, cb BrowseReply) (ServiceRef, error) {
	msg := newIpcMessage(opBrowse, false).
		putUint32(uint32(flags)).
		putUint32(ifIndex).
		putString(regType).
		putString(domain)

	ref, err := d.newPrivateRef(msg, opBrowseRep)
	if err != nil {
		return nil, err
	}

	ref.handle = func(_ ipcHeader, r *ipcReader) error {
		p := r.prefix()
		name, regType, domain := r.string(), r.string(), r.string()
		if r.err != nil {
			return r.err
		}

		cb(p.flags, p.ifIndex, p.err, name, regType, domain)
		return nil
	}

	return ref, nil
}

func (d *Daemon) Resolve(flags Flags, ifIndex uint32, name, regType, domain string, cb ResolveReply) (ServiceRef, error) {
	msg := newIpcMessage(opResolve, false).
		putUint32(uint32(flags)).
		putUint32(ifIndex).
		putString(name).
		putString(regType).
		putString(domain)

	ref, err := d.newPrivateRef(msg, opResolveRep)
	if err != nil {
		return nil, err
	}

	ref.handle = func(_ ipcHeader, r *ipcReader) error {
		p := r.prefix()
		fullName, target := r.string(), r.string()
		port := r.uint16()
		txt := r.bytes(int(r.uint16()))
		if r.err != nil {
			return r.err
		}

		cb(p.flags, p.ifIndex, p.err, fullName, target, port, txt)
		return nil
	}

	return ref, nil
}

func (d *Daemon) GetAddrInfo(flags Flags, ifIndex uint32, protocol Protocol, hostName string, cb AddrInfoReply) (ServiceRef, error) {
	msg := newIpcMessage(opAddrInfo, false).
		putUint32(uint32(flags)).
		putUint32(ifIndex).
		putUint32(uint32(protocol)).
		putString(hostName)

	ref, err := d.newPrivateRef(msg, opAddrInfoRep)
	if err != nil {
		return nil, err
	}

	ref.handle = func(_ ipcHeader, r *ipcReader) error {
		p := r.prefix()
		hostName := r.string()
		rrType := r.uint16()
		_ = r.uint16() // class
		rdata := r.bytes(int(r.uint16()))
		ttl := r.uint32()
		if r.err != nil {
			return r.err
		}

		cb(p.flags, p.ifIndex, p.err, hostName, addrFromRData(rrType, rdata), ttl)
		return nil
	}

	return ref, nil
}

func addrFromRData(rrType uint16, rdata []byte) netip.Addr {
	switch {
	case rrType == dns.TypeA && len(rdata) == 4:
		return netip.AddrFrom4([4]byte(rdata))
	case rrType == dns.TypeAAAA && len(rdata) == 16:
		return netip.AddrFrom16([16]byte(rdata))
	default:
		return netip.Addr{}
	}
}

func readSyncError(fd int) ErrorCode {
	var buf [4]byte
	if err := readAll(fd, buf[:]); err != nil {
		return ErrServiceNotRunning
	}

	r := ipcReader{data: buf[:]}
	return ErrorCode(int32(r.uint32()))
}

func readAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Read(fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return err
		} else if n == 0 {
			return io.EOF
		}

		b = b[n:]
	}

	return nil
}

func writeAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.SendmsgN(fd, b, nil, nil, unix.MSG_NOSIGNAL)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return err
		}

		b = b[n:]
	}

	return nil
}
