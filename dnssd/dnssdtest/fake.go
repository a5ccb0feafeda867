// Package dnssdtest provides an in-memory dnssd.Client for tests. Requests
// are recorded, replies are queued by the test and delivered once the
// owning reference is processed.
package dnssdtest

import (
	"fmt"
	"net/netip"

	"github.com/threadbr/go-otbr/dnssd"
)

const (
	OpConnection = "connection"
	OpRegister   = "register"
	OpBrowse     = "browse"
	OpResolve    = "resolve"
	OpAddrInfo   = "addrinfo"

	OpRegisterRecord = "register_record"
	OpAddRecord      = "add_record"
	OpUpdateRecord   = "update_record"
	OpRemoveRecord   = "remove_record"

	// descriptors are handed out from here, far from anything a test
	// process opens itself but below the select limit
	firstFakeFd = 600
)

type failure struct {
	skip int
	code dnssd.ErrorCode
}

type Fake struct {
	nextFd int
	failed map[string]*failure

	// Refs holds every reference ever created, in creation order.
	Refs []*Ref
	// Log records one line per request, in issue order.
	Log []string
}

var _ dnssd.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{nextFd: firstFakeFd, failed: make(map[string]*failure)}
}

// FailNext makes the next request of kind op fail synchronously with code.
func (f *Fake) FailNext(op string, code dnssd.ErrorCode) {
	f.FailAfter(op, 0, code)
}

// FailAfter lets skip requests of kind op through, then fails the next one.
func (f *Fake) FailAfter(op string, skip int, code dnssd.ErrorCode) {
	f.failed[op] = &failure{skip: skip, code: code}
}

func (f *Fake) takeFailure(op string) error {
	fail, ok := f.failed[op]
	if !ok {
		return nil
	} else if fail.skip > 0 {
		fail.skip--
		return nil
	}

	delete(f.failed, op)
	return fail.code
}

func (f *Fake) logf(format string, args ...any) {
	f.Log = append(f.Log, fmt.Sprintf(format, args...))
}

// Live returns the references of kind op that were not deallocated.
func (f *Fake) Live(op string) []*Ref {
	var out []*Ref
	for _, r := range f.Refs {
		if r.Op == op && !r.Deallocated {
			out = append(out, r)
		}
	}

	return out
}

// Find returns the most recent live reference of kind op whose Name matches.
// Register and resolve match on the instance name, browse on the service
// type and addrinfo on the host name.
func (f *Fake) Find(op, name string) *Ref {
	for i := len(f.Refs) - 1; i >= 0; i-- {
		r := f.Refs[i]
		if r.Op == op && !r.Deallocated && r.key() == name {
			return r
		}
	}

	return nil
}

// Records returns every record registered on connections, removed or not.
func (f *Fake) Records() []*Record {
	var out []*Record
	for _, r := range f.Refs {
		out = append(out, r.recordList...)
	}

	return out
}

// ReadyFds lists descriptors of references that have queued replies.
func (f *Fake) ReadyFds() []int {
	var fds []int
	for _, r := range f.Refs {
		if !r.Deallocated && len(r.pending) > 0 {
			fds = append(fds, r.Fd)
		}
	}

	return fds
}

func (f *Fake) newRef(op string) *Ref {
	r := &Ref{f: f, Op: op, Fd: f.nextFd, Records: make(map[dnssd.RecordRef]*Record)}
	f.nextFd++
	f.Refs = append(f.Refs, r)
	return r
}

type Ref struct {
	f *Fake

	Op          string
	Fd          int
	Deallocated bool

	Flags    dnssd.Flags
	IfIndex  uint32
	Name     string
	RegType  string
	Domain   string
	Host     string
	Port     uint16
	Txt      []byte
	Protocol dnssd.Protocol

	RegisterCb dnssd.RegisterReply
	BrowseCb   dnssd.BrowseReply
	ResolveCb  dnssd.ResolveReply
	AddrInfoCb dnssd.AddrInfoReply

	Records    map[dnssd.RecordRef]*Record
	recordList []*Record
	nextRecord uint32

	pending []func() dnssd.ErrorCode
}

func (r *Ref) key() string {
	switch r.Op {
	case OpBrowse:
		return r.RegType
	case OpAddrInfo:
		return r.Host
	default:
		return r.Name
	}
}

func (r *Ref) SockFD() int {
	if r.Deallocated {
		return -1
	}

	return r.Fd
}

func (r *Ref) ProcessResult() dnssd.ErrorCode {
	if r.Deallocated {
		return dnssd.ErrBadReference
	} else if len(r.pending) == 0 {
		return dnssd.NoError
	}

	next := r.pending[0]
	r.pending = r.pending[1:]
	return next()
}

func (r *Ref) Deallocate() {
	r.Deallocated = true
	r.pending = nil
}

func (r *Ref) queue(fn func()) {
	r.pending = append(r.pending, func() dnssd.ErrorCode {
		fn()
		return dnssd.NoError
	})
}

// Pending reports how many replies are queued.
func (r *Ref) Pending() int {
	return len(r.pending)
}

// FailProcess makes the next ProcessResult return code without a reply.
func (r *Ref) FailProcess(code dnssd.ErrorCode) {
	r.pending = append(r.pending, func() dnssd.ErrorCode { return code })
}

func (r *Ref) ReplyRegister(flags dnssd.Flags, code dnssd.ErrorCode) {
	serviceType, _ := dnssd.SplitRegType(r.RegType)
	r.queue(func() { r.RegisterCb(flags, code, r.Name, serviceType+".", r.Domain) })
}

func (r *Ref) ReplyBrowse(flags dnssd.Flags, ifIndex uint32, code dnssd.ErrorCode, name string) {
	r.queue(func() { r.BrowseCb(flags, ifIndex, code, name, r.RegType+".", dnssd.LocalDomain) })
}

func (r *Ref) ReplyResolve(ifIndex uint32, code dnssd.ErrorCode, hostTarget string, port uint16, txt []byte) {
	fullName := dnssd.ConstructFullName(r.Name, r.RegType, r.Domain)
	r.queue(func() { r.ResolveCb(0, ifIndex, code, fullName, hostTarget, port, txt) })
}

func (r *Ref) ReplyAddr(flags dnssd.Flags, ifIndex uint32, code dnssd.ErrorCode, addr netip.Addr, ttl uint32) {
	r.queue(func() { r.AddrInfoCb(flags, ifIndex, code, r.Host, addr, ttl) })
}

// Record is a record registered on a connection or added to a service.
type Record struct {
	Ref      dnssd.RecordRef
	Owner    *Ref
	Flags    dnssd.Flags
	FullName string
	RRType   uint16
	RRClass  uint16
	RData    []byte
	TTL      uint32
	Removed  bool
	Updates  []uint32

	cb dnssd.RegisterRecordReply
}

// Reply queues the asynchronous registration result on the owning connection.
func (rec *Record) Reply(code dnssd.ErrorCode) {
	rec.Owner.queue(func() { rec.cb(rec.Ref, 0, code) })
}

func (f *Fake) CreateConnection() (dnssd.ServiceRef, error) {
	f.logf("%s", OpConnection)
	if err := f.takeFailure(OpConnection); err != nil {
		return nil, err
	}

	return f.newRef(OpConnection), nil
}

func (f *Fake) Register(flags dnssd.Flags, ifIndex uint32, name, regType, domain, host string, port uint16, txt []byte, cb dnssd.RegisterReply) (dnssd.ServiceRef, error) {
	f.logf("%s %s %s", OpRegister, name, regType)
	if err := f.takeFailure(OpRegister); err != nil {
		return nil, err
	}

	r := f.newRef(OpRegister)
	r.Flags, r.IfIndex, r.Name, r.RegType, r.Domain, r.Host, r.Port = flags, ifIndex, name, regType, domain, host, port
	r.Txt = append([]byte(nil), txt...)
	r.RegisterCb = cb
	return r, nil
}

func (f *Fake) asRef(ref dnssd.ServiceRef) (*Ref, error) {
	r, ok := ref.(*Ref)
	if !ok || r == nil || r.Deallocated {
		return nil, dnssd.ErrBadReference
	}

	return r, nil
}

func (r *Ref) addRecord(rec *Record) dnssd.RecordRef {
	rec.Ref = dnssd.RecordRef(r.nextRecord)
	rec.Owner = r
	r.nextRecord++
	r.Records[rec.Ref] = rec
	r.recordList = append(r.recordList, rec)
	return rec.Ref
}

func (f *Fake) RegisterRecord(conn dnssd.ServiceRef, flags dnssd.Flags, _ uint32, fullName string, rrType, rrClass uint16, rdata []byte, ttl uint32, cb dnssd.RegisterRecordReply) (dnssd.RecordRef, error) {
	f.logf("%s %s %d", OpRegisterRecord, fullName, rrType)
	r, err := f.asRef(conn)
	if err != nil {
		return 0, err
	} else if err := f.takeFailure(OpRegisterRecord); err != nil {
		return 0, err
	}

	return r.addRecord(&Record{
		Flags:    flags,
		FullName: fullName,
		RRType:   rrType,
		RRClass:  rrClass,
		RData:    append([]byte(nil), rdata...),
		TTL:      ttl,
		cb:       cb,
	}), nil
}

func (f *Fake) AddRecord(ref dnssd.ServiceRef, flags dnssd.Flags, rrType uint16, rdata []byte, ttl uint32) (dnssd.RecordRef, error) {
	r, err := f.asRef(ref)
	if err != nil {
		return 0, err
	}

	f.logf("%s %s %d", OpAddRecord, r.Name, rrType)
	if err := f.takeFailure(OpAddRecord); err != nil {
		return 0, err
	}

	return r.addRecord(&Record{
		Flags:    flags,
		FullName: dnssd.ConstructFullName(r.Name, r.RegType, r.Domain),
		RRType:   rrType,
		RData:    append([]byte(nil), rdata...),
		TTL:      ttl,
	}), nil
}

func (f *Fake) UpdateRecord(ref dnssd.ServiceRef, rec dnssd.RecordRef, _ dnssd.Flags, _ []byte, ttl uint32) error {
	r, err := f.asRef(ref)
	if err != nil {
		return err
	}

	record, ok := r.Records[rec]
	if !ok {
		return dnssd.ErrBadReference
	}

	f.logf("%s %s ttl=%d", OpUpdateRecord, record.FullName, ttl)
	if err := f.takeFailure(OpUpdateRecord); err != nil {
		return err
	}

	record.Updates = append(record.Updates, ttl)
	return nil
}

func (f *Fake) RemoveRecord(ref dnssd.ServiceRef, rec dnssd.RecordRef, _ dnssd.Flags) error {
	r, err := f.asRef(ref)
	if err != nil {
		return err
	}

	record, ok := r.Records[rec]
	if !ok {
		return dnssd.ErrBadReference
	}

	f.logf("%s %s", OpRemoveRecord, record.FullName)
	delete(r.Records, rec)
	record.Removed = true
	return f.takeFailure(OpRemoveRecord)
}

func (f *Fake) Browse(flags dnssd.Flags, ifIndex uint32, regType, domain string, cb dnssd.BrowseReply) (dnssd.ServiceRef, error) {
	f.logf("%s %s", OpBrowse, regType)
	if err := f.takeFailure(OpBrowse); err != nil {
		return nil, err
	}

	r := f.newRef(OpBrowse)
	r.Flags, r.IfIndex, r.RegType, r.Domain = flags, ifIndex, regType, domain
	r.BrowseCb = cb
	return r, nil
}

func (f *Fake) Resolve(flags dnssd.Flags, ifIndex uint32, name, regType, domain string, cb dnssd.ResolveReply) (dnssd.ServiceRef, error) {
	f.logf("%s %s %s", OpResolve, name, regType)
	if err := f.takeFailure(OpResolve); err != nil {
		return nil, err
	}

	r := f.newRef(OpResolve)
	r.Flags, r.IfIndex, r.Name, r.RegType, r.Domain = flags, ifIndex, name, regType, domain
	r.ResolveCb = cb
	return r, nil
}

func (f *Fake) GetAddrInfo(flags dnssd.Flags, ifIndex uint32, protocol dnssd.Protocol, hostName string, cb dnssd.AddrInfoReply) (dnssd.ServiceRef, error) {
	f.logf("%s %s", OpAddrInfo, hostName)
	if err := f.takeFailure(OpAddrInfo); err != nil {
		return nil, err
	}

	r := f.newRef(OpAddrInfo)
	r.Flags, r.IfIndex, r.Protocol, r.Host = flags, ifIndex, protocol, hostName
	r.AddrInfoCb = cb
	return r, nil
}
