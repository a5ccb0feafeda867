package dnssd

import (
	"bytes"
	"encoding/binary"
	"fmt"

	otbr "github.com/threadbr/go-otbr"
)

const (
	ipcVersion    = 1
	ipcHeaderSize = 28

	// ipcFlagsNoErrSd asks the responder to write the synchronous error
	// back onto the request socket instead of a dedicated one.
	ipcFlagsNoErrSd = 0x1
)

type ipcOp uint32

const (
	opConnection    ipcOp = 1
	opRegRecord     ipcOp = 2
	opRemoveRecord  ipcOp = 3
	opRegService    ipcOp = 5
	opBrowse        ipcOp = 6
	opResolve       ipcOp = 7
	opAddRecord     ipcOp = 10
	opUpdateRecord  ipcOp = 11
	opAddrInfo      ipcOp = 15
	opCancel        ipcOp = 63
	opRegServiceRep ipcOp = 65
	opBrowseRep     ipcOp = 66
	opResolveRep    ipcOp = 67
	opRegRecordRep  ipcOp = 69
	opAddrInfoRep   ipcOp = 72
)

type ipcHeader struct {
	Version  uint32
	DataLen  uint32
	IpcFlags uint32
	Op       uint32
	Context  [2]uint32
	RegIndex uint32
}

// ipcMessage builds one request. All integers are big endian, strings are
// NUL terminated.
type ipcMessage struct {
	hdr  ipcHeader
	body bytes.Buffer
}

func newIpcMessage(op ipcOp, separateErrorSocket bool) *ipcMessage {
	m := &ipcMessage{hdr: ipcHeader{Version: ipcVersion, Op: uint32(op)}}
	if separateErrorSocket {
		// empty path, the error socket is passed along as ancillary data
		m.body.WriteByte(0)
	} else {
		m.hdr.IpcFlags = ipcFlagsNoErrSd
	}

	return m
}

func (m *ipcMessage) putUint32(v uint32) *ipcMessage {
	_ = binary.Write(&m.body, binary.BigEndian, v)
	return m
}

func (m *ipcMessage) putUint16(v uint16) *ipcMessage {
	_ = binary.Write(&m.body, binary.BigEndian, v)
	return m
}

func (m *ipcMessage) putString(s string) *ipcMessage {
	m.body.WriteString(s)
	m.body.WriteByte(0)
	return m
}

func (m *ipcMessage) putRData(rdata []byte) *ipcMessage {
	m.putUint16(uint16(len(rdata)))
	m.body.Write(rdata)
	return m
}

func (m *ipcMessage) bytes() []byte {
	m.hdr.DataLen = uint32(m.body.Len())

	var buf bytes.Buffer
	buf.Grow(ipcHeaderSize + m.body.Len())
	_ = binary.Write(&buf, binary.BigEndian, m.hdr)
	buf.Write(m.body.Bytes())
	return buf.Bytes()
}

func parseIpcHeader(b []byte) (ipcHeader, error) {
	var hdr ipcHeader
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &hdr); err != nil {
		return hdr, fmt.Errorf("failed reading ipc header: %w", err)
	} else if hdr.Version != ipcVersion {
		return hdr, fmt.Errorf("unsupported ipc version %d: %w", hdr.Version, otbr.ErrInvalidArgs)
	}

	return hdr, nil
}

// ipcReader consumes a reply body. The first decoding error sticks and every
// following read returns a zero value.
type ipcReader struct {
	data []byte
	err  error
}

func (r *ipcReader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated ipc message reading %s: %w", what, otbr.ErrInvalidArgs)
	}
	r.data = nil
}

func (r *ipcReader) uint32() uint32 {
	if len(r.data) < 4 {
		r.fail("uint32")
		return 0
	}

	v := binary.BigEndian.Uint32(r.data)
	r.data = r.data[4:]
	return v
}

func (r *ipcReader) uint16() uint16 {
	if len(r.data) < 2 {
		r.fail("uint16")
		return 0
	}

	v := binary.BigEndian.Uint16(r.data)
	r.data = r.data[2:]
	return v
}

func (r *ipcReader) string() string {
	idx := bytes.IndexByte(r.data, 0)
	if idx < 0 {
		r.fail("string")
		return ""
	}

	s := string(r.data[:idx])
	r.data = r.data[idx+1:]
	return s
}

func (r *ipcReader) bytes(n int) []byte {
	if len(r.data) < n {
		r.fail("bytes")
		return nil
	}

	b := append([]byte(nil), r.data[:n]...)
	r.data = r.data[n:]
	return b
}

// replyPrefix is the part shared by every reply body.
type replyPrefix struct {
	flags   Flags
	ifIndex uint32
	err     ErrorCode
}

func (r *ipcReader) prefix() replyPrefix {
	return replyPrefix{
		flags:   Flags(r.uint32()),
		ifIndex: r.uint32(),
		err:     ErrorCode(int32(r.uint32())),
	}
}
