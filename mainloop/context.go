package mainloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// FdSetSize is the number of descriptors a select(2) fd set can carry.
const FdSetSize = 1024

// Context describes a single poll cycle. It is rebuilt by the Manager on every
// iteration and handed to each Processor, processors only ever add to it.
type Context struct {
	ReadFdSet  unix.FdSet
	WriteFdSet unix.FdSet
	ErrorFdSet unix.FdSet
	MaxFd      int
	Timeout    time.Duration
}

func NewContext(timeout time.Duration) *Context {
	return &Context{MaxFd: -1, Timeout: timeout}
}

func validFd(fd int) bool {
	return fd >= 0 && fd < FdSetSize
}

func (c *Context) raiseMaxFd(fd int) {
	if fd > c.MaxFd {
		c.MaxFd = fd
	}
}

// AddFdToReadSet watches fd for readability. It returns false when the
// descriptor cannot be represented in a select(2) fd set.
func (c *Context) AddFdToReadSet(fd int) bool {
	if !validFd(fd) {
		return false
	}

	c.ReadFdSet.Set(fd)
	c.raiseMaxFd(fd)
	return true
}

func (c *Context) AddFdToWriteSet(fd int) bool {
	if !validFd(fd) {
		return false
	}

	c.WriteFdSet.Set(fd)
	c.raiseMaxFd(fd)
	return true
}

func (c *Context) AddFdToErrorSet(fd int) bool {
	if !validFd(fd) {
		return false
	}

	c.ErrorFdSet.Set(fd)
	c.raiseMaxFd(fd)
	return true
}

func (c *Context) IsReadable(fd int) bool {
	return validFd(fd) && c.ReadFdSet.IsSet(fd)
}

func (c *Context) IsWritable(fd int) bool {
	return validFd(fd) && c.WriteFdSet.IsSet(fd)
}

// SetTimeoutIfEarlier lowers the poll timeout, it never raises it.
func (c *Context) SetTimeoutIfEarlier(timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}

	if timeout < c.Timeout {
		c.Timeout = timeout
	}
}
