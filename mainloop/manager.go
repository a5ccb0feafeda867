package mainloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	otbr "github.com/threadbr/go-otbr"
	"golang.org/x/sys/unix"
)

// DefaultPollTimeout bounds how long a single select call may sleep.
const DefaultPollTimeout = 10 * time.Second

// Processor is implemented by every subsystem that takes part in the
// mainloop. Update collects the descriptors to watch, Process dispatches
// the ones that became ready.
type Processor interface {
	Update(ctx *Context)
	Process(ctx *Context)
}

// Manager drives all registered processors from a single goroutine.
type Manager struct {
	log otbr.Logger

	processors []Processor
	tasks      *TaskRunner

	pollTimeout time.Duration
}

func NewManager(log otbr.Logger, pollTimeout time.Duration) (*Manager, error) {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}

	tasks, err := NewTaskRunner()
	if err != nil {
		return nil, err
	}

	m := &Manager{log: log, tasks: tasks, pollTimeout: pollTimeout}
	m.processors = append(m.processors, tasks)
	return m, nil
}

// Post runs task on the mainloop goroutine. Safe for concurrent use.
func (m *Manager) Post(task func()) {
	m.tasks.Post(task)
}

// Add registers p, must be called from the mainloop goroutine or before Run.
func (m *Manager) Add(p Processor) {
	for _, pp := range m.processors {
		if pp == p {
			return
		}
	}

	m.processors = append(m.processors, p)
}

func (m *Manager) Remove(p Processor) {
	for i, pp := range m.processors {
		if pp == p {
			m.processors = append(m.processors[:i:i], m.processors[i+1:]...)
			return
		}
	}
}

func (m *Manager) Update(ctx *Context) {
	processors := append([]Processor(nil), m.processors...)
	for _, p := range processors {
		p.Update(ctx)
	}
}

func (m *Manager) Process(ctx *Context) {
	processors := append([]Processor(nil), m.processors...)
	for _, p := range processors {
		p.Process(ctx)
	}
}

// RunOnce performs a single Update, select, Process cycle.
func (m *Manager) RunOnce() error {
	ctx := NewContext(m.pollTimeout)
	m.Update(ctx)

	tv := unix.NsecToTimeval(ctx.Timeout.Nanoseconds())
	if _, err := unix.Select(ctx.MaxFd+1, &ctx.ReadFdSet, &ctx.WriteFdSet, &ctx.ErrorFdSet, &tv); err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}

		return fmt.Errorf("failed selecting: %w: %w", otbr.ErrErrno, err)
	}

	m.Process(ctx)
	return nil
}

// Run loops until ctx is cancelled or select fails.
func (m *Manager) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		// wake up select so that cancellation is noticed promptly
		m.tasks.Post(func() {})
	})
	defer stop()

	m.log.Debugf("mainloop started, poll timeout %v", m.pollTimeout)

	for ctx.Err() == nil {
		if err := m.RunOnce(); err != nil {
			m.log.WithError(err).Errorf("mainloop failed")
			return err
		}
	}

	m.log.Debugf("mainloop stopped")
	return nil
}

func (m *Manager) Close() error {
	return m.tasks.Close()
}
