package mainloop

import (
	"fmt"
	"sync"

	otbr "github.com/threadbr/go-otbr"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// TaskRunner moves closures from any goroutine onto the mainloop thread.
// Posting writes a byte into a self-pipe so that a sleeping select wakes up.
type TaskRunner struct {
	readFd  int
	writeFd int

	tasks     []func()
	tasksLock sync.Mutex

	closed bool
}

func NewTaskRunner() (*TaskRunner, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("failed creating task runner pipe: %w: %w", otbr.ErrErrno, err)
	}

	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, fmt.Errorf("failed setting task runner pipe non blocking: %w: %w", otbr.ErrErrno, err)
		}
	}

	return &TaskRunner{readFd: fds[0], writeFd: fds[1]}, nil
}

// Post schedules task to run during the next Process call. Safe for
// concurrent use.
func (t *TaskRunner) Post(task func()) {
	t.tasksLock.Lock()
	defer t.tasksLock.Unlock()

	if t.closed {
		return
	}

	t.tasks = append(t.tasks, task)

	// EAGAIN means the pipe is full, which already guarantees a wake up
	_, _ = unix.Write(t.writeFd, []byte{1})
}

func (t *TaskRunner) Update(ctx *Context) {
	ctx.AddFdToReadSet(t.readFd)

	t.tasksLock.Lock()
	pending := len(t.tasks) > 0
	t.tasksLock.Unlock()

	if pending {
		ctx.SetTimeoutIfEarlier(0)
	}
}

func (t *TaskRunner) Process(ctx *Context) {
	if ctx.IsReadable(t.readFd) {
		var buf [64]byte
		for {
			n, err := unix.Read(t.readFd, buf[:])
			if n <= 0 || err != nil {
				break
			}
		}
	}

	t.tasksLock.Lock()
	tasks := t.tasks
	t.tasks = nil
	t.tasksLock.Unlock()

	for _, task := range tasks {
		task()
	}
}

func (t *TaskRunner) Close() error {
	t.tasksLock.Lock()
	defer t.tasksLock.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	t.tasks = nil
	return multierr.Combine(unix.Close(t.readFd), unix.Close(t.writeFd))
}
