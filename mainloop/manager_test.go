//go:build test_unit

package mainloop_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otbr "github.com/threadbr/go-otbr"
	"github.com/threadbr/go-otbr/mainloop"
	"go.uber.org/goleak"
)

type recordingProcessor struct {
	name   string
	fd     int
	events *[]string
}

func (p *recordingProcessor) Update(ctx *mainloop.Context) {
	*p.events = append(*p.events, "update "+p.name)
	ctx.AddFdToReadSet(p.fd)
}

func (p *recordingProcessor) Process(ctx *mainloop.Context) {
	*p.events = append(*p.events, "process "+p.name)
}

func TestContextAddsDescriptors(t *testing.T) {
	ctx := mainloop.NewContext(time.Second)
	assert.Equal(t, -1, ctx.MaxFd)

	assert.True(t, ctx.AddFdToReadSet(7))
	assert.True(t, ctx.AddFdToReadSet(3))
	assert.Equal(t, 7, ctx.MaxFd)
	assert.True(t, ctx.IsReadable(3))
	assert.True(t, ctx.IsReadable(7))
	assert.False(t, ctx.IsReadable(4))

	assert.False(t, ctx.AddFdToReadSet(-1))
	assert.False(t, ctx.AddFdToReadSet(mainloop.FdSetSize))
	assert.Equal(t, 7, ctx.MaxFd)

	assert.True(t, ctx.AddFdToWriteSet(9))
	assert.True(t, ctx.IsWritable(9))
	assert.Equal(t, 9, ctx.MaxFd)
}

func TestContextTimeoutOnlyShrinks(t *testing.T) {
	ctx := mainloop.NewContext(time.Second)

	ctx.SetTimeoutIfEarlier(2 * time.Second)
	assert.Equal(t, time.Second, ctx.Timeout)

	ctx.SetTimeoutIfEarlier(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, ctx.Timeout)

	ctx.SetTimeoutIfEarlier(-time.Second)
	assert.Equal(t, time.Duration(0), ctx.Timeout)
}

func TestManagerOrdering(t *testing.T) {
	m, err := mainloop.NewManager(&otbr.NullLogger{}, time.Second)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	var events []string
	a := &recordingProcessor{name: "a", fd: 10, events: &events}
	b := &recordingProcessor{name: "b", fd: 11, events: &events}
	m.Add(a)
	m.Add(b)
	m.Add(a)

	ctx := mainloop.NewContext(time.Second)
	m.Update(ctx)
	m.Process(ctx)
	assert.Equal(t, []string{"update a", "update b", "process a", "process b"}, events)
	assert.Equal(t, 11, ctx.MaxFd)

	m.Remove(a)
	events = nil
	m.Update(mainloop.NewContext(time.Second))
	assert.Equal(t, []string{"update b"}, events)
}

func TestTaskRunnerPostWakesSelect(t *testing.T) {
	m, err := mainloop.NewManager(&otbr.NullLogger{}, time.Minute)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	var ran atomic.Bool
	go m.Post(func() { ran.Store(true) })

	// the poll timeout is a minute, only the self-pipe can wake us up
	deadline := time.Now().Add(5 * time.Second)
	for !ran.Load() && time.Now().Before(deadline) {
		require.NoError(t, m.RunOnce())
	}

	assert.True(t, ran.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, err := mainloop.NewManager(&otbr.NullLogger{}, time.Minute)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	ctx, cancel := context.WithCancel(context.Background())

	var count atomic.Int32
	m.Post(func() {
		count.Add(1)
		cancel()
	})

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mainloop did not stop")
	}

	assert.EqualValues(t, 1, count.Load())
}

func TestTaskRunnerClosedDropsTasks(t *testing.T) {
	r, err := mainloop.NewTaskRunner()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	called := false
	r.Post(func() { called = true })
	r.Process(mainloop.NewContext(0))
	assert.False(t, called)
}
