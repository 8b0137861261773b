package eventloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startLoop(t *testing.T) EventLoop {
	t.Helper()
	routine := NewLoopGoroutine()
	loop, err := routine.StartLoop()
	require.NoError(t, err)
	t.Cleanup(routine.StopAndWait)
	return loop
}

// runSync runs f in the loop goroutine and waits for it
func runSync(loop EventLoop, f func()) {
	done := make(chan struct{})
	loop.RunInLoop(func() {
		f()
		close(done)
	})
	<-done
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestRunInLoop(t *testing.T) {
	loop := startLoop(t)

	var inLoop int64
	runSync(loop, func() {
		if loop.InLoopGoroutine() {
			atomic.StoreInt64(&inLoop, 1)
		}
	})
	assert.Equal(t, int64(1), atomic.LoadInt64(&inLoop))
	assert.False(t, loop.InLoopGoroutine())
}

func TestLoopWrongGoroutine(t *testing.T) {
	loop := startLoop(t)
	assert.Panics(t, loop.Loop)
}

func TestStopMakesLoopReturn(t *testing.T) {
	routine := NewLoopGoroutine()
	loop, err := routine.StartLoop()
	require.NoError(t, err)

	loop.Stop()
	select {
	case <-routine.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestChannelCount(t *testing.T) {
	loop := startLoop(t)
	// eventfd and timerfd
	assert.Equal(t, 2, loop.GetChannelCount())
}

func TestReadableAndRemove(t *testing.T) {
	loop := startLoop(t)
	a, b := socketPair(t)
	defer unix.Close(b)

	got := make(chan string, 4)
	ch := NewChannel(a)
	ch.SetEvent(ReadableEvent)
	ch.SetReadCallback(func() {
		buf := make([]byte, 64)
		n, err := unix.Read(a, buf)
		if err == nil && n > 0 {
			got <- string(buf[:n])
		}
	})
	var err error
	runSync(loop, func() { err = loop.UpdateChannelInLoopGoroutine(ch) })
	require.NoError(t, err)
	assert.Equal(t, 3, loop.GetChannelCount())

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "ping", s)
	case <-time.After(5 * time.Second):
		t.Fatal("no readable event")
	}

	var err1, err2 error
	runSync(loop, func() {
		err1 = loop.RemoveChannelInLoopGoroutine(ch)
		// removing twice is a no-op
		err2 = loop.RemoveChannelInLoopGoroutine(ch)
	})
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.True(t, ch.IsRemoved())
	assert.Equal(t, 2, loop.GetChannelCount())
	unix.Close(a)
}

func TestHangUpSkipsReadAndWrite(t *testing.T) {
	loop := startLoop(t)
	a, b := socketPair(t)

	var reads, writes int64
	closed := make(chan struct{})
	ch := NewChannel(a)
	ch.SetEvent(AllEvent)
	ch.SetReadCallback(func() { atomic.AddInt64(&reads, 1) })
	ch.SetWriteCallback(func() { atomic.AddInt64(&writes, 1) })
	ch.SetCloseCallback(func() {
		loop.RemoveChannelInLoopGoroutine(ch)
		unix.Close(a)
		close(closed)
	})

	// both directions shut down, epoll reports EPOLLHUP
	unix.Shutdown(a, unix.SHUT_RDWR)
	unix.Close(b)
	var err error
	runSync(loop, func() { err = loop.UpdateChannelInLoopGoroutine(ch) })
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("no hang-up event")
	}
	assert.Equal(t, int64(0), atomic.LoadInt64(&reads))
	assert.Equal(t, int64(0), atomic.LoadInt64(&writes))
}

func TestRemovedChannelNeverDispatches(t *testing.T) {
	ch := NewChannel(-1).(*channel)
	var calls int
	ch.SetReadCallback(func() { calls++ })
	ch.SetCloseCallback(func() { calls++ })
	ch.removed = true

	ch.SetRevent(ReadableEvent | HangUpEvent)
	ch.HandleEvent()
	assert.Equal(t, 0, calls)
	assert.Equal(t, NoneEvent, ch.GetRevent())
}

func TestReadCallbackTeardownSkipsWrite(t *testing.T) {
	ch := NewChannel(-1).(*channel)
	var writes int
	ch.SetReadCallback(func() { ch.removed = true })
	ch.SetWriteCallback(func() { writes++ })

	ch.SetRevent(ReadableEvent | WritableEvent)
	ch.HandleEvent()
	assert.Equal(t, 0, writes)
}

func TestEnableDisable(t *testing.T) {
	ch := NewChannel(-1)
	assert.True(t, ch.EnableRead())
	assert.False(t, ch.EnableRead())
	assert.True(t, ch.EnableWrite())
	assert.False(t, ch.EnableWrite())
	assert.Equal(t, AllEvent, ch.GetEvent())
	assert.Equal(t, "RW", ch.GetEvent().String())

	assert.True(t, ch.DisableWrite())
	assert.False(t, ch.DisableWrite())
	assert.True(t, ch.IsReading())
	assert.False(t, ch.IsWriting())

	// hang-up and error are never part of the interest
	ch.SetEvent(AllEvent | HangUpEvent)
	assert.Equal(t, AllEvent, ch.GetEvent())
}

func TestUpdateSkipsUnchangedInterest(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	ch := NewChannel(a)
	ch.SetEvent(ReadableEvent)
	require.NoError(t, p.UpdateChannel(ch))
	assert.Equal(t, ReadableEvent, ch.(*channel).registered)

	ch.EnableWrite()
	require.NoError(t, p.UpdateChannel(ch))
	assert.Equal(t, AllEvent, ch.(*channel).registered)

	// fd is writable right away
	active := p.Poll()
	require.Len(t, active, 1)
	assert.Equal(t, WritableEvent, active[0].GetRevent())

	require.NoError(t, p.RemoveChannel(ch))
	assert.Panics(t, func() { p.UpdateChannel(ch) })
}
