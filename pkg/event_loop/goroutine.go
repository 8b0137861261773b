package eventloop

import (
	"sync/atomic"
)

// LoopGoroutine runs an EventLoop on a goroutine of its own, Loop must be called
// by the goroutine that created the loop, so the loop is created in there as well
type LoopGoroutine struct {
	started int64
	loop    EventLoop
	done    chan struct{}
}

func (routine *LoopGoroutine) StartLoop() (EventLoop, error) {
	if !atomic.CompareAndSwapInt64(&routine.started, 0, 1) {
		panic("already started")
	}

	type result struct {
		loop EventLoop
		err  error
	}
	c := make(chan result, 1)
	go func() {
		defer close(routine.done)
		loop, err := NewEventLoop()
		c <- result{loop, err}
		if err != nil {
			return
		}
		loop.Loop()
	}()

	r := <-c
	routine.loop = r.loop
	return r.loop, r.err
}

// Done is closed after Loop returns
func (routine *LoopGoroutine) Done() <-chan struct{} {
	return routine.done
}

// StopAndWait stops the loop and waits for its goroutine to exit
func (routine *LoopGoroutine) StopAndWait() {
	if routine.loop == nil {
		<-routine.done
		return
	}
	routine.loop.Stop()
	<-routine.done
}

func NewLoopGoroutine() *LoopGoroutine {
	return &LoopGoroutine{
		started: 0,
		done:    make(chan struct{}),
	}
}
