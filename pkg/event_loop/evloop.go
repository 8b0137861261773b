package eventloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type eventloop struct {
	// Poller is epoll poller
	poller Poller

	// eventfd, be used to wake up epoll_wait syscall
	wakeupEventChannel Channel

	// be used to manage timers, timerQueue contains a timerfd
	timerQueue *timerQueue

	// mu is used to protect functors
	mu       sync.Mutex
	functors []func()

	// be used to stop eventloop, make eventloop.Loop returns
	running int64

	// gid is goroutine id, be set when NewEventLoop
	gid int64

	doOnLoop        func(EventLoop)
	afterDispatches []func()
}

// create an EventLoop, it's Loop function can be only triggered
// at the goroutine which creates the eventloop
func NewEventLoop() (EventLoop, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}

	// the eventfd is used to wake up epoll_wait, when RunInLoop(f) is called from
	// another goroutine the loop may be blocked in epoll_wait
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		poller.Close()
		return nil, errors.Wrap(err, "eventfd")
	}

	c := NewChannel(efd)
	c.SetEvent(ReadableEvent)
	c.SetReadCallback(func() {
		var b [8]byte
		_, err := unix.Read(efd, b[:])
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			panic(err)
		}
	})

	ev := &eventloop{
		poller:             poller,
		wakeupEventChannel: c,
		functors:           make([]func(), 0),
		running:            0,
		gid:                getGid(),
	}

	// register the channel into epoll
	if err := ev.UpdateChannelInLoopGoroutine(ev.wakeupEventChannel); err != nil {
		unix.Close(efd)
		poller.Close()
		return nil, err
	}

	// create a timer queue
	ev.timerQueue, err = newTimerQueue(ev)
	if err != nil {
		unix.Close(efd)
		poller.Close()
		return nil, err
	}

	return ev, nil
}

// EventLoop interface describe the functions designed for the users
type EventLoop interface {
	// Loop() will never return unless Stop() is called
	Loop()

	// queue a functor into eventloop, the function will be called latter in loop goroutine
	RunInLoop(func())

	// stop eventloop and make Loop() return
	Stop()

	// create a timer, it will be triggered at specified timepoint, and then every
	// interval if interval is not 0
	RunAt(triggerAt time.Time, interval time.Duration, f func()) int

	// cancel a timer, if it is removed successfully, returns true
	// if the timer is already executed or the id is invalid, returns false
	CancelTimer(id int) bool

	// get current channel count in this loop
	GetChannelCount() int

	// reports whether the caller runs on the loop goroutine
	InLoopGoroutine() bool

	// when a channel is change, it is necessary to notify epollfd
	UpdateChannelInLoopGoroutine(Channel) error

	// remove a channel from eventloop, the fd will also be remove from epollfd
	RemoveChannelInLoopGoroutine(Channel) error

	// be called when start loop
	DoOnLoop(func(EventLoop))

	// be called once per wake-up, after every active channel is handled
	DoAfterDispatch(func())
}

func (ev *eventloop) InLoopGoroutine() bool {
	return ev.gid == getGid()
}

// the function can be only triggered at eventloop goroutine
func (ev *eventloop) UpdateChannelInLoopGoroutine(c Channel) error {
	return ev.poller.UpdateChannel(c)
}

// the function can be only triggered at eventloop goroutine
func (ev *eventloop) RemoveChannelInLoopGoroutine(c Channel) error {
	return ev.poller.RemoveChannel(c)
}

func (ev *eventloop) DoOnLoop(f func(EventLoop)) {
	ev.doOnLoop = f
}

func (ev *eventloop) DoAfterDispatch(f func()) {
	ev.afterDispatches = append(ev.afterDispatches, f)
}

// start event loop, if Stop() is not called, Loop() will never return
func (ev *eventloop) Loop() {
	// check gid, Loop() can be only called at the goroutine which creates it
	if !ev.InLoopGoroutine() {
		panic("loop must be run at the goroutine created at")
	}

	// atomic operation, make running switch 0 to 1
	if !atomic.CompareAndSwapInt64(&ev.running, 0, 1) {
		panic("it is already running? don't run it again")
	}

	if ev.doOnLoop != nil {
		ev.doOnLoop(ev)
	}

	// check running, if running is 0, Loop should returns
	for atomic.LoadInt64(&ev.running) == 1 {
		// wait epoll_wait returns, and get the active event channels
		channels := ev.poller.Poll()

		// execute functions for each channel
		for _, v := range channels {
			v.HandleEvent()
		}

		for _, f := range ev.afterDispatches {
			f()
		}

		// get all functors
		ev.mu.Lock()
		f := ev.functors
		ev.functors = make([]func(), 0)
		ev.mu.Unlock()

		// execute all functors
		for _, v := range f {
			v()
		}
	}
}

// queue a functor into a loop, func will be called in the loop goroutine later
func (ev *eventloop) RunInLoop(f func()) {
	// if is running and it is in eventloop goroutine, just execute it right now
	if running := atomic.LoadInt64(&ev.running) == 1; running && ev.InLoopGoroutine() {
		f()
	} else {
		// or queue the functor into ev.functors, the lock protects functors
		ev.mu.Lock()
		ev.functors = append(ev.functors, f)
		ev.mu.Unlock()

		// make sure epoll_wait returns
		ev.wakeup()
	}
}

// stop a eventloop
func (ev *eventloop) Stop() {
	ev.RunInLoop(func() {
		// atomic operation is better than lock
		atomic.StoreInt64(&ev.running, 0)
	})
}

func (ev *eventloop) GetChannelCount() int {
	if ev.InLoopGoroutine() {
		return ev.poller.GetChannelCount()
	}

	c := make(chan int, 1)
	ev.RunInLoop(func() {
		c <- ev.poller.GetChannelCount()
	})
	return <-c
}

// setup a timer, returns its id, it can be cancelled, see CancelTimer(id int)
func (ev *eventloop) RunAt(triggerAt time.Time, interval time.Duration, f func()) int {
	// ev.timerQueue can noly be operated in loop goroutine, we need to use RunInLoop
	// and get its return value by golang channel
	if ev.InLoopGoroutine() {
		return ev.timerQueue.AddTimer(triggerAt, interval, f)
	}

	c := make(chan int, 1)
	ev.RunInLoop(func() {
		c <- ev.timerQueue.AddTimer(triggerAt, interval, f)
	})
	return <-c
}

// cancel a timer
func (ev *eventloop) CancelTimer(id int) bool {
	if ev.InLoopGoroutine() {
		return ev.timerQueue.CancelTimer(id)
	}

	c := make(chan bool, 1)
	ev.RunInLoop(func() {
		c <- ev.timerQueue.CancelTimer(id)
	})
	return <-c
}

// wakeup writes something into evnetfd, so that epoll_wait can return
func (ev *eventloop) wakeup() {
	_, err := unix.Write(ev.wakeupEventChannel.GetFD(), []byte{1, 0, 0, 0, 0, 0, 0, 0})
	if err != nil {
		// notice here, if the counter of eventfd would overflow, write returns EAGAIN,
		// the loop is going to wake up anyway
		if !errors.Is(err, unix.EAGAIN) {
			panic(err)
		}
	}
}
