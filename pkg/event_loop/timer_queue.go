package eventloop

import (
	"container/heap"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// timer entry
type timerHeapEntry struct {
	// id will be used to cancel timer
	timerId int
	// next trigger timepoint
	TimeStamp time.Time
	// callback function
	onTimer func()
	// if interval is 0, only trigger once
	interval time.Duration
}

// implement container.Heap interface
type timerHeap []timerHeapEntry

func (th *timerHeap) Len() int {
	return len(*th)
}

func (th *timerHeap) Less(i, j int) bool {
	if (*th)[i].TimeStamp.Equal((*th)[j].TimeStamp) {
		return (*th)[i].timerId < (*th)[j].timerId
	}

	return (*th)[i].TimeStamp.Before((*th)[j].TimeStamp)
}

func (th *timerHeap) Swap(i, j int) {
	(*th)[i], (*th)[j] = (*th)[j], (*th)[i]
}

func (th *timerHeap) Push(x interface{}) {
	*th = append(*th, x.(timerHeapEntry))
}

func (th *timerHeap) Pop() interface{} {
	old := *th
	n := len(old)
	x := old[n-1]
	*th = old[0 : n-1]
	return x
}

type timerQueue struct {
	// timerfd's channel
	timerChannel Channel
	// each timer has an unique index, use counter
	timerIdCounter int
	// timer array, but uses container.Heap interface to insert
	heap timerHeap
}

func newTimerQueue(loop EventLoop) (*timerQueue, error) {
	timerfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "timerfd_create")
	}

	ch := NewChannel(timerfd)
	ch.SetEvent(ReadableEvent)
	tq := &timerQueue{
		timerChannel:   ch,
		timerIdCounter: 0,
		heap:           make(timerHeap, 0),
	}
	heap.Init(&tq.heap)

	// read callback consumes content in timerfd and call getExpired() to execute callbakcs
	ch.SetReadCallback(func() {
		var b [8]byte
		_, err := unix.Read(timerfd, b[:])
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			panic(err)
		}

		for _, v := range tq.getExpired() {
			v.onTimer()
		}
	})

	if err := loop.UpdateChannelInLoopGoroutine(ch); err != nil {
		unix.Close(timerfd)
		return nil, err
	}

	return tq, nil
}

// create a new timer, returns its id
func (tq *timerQueue) AddTimer(triggerAt time.Time, interval time.Duration, f func()) int {
	tq.timerIdCounter++
	id := tq.timerIdCounter
	heap.Push(&tq.heap, timerHeapEntry{
		timerId:   id,
		TimeStamp: triggerAt,
		onTimer:   f,
		interval:  interval,
	})

	tq.reset()
	return id
}

// cancel timer by its'id
// TODO: O(N), keep an id -> heap index map to make it O(logN)
func (tq *timerQueue) CancelTimer(timerId int) bool {
	for i, v := range tq.heap {
		if v.timerId == timerId {
			heap.Remove(&tq.heap, i)
			tq.reset()
			return true
		}
	}
	return false
}

// get expired entries
func (tq *timerQueue) getExpired() []timerHeapEntry {
	te := make([]timerHeapEntry, 0)
	now := time.Now()
	for tq.heap.Len() != 0 {
		minOne := tq.heap[0]
		if minOne.TimeStamp.After(now) {
			break
		}

		te = append(te, minOne)
		heap.Pop(&tq.heap)
		// if interval is not 0, reset its timestamp and push it back
		if minOne.interval != 0 {
			minOne.TimeStamp = minOne.TimeStamp.Add(minOne.interval)
			if minOne.TimeStamp.Before(now) {
				minOne.TimeStamp = now.Add(minOne.interval)
			}
			heap.Push(&tq.heap, minOne)
		}
	}

	tq.reset()
	return te
}

// reset the timerfd, set it to the earliest one, disarm it if there is no timer
func (tq *timerQueue) reset() {
	sp := unix.ItimerSpec{}
	if tq.heap.Len() != 0 {
		// a zero it_value disarms the timer, fire an expired timer in 1ns instead
		nsec := time.Until(tq.heap[0].TimeStamp).Nanoseconds()
		if nsec <= 0 {
			nsec = 1
		}
		sp.Value = unix.NsecToTimespec(nsec)
	}

	if err := unix.TimerfdSettime(tq.timerChannel.GetFD(), 0, &sp, nil); err != nil {
		panic(err)
	}
}
