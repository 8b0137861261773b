package eventloop

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// initial size of the epoll_wait result array, doubled whenever a wake-up fills it
const MaxEvents = 128

type poller struct {
	// epoll file descriptor
	epollFD int

	// key is fd, value is Channel
	channelMap map[int]*channel

	// epoll_wait result array
	events []unix.EpollEvent

	// reused as the returned active list
	active []Channel
}

// create a new poller, poller contains a epollfd
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}

	return &poller{
		epollFD:    epfd,
		channelMap: make(map[int]*channel),
		events:     make([]unix.EpollEvent, MaxEvents),
		active:     make([]Channel, 0, MaxEvents),
	}, nil
}

type Poller interface {
	// wait on epoll_wait without timeout and returns the active Channels, the
	// returned slice is only valid until the next Poll
	Poll() []Channel

	// UpdateChannel calls epoll_ctl, ADD for a new channel and MOD for a known one
	UpdateChannel(Channel) error

	// RemoveChannel removes a fd from epollfd
	RemoveChannel(Channel) error

	// GetChannelCount get current epoll wait fd nums
	GetChannelCount() int

	Close() error
}

func toEpollEvents(e ReactorEvent) uint32 {
	var ev uint32
	if e&ReadableEvent != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if e&WritableEvent != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpollEvents(ev uint32) ReactorEvent {
	var e ReactorEvent
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		e |= ReadableEvent
	}
	if ev&unix.EPOLLOUT != 0 {
		e |= WritableEvent
	}
	if ev&unix.EPOLLHUP != 0 {
		e |= HangUpEvent
	}
	if ev&unix.EPOLLERR != 0 {
		e |= ErrorEvent
	}
	return e
}

// wait on epoll_wait and returns the active Channels
func (p *poller) Poll() []Channel {
	var n int
	var err error
	for {
		n, err = unix.EpollWait(p.epollFD, p.events, -1)
		if err == nil {
			break
		}
		// a signal interrupted the wait, it is not an error
		if errors.Is(err, unix.EINTR) {
			continue
		}
		panic(errors.Wrap(err, "epoll_wait"))
	}

	// fill up active channels
	p.active = p.active[:0]
	for i := 0; i < n; i++ {
		ch, ok := p.channelMap[int(p.events[i].Fd)]
		if !ok {
			continue
		}
		ch.revents = fromEpollEvents(p.events[i].Events)
		p.active = append(p.active, ch)
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}

	return p.active
}

// UpdateChannel calls epoll_ctl
func (p *poller) UpdateChannel(c Channel) error {
	ch := c.(*channel)
	if ch.removed {
		panic("update a removed channel")
	}

	ev := unix.EpollEvent{
		Events: toEpollEvents(ch.events),
		Fd:     int32(ch.fd),
	}

	// if index == -1, it is a new channel
	if ch.index < 0 {
		if err := unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_ADD, ch.fd, &ev); err != nil {
			return errors.Wrap(err, "epoll_ctl add")
		}
		ch.index = len(p.channelMap)
		ch.registered = ch.events
		p.channelMap[ch.fd] = ch
		return nil
	}

	if ch.registered == ch.events {
		return nil
	}

	if err := unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_MOD, ch.fd, &ev); err != nil {
		return errors.Wrap(err, "epoll_ctl mod")
	}
	ch.registered = ch.events
	return nil
}

// RemoveChannel removes a fd from epollfd, the fd must still be open
func (p *poller) RemoveChannel(c Channel) error {
	ch := c.(*channel)
	if ch.index < 0 {
		panic("remove non-exist channel")
	}
	if ch.removed {
		return nil
	}

	ch.removed = true
	delete(p.channelMap, ch.fd)
	if err := unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_DEL, ch.fd, nil); err != nil {
		return errors.Wrap(err, "epoll_ctl del")
	}
	return nil
}

func (p *poller) GetChannelCount() int {
	return len(p.channelMap)
}

func (p *poller) Close() error {
	return unix.Close(p.epollFD)
}
