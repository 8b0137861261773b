package eventloop

type ReactorEvent int

const (
	// do not care about anything
	NoneEvent     ReactorEvent = 0
	ReadableEvent ReactorEvent = 0b1
	WritableEvent ReactorEvent = 0b10
	AllEvent      ReactorEvent = ReadableEvent | WritableEvent

	// only appear in revents, epoll always reports them whatever the interest is
	HangUpEvent ReactorEvent = 0b100
	ErrorEvent  ReactorEvent = 0b1000
)

func (e ReactorEvent) String() string {
	s := ""
	if e&ReadableEvent != 0 {
		s += "R"
	}
	if e&WritableEvent != 0 {
		s += "W"
	}
	if e&HangUpEvent != 0 {
		s += "H"
	}
	if e&ErrorEvent != 0 {
		s += "E"
	}
	if s == "" {
		return "-"
	}
	return s
}

type channel struct {
	//  file descripor, each channel is used only to handle one fd
	fd int

	// events that we are interested, if we want to do something when the fd
	// is readable, we need to set events to ReadableEvent and SetReadCallback
	events ReactorEvent

	// events fired in the current poll, filled by poller
	revents ReactorEvent

	// events currently registered in epoll, kept by poller to skip useless epoll_ctl
	registered ReactorEvent

	// used by poller, if index is -1, the poller knows it is a new channel
	index int

	// set by poller.RemoveChannel, a removed channel never dispatches again
	removed bool

	// callbacks
	readCallback  func()
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// some setters and getters

func (c *channel) GetEvent() ReactorEvent {
	return c.events
}

func (c *channel) SetEvent(e ReactorEvent) {
	c.events = e & AllEvent
}

func (c *channel) GetRevent() ReactorEvent {
	return c.revents
}

func (c *channel) SetRevent(e ReactorEvent) {
	c.revents = e
}

func (c *channel) GetIndex() int {
	return c.index
}

func (c *channel) SetIndex(i int) {
	c.index = i
}

func (c *channel) GetFD() int {
	return c.fd
}

func (c *channel) SetReadCallback(f func()) {
	c.readCallback = f
}

func (c *channel) SetWriteCallback(f func()) {
	c.writeCallback = f
}

func (c *channel) SetCloseCallback(f func()) {
	c.closeCallback = f
}

func (c *channel) SetErrorCallback(f func()) {
	c.errorCallback = f
}

func (c *channel) IsWriting() bool {
	return c.events&WritableEvent != 0
}

func (c *channel) IsReading() bool {
	return c.events&ReadableEvent != 0
}

func (c *channel) IsRemoved() bool {
	return c.removed
}

// make events with WritableEvent set, if WritableEvent is already set before the call
// returns false, it is used for better performance, when we call EnableWrite() with
// false returns, we do not need to call eventloop.UpdateChannelInLoopGoroutine, this
// save the cost of the epoll_ctl system call
func (c *channel) EnableWrite() bool {
	if c.events&WritableEvent != 0 {
		return false
	}

	c.events |= WritableEvent
	return true
}

// if WritableEvent is not set before, returns false, the return value is be used to
// save the cost of the epoll_ctl, see EnableWrite comments
func (c *channel) DisableWrite() bool {
	if c.events&WritableEvent == 0 {
		return false
	}

	c.events &= ^WritableEvent
	return true
}

// enable read
func (c *channel) EnableRead() bool {
	if c.events&ReadableEvent != 0 {
		return false
	}

	c.events |= ReadableEvent
	return true
}

// disable read
func (c *channel) DisableRead() bool {
	if c.events&ReadableEvent == 0 {
		return false
	}

	c.events &= ^ReadableEvent
	return true
}

// handle all events for the channel. hang-up and error tear the fd down, so
// read and write callbacks are skipped for them
func (c *channel) HandleEvent() {
	revents := c.revents
	c.revents = 0

	if c.removed {
		return
	}

	if revents&(HangUpEvent|ErrorEvent) != 0 {
		if revents&ErrorEvent != 0 && c.errorCallback != nil {
			c.errorCallback()
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
		return
	}

	if revents&ReadableEvent != 0 && c.readCallback != nil {
		c.readCallback()
	}

	// the read callback may have torn the channel down
	if c.removed {
		return
	}

	if revents&WritableEvent != 0 && c.writeCallback != nil {
		c.writeCallback()
	}
}

// create a new channel
func NewChannel(fd int) Channel {
	return &channel{
		index: -1,
		fd:    fd,
	}
}

// Channel is used to manage a fd events, and handle callbacks
type Channel interface {
	GetEvent() ReactorEvent
	SetEvent(ReactorEvent)
	GetRevent() ReactorEvent
	SetRevent(ReactorEvent)

	GetIndex() int
	SetIndex(int)

	GetFD() int

	SetReadCallback(func())
	SetWriteCallback(func())
	SetCloseCallback(func())
	SetErrorCallback(func())

	HandleEvent()

	IsWriting() bool
	IsReading() bool
	IsRemoved() bool
	EnableWrite() bool
	DisableWrite() bool
	EnableRead() bool
	DisableRead() bool
}
