package gorelay

import (
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/markity/go-relay/pkg/buffer"
	eventloop "github.com/markity/go-relay/pkg/event_loop"
)

type tcpConnectionState int

const (
	Connecting   tcpConnectionState = 1
	Connected    tcpConnectionState = 2
	Disconnected tcpConnectionState = 3
)

func (s tcpConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

type TCPConnection interface {
	GetFD() int
	GetRemoteAddrPort() netip.AddrPort
	// bytes queued for this connection but not sent yet
	GetQueuedBytes() int
	GetEventLoop() eventloop.EventLoop
}

// tcpConnection belongs to the loop goroutine, nothing here is safe to share
type tcpConnection struct {
	state tcpConnectionState

	loop eventloop.EventLoop

	socketChannel eventloop.Channel

	messageCallback messageCallbackFunc
	closeCallback   closeCallbackFunc
	// asks the server to recompute interest at the end of this cycle
	dirtyCallback func(*tcpConnection)
	dirty         bool

	remoteAddrPort netip.AddrPort

	// fixed size, reused by every read
	inputBuffer  []byte
	outputBuffer buffer.Buffer

	log logrus.FieldLogger
}

func newConnection(loop eventloop.EventLoop, sockFD int, remoteAddrPort netip.AddrPort, log logrus.FieldLogger) *tcpConnection {
	channel := eventloop.NewChannel(sockFD)
	c := &tcpConnection{
		state:          Connecting,
		loop:           loop,
		socketChannel:  channel,
		remoteAddrPort: remoteAddrPort,
		inputBuffer:    make([]byte, ReadBufferSize),
		outputBuffer:   buffer.NewBuffer(),
		log: log.WithFields(logrus.Fields{
			"fd":   sockFD,
			"peer": remoteAddrPort.String(),
		}),
	}
	channel.SetCloseCallback(c.handleClose)
	channel.SetErrorCallback(c.handleError)
	channel.SetReadCallback(c.handleRead)
	channel.SetWriteCallback(c.handleWrite)
	channel.SetEvent(eventloop.ReadableEvent)

	return c
}

func (conn *tcpConnection) setMessageCallback(f messageCallbackFunc) {
	conn.messageCallback = f
}

func (conn *tcpConnection) setCloseCallback(f closeCallbackFunc) {
	conn.closeCallback = f
}

func (conn *tcpConnection) setDirtyCallback(f func(*tcpConnection)) {
	conn.dirtyCallback = f
}

func (conn *tcpConnection) GetFD() int {
	return conn.socketChannel.GetFD()
}

func (conn *tcpConnection) GetRemoteAddrPort() netip.AddrPort {
	return conn.remoteAddrPort
}

func (conn *tcpConnection) GetQueuedBytes() int {
	return conn.outputBuffer.ReadableBytes()
}

func (conn *tcpConnection) GetEventLoop() eventloop.EventLoop {
	return conn.loop
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

func (conn *tcpConnection) markDirty() {
	if conn.dirty || conn.dirtyCallback == nil {
		return
	}
	conn.dirty = true
	conn.dirtyCallback(conn)
}

// one bounded read per readable event
func (conn *tcpConnection) handleRead() {
	n, err := unix.Read(conn.GetFD(), conn.inputBuffer)
	switch {
	case err != nil:
		if isWouldBlock(err) {
			return
		}
		conn.log.WithError(err).Debug("read failed")
		conn.handleClose()
	case n == 0:
		// n为0意味对面已经close write或close total了, 此时直接关闭连接
		conn.handleClose()
	default:
		conn.messageCallback(conn, conn.inputBuffer[:n])
		conn.markDirty()
	}
}

// one writev per writable event, the unsent suffix stays queued
func (conn *tcpConnection) handleWrite() {
	_, err := conn.outputBuffer.WriteFD(conn.GetFD())
	if err != nil && !isWouldBlock(err) {
		conn.log.WithError(err).Debug("send failed")
		conn.handleClose()
		return
	}
	conn.markDirty()
}

func (conn *tcpConnection) handleError() {
	errno, err := unix.GetsockoptInt(conn.GetFD(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && errno != 0 {
		conn.log.WithError(unix.Errno(errno)).Debug("socket error")
	}
}

// desiredEvents is readable always, writable iff something is queued
func (conn *tcpConnection) desiredEvents() eventloop.ReactorEvent {
	e := eventloop.ReadableEvent
	if conn.outputBuffer.ReadableBytes() > 0 {
		e |= eventloop.WritableEvent
	}
	return e
}

// syncInterest applies desiredEvents to the poller, the poller skips epoll_ctl
// if the registered set is already the same
func (conn *tcpConnection) syncInterest() {
	conn.dirty = false
	if conn.state != Connected {
		return
	}

	conn.socketChannel.SetEvent(conn.desiredEvents())
	if err := conn.loop.UpdateChannelInLoopGoroutine(conn.socketChannel); err != nil {
		conn.log.WithError(err).Warn("update interest failed")
		conn.handleClose()
	}
}

// handleClose is the only way out of Connected, calling it again does nothing.
// unsent bytes are dropped
func (conn *tcpConnection) handleClose() {
	if conn.state != Connected {
		return
	}

	conn.state = Disconnected
	if err := conn.loop.RemoveChannelInLoopGoroutine(conn.socketChannel); err != nil {
		conn.log.WithError(err).Debug("remove channel failed")
	}
	unix.Close(conn.GetFD())
	conn.outputBuffer.RetrieveAll()
	conn.closeCallback(conn)
}

func (conn *tcpConnection) establishConn() error {
	if conn.state != Connecting {
		panic("unexpected")
	}

	if err := conn.loop.UpdateChannelInLoopGoroutine(conn.socketChannel); err != nil {
		return err
	}
	conn.state = Connected
	return nil
}
