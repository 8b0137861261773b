package gorelay

import (
	"context"
	"net"
	"net/netip"

	reuseport "github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	eventloop "github.com/markity/go-relay/pkg/event_loop"
)

type newConnectionCallback func(socketfd int, peerAddr netip.AddrPort)

type tcpAcceptor struct {
	// event loop
	loop eventloop.EventLoop

	// be used to prevent double start
	listening bool

	// listen at, "host:port", an empty host means all local addresses
	listenAddr string

	// owns the listening fd, it is never accepted from, only kept open
	listener net.Listener

	// listen socket fd channel
	socketChannel eventloop.Channel

	// new connection call back
	newConnectionCallback newConnectionCallback

	// spare fd on /dev/null, given up to accept and drop a connection when the
	// process is out of fds, -1 if none is held
	idleFD int

	log logrus.FieldLogger
}

func newTCPAcceptor(loop eventloop.EventLoop, listenAddr string, log logrus.FieldLogger) *tcpAcceptor {
	return &tcpAcceptor{
		loop:                  loop,
		listenAddr:            listenAddr,
		listening:             false,
		newConnectionCallback: defaultNewConnectionCallback,
		idleFD:                -1,
		log:                   log,
	}
}

// Listen binds with SO_REUSEADDR and SO_REUSEPORT, so a restarted relay can bind
// the port again right away
func (ac *tcpAcceptor) Listen() error {
	if ac.listening {
		panic("already listening")
	}

	lc := net.ListenConfig{Control: reuseport.Control}
	ln, err := lc.Listen(context.Background(), "tcp", ac.listenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", ac.listenAddr)
	}

	fd, err := listenerFD(ln)
	if err != nil {
		ln.Close()
		return err
	}

	if err := ac.openIdleFD(); err != nil {
		ln.Close()
		return err
	}

	c := eventloop.NewChannel(fd)
	c.SetReadCallback(ac.handleRead)
	c.EnableRead()
	if err := ac.loop.UpdateChannelInLoopGoroutine(c); err != nil {
		ac.closeIdleFD()
		ln.Close()
		return err
	}

	ac.listener = ln
	ac.socketChannel = c
	ac.listening = true
	return nil
}

func listenerFD(ln net.Listener) (int, error) {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return -1, errors.Errorf("unexpected listener %T", ln)
	}

	raw, err := tl.SyscallConn()
	if err != nil {
		return -1, errors.Wrap(err, "syscall conn")
	}

	fd := -1
	if err := raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	}); err != nil {
		return -1, errors.Wrap(err, "raw control")
	}
	return fd, nil
}

// accept one connection per readable event, the listener stays readable while
// more are pending
func (ac *tcpAcceptor) handleRead() {
	nfd, sa, err := unix.Accept4(ac.socketChannel.GetFD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if isWouldBlock(err) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
			ac.rejectOutOfFDs()
			return
		}
		ac.log.WithError(err).Warn("accept failed")
		return
	}

	ac.newConnectionCallback(nfd, sockaddrToAddrPort(sa))
}

// rejectOutOfFDs frees the spare fd to accept the pending connection and close
// it at once. the listener is level triggered, leaving it in the backlog would
// report it again on every wake-up
func (ac *tcpAcceptor) rejectOutOfFDs() {
	ac.closeIdleFD()

	nfd, sa, err := unix.Accept4(ac.socketChannel.GetFD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == nil {
		unix.Close(nfd)
		ac.log.WithField("peer", sockaddrToAddrPort(sa).String()).Warn("out of file descriptors, rejected")
	} else if !isWouldBlock(err) {
		ac.log.WithError(err).Warn("accept failed")
	}

	if err := ac.openIdleFD(); err != nil {
		ac.log.WithError(err).Warn("reserve spare fd failed")
	}
}

func (ac *tcpAcceptor) openIdleFD() error {
	if ac.idleFD >= 0 {
		return nil
	}

	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "open /dev/null")
	}
	ac.idleFD = fd
	return nil
}

func (ac *tcpAcceptor) closeIdleFD() {
	if ac.idleFD < 0 {
		return
	}
	unix.Close(ac.idleFD)
	ac.idleFD = -1
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr).Unmap(), uint16(addr.Port))
	}
	return netip.AddrPort{}
}

func (ac *tcpAcceptor) Addr() net.Addr {
	if ac.listener == nil {
		return nil
	}
	return ac.listener.Addr()
}

func (ac *tcpAcceptor) Close() {
	if !ac.listening {
		return
	}

	ac.listening = false
	if err := ac.loop.RemoveChannelInLoopGoroutine(ac.socketChannel); err != nil {
		ac.log.WithError(err).Debug("remove listener channel failed")
	}
	ac.listener.Close()
	ac.closeIdleFD()
}

func (ac *tcpAcceptor) SetNewConnectionCallback(cb newConnectionCallback) {
	ac.newConnectionCallback = cb
}

func defaultNewConnectionCallback(socketfd int, peerAddr netip.AddrPort) {
	unix.Close(socketfd)
}
