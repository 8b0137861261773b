package client

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const BufferSize = 4096

// Client is the terminal side of the relay. it waits on the socket and the input
// fd with poll(2) on a single goroutine, like the relay does with epoll
type Client struct {
	fd   int
	addr netip.AddrPort
	buf  []byte
}

// Dial opens one TCP connection to addr, "ip:port"
func Dial(addr string) (*Client, error) {
	addrPort, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", addr)
	}

	var sa unix.Sockaddr
	family := unix.AF_INET
	ip := addrPort.Addr().Unmap()
	if ip.Is4() {
		sa = &unix.SockaddrInet4{Addr: ip.As4(), Port: int(addrPort.Port())}
	} else {
		family = unix.AF_INET6
		sa = &unix.SockaddrInet6{Addr: ip.As16(), Port: int(addrPort.Port())}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}

	for {
		err = unix.Connect(fd, sa)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "connect %s", addr)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set nonblock")
	}

	return &Client{
		fd:   fd,
		addr: addrPort,
		buf:  make([]byte, BufferSize),
	}, nil
}

func (c *Client) Addr() netip.AddrPort {
	return c.addr
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

func isDisconnect(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

// Run copies bytes from the socket to out and from in to the socket until in
// reaches EOF or the server goes away, both end with a nil error and a status
// line on out
func (c *Client) Run(in int, out io.Writer) error {
	fds := []unix.PollFd{
		{Fd: int32(c.fd), Events: unix.POLLIN},
		{Fd: int32(in), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrap(err, "poll")
		}

		sock, input := fds[0].Revents, fds[1].Revents

		// server -> screen
		if sock&unix.POLLIN != 0 {
			n, err := unix.Read(c.fd, c.buf)
			switch {
			case err != nil && isWouldBlock(err):
			case err != nil || n == 0:
				fmt.Fprintln(out, "Server closed connection")
				return nil
			default:
				if _, err := out.Write(c.buf[:n]); err != nil {
					return errors.Wrap(err, "write output")
				}
			}
		}

		// keyboard -> server, a closed pipe shows up as POLLHUP without POLLIN
		if input&(unix.POLLIN|unix.POLLHUP) != 0 {
			n, err := unix.Read(in, c.buf)
			switch {
			case err != nil && isWouldBlock(err):
			case err != nil:
				return errors.Wrap(err, "read input")
			case n == 0:
				fmt.Fprintln(out, "Bye.")
				return nil
			default:
				if err := c.send(c.buf[:n]); err != nil {
					if isDisconnect(err) {
						fmt.Fprintln(out, "Server closed connection")
						return nil
					}
					return err
				}
			}
		}

		if sock&unix.POLLIN == 0 && sock&(unix.POLLHUP|unix.POLLERR) != 0 {
			fmt.Fprintln(out, "Connection error")
			return nil
		}
	}
}

// send writes all of bs, waiting for POLLOUT when the socket buffer is full
func (c *Client) send(bs []byte) error {
	for len(bs) > 0 {
		n, err := unix.Write(c.fd, bs)
		if err == nil {
			bs = bs[n:]
			continue
		}
		if !isWouldBlock(err) {
			return errors.Wrap(err, "send")
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
		if _, err := unix.Poll(fds, -1); err != nil && !errors.Is(err, unix.EINTR) {
			return errors.Wrap(err, "poll")
		}
	}
	return nil
}

// Close closes the socket, calling it again does nothing
func (c *Client) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}
