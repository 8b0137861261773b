package gorelay

import (
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	eventloop "github.com/markity/go-relay/pkg/event_loop"
)

const (
	DefaultListenPort = 5555

	// default upper bound of concurrent connections, more are closed right after accept
	MaxConnections = 1024

	// size of the per connection read buffer, one read never returns more
	ReadBufferSize = 4096
)

type RelayServer interface {
	SetConnectedCallback(f ConnectedCallbackFunc)
	SetDisConnectedCallback(f DisConnectedCallbackFunc)
	SetMaxConnections(n int)
	SetLogger(log logrus.FieldLogger)
	// 0 disables the periodic stats log
	SetStatsInterval(d time.Duration)

	Start() error
	Addr() net.Addr

	// safe to call from any goroutine
	ConnectionCount() int
	QueuedBytes() int

	// drops every connection and the listener without flushing
	Close()
}

type relayServer struct {
	loop eventloop.EventLoop

	acceptor *tcpAcceptor
	table    *connTable
	router   *broadcastRouter

	// connections whose interest must be recomputed at the end of this cycle
	dirty []*tcpConnection

	// only be used to prevent double start
	started bool
	closed  bool

	connectedCallback    ConnectedCallbackFunc
	disconnectedCallback DisConnectedCallbackFunc

	statsInterval time.Duration
	statsTimerID  int

	log logrus.FieldLogger
}

// setters run on the loop goroutine, from another goroutine they wait until the
// loop picks them up, so the loop must be running by then

func (server *relayServer) SetConnectedCallback(f ConnectedCallbackFunc) {
	server.runInLoopSync(func() {
		server.connectedCallback = f
	})
}

func (server *relayServer) SetDisConnectedCallback(f DisConnectedCallbackFunc) {
	server.runInLoopSync(func() {
		server.disconnectedCallback = f
	})
}

// SetMaxConnections takes effect for the next accept, live connections over the
// new bound are kept
func (server *relayServer) SetMaxConnections(n int) {
	if n <= 0 {
		panic(n)
	}
	server.runInLoopSync(func() {
		server.table.setMax(n)
	})
}

func (server *relayServer) SetLogger(log logrus.FieldLogger) {
	server.runInLoopSync(func() {
		server.log = log
		server.acceptor.log = log
	})
}

func (server *relayServer) SetStatsInterval(d time.Duration) {
	if d < 0 {
		panic(d)
	}
	server.runInLoopSync(func() {
		server.statsInterval = d
		if server.started && !server.closed {
			server.scheduleStats()
		}
	})
}

func (server *relayServer) runInLoopSync(f func()) {
	if server.loop.InLoopGoroutine() {
		f()
		return
	}

	done := make(chan struct{})
	server.loop.RunInLoop(func() {
		defer close(done)
		f()
	})
	<-done
}

// scheduleStats replaces the stats timer according to statsInterval
func (server *relayServer) scheduleStats() {
	server.cancelStats()
	if server.statsInterval > 0 {
		server.statsTimerID = server.loop.RunAt(time.Now().Add(server.statsInterval),
			server.statsInterval, server.reportStats)
	}
}

func (server *relayServer) cancelStats() {
	if server.statsTimerID != 0 {
		server.loop.CancelTimer(server.statsTimerID)
		server.statsTimerID = 0
	}
}

// Start listens and registers the listener into the loop, it can be called from
// any goroutine, setup errors are returned
func (server *relayServer) Start() error {
	if server.loop.InLoopGoroutine() {
		return server.start()
	}

	c := make(chan error, 1)
	server.loop.RunInLoop(func() {
		c <- server.start()
	})
	return <-c
}

func (server *relayServer) start() error {
	if server.started {
		panic("already started")
	}

	if err := server.acceptor.Listen(); err != nil {
		return err
	}

	server.loop.DoAfterDispatch(server.syncDirty)
	server.scheduleStats()

	server.started = true
	server.log.WithField("addr", server.acceptor.Addr().String()).Info("relay listening")
	return nil
}

func (server *relayServer) Addr() net.Addr {
	return server.acceptor.Addr()
}

func (server *relayServer) onNewConnection(socketfd int, peerAddr netip.AddrPort) {
	if server.table.full() {
		server.log.WithFields(logrus.Fields{
			"peer":  peerAddr.String(),
			"conns": server.table.len(),
		}).Warn("too many connections, rejected")
		unix.Close(socketfd)
		return
	}

	conn := newConnection(server.loop, socketfd, peerAddr, server.log)
	conn.setMessageCallback(server.onMessage)
	conn.setCloseCallback(server.onConnectionClosed)
	conn.setDirtyCallback(server.markDirty)

	if err := conn.establishConn(); err != nil {
		server.log.WithError(err).WithField("peer", peerAddr.String()).Warn("register connection failed")
		unix.Close(socketfd)
		return
	}
	if err := server.table.add(conn); err != nil {
		// checked above, the loop is the only writer of the table
		panic(err)
	}

	conn.log.WithField("conns", server.table.len()).Info("client connected")
	server.connectedCallback(conn)
}

func (server *relayServer) onMessage(conn *tcpConnection, bs []byte) {
	server.router.route(conn.GetFD(), bs)
}

func (server *relayServer) onConnectionClosed(conn *tcpConnection) {
	server.table.remove(conn.GetFD())
	conn.log.WithField("conns", server.table.len()).Info("client disconnected")
	server.disconnectedCallback(conn)
}

func (server *relayServer) markDirty(conn *tcpConnection) {
	server.dirty = append(server.dirty, conn)
}

// syncDirty runs once per loop cycle after every ready channel was handled
func (server *relayServer) syncDirty() {
	for i, conn := range server.dirty {
		conn.syncInterest()
		server.dirty[i] = nil
	}
	server.dirty = server.dirty[:0]
}

func (server *relayServer) queuedBytes() int {
	total := 0
	server.table.each(func(conn *tcpConnection) {
		total += conn.GetQueuedBytes()
	})
	return total
}

func (server *relayServer) reportStats() {
	server.log.WithFields(logrus.Fields{
		"conns":  server.table.len(),
		"queued": server.queuedBytes(),
	}).Info("relay stats")
}

func (server *relayServer) ConnectionCount() int {
	if server.loop.InLoopGoroutine() {
		return server.table.len()
	}

	c := make(chan int, 1)
	server.loop.RunInLoop(func() {
		c <- server.table.len()
	})
	return <-c
}

func (server *relayServer) QueuedBytes() int {
	if server.loop.InLoopGoroutine() {
		return server.queuedBytes()
	}

	c := make(chan int, 1)
	server.loop.RunInLoop(func() {
		c <- server.queuedBytes()
	})
	return <-c
}

func (server *relayServer) Close() {
	done := make(chan struct{})
	server.loop.RunInLoop(func() {
		defer close(done)
		if !server.started || server.closed {
			return
		}
		server.closed = true

		server.cancelStats()
		server.acceptor.Close()
		for _, conn := range server.table.snapshot() {
			conn.handleClose()
		}
	})

	if !server.loop.InLoopGoroutine() {
		<-done
	}
}

// NewRelayServer creates a relay listening on addr, for example ":5555". it runs
// on loop, every connection is handled by that single goroutine
func NewRelayServer(loop eventloop.EventLoop, addr string) RelayServer {
	log := logrus.StandardLogger()
	table := newConnTable(MaxConnections)
	server := &relayServer{
		loop:                 loop,
		acceptor:             newTCPAcceptor(loop, addr, log),
		table:                table,
		started:              false,
		connectedCallback:    defaultConnectedCallback,
		disconnectedCallback: defaultDisConnectedCallback,
		log:                  log,
	}
	server.router = newBroadcastRouter(table)
	server.acceptor.SetNewConnectionCallback(server.onNewConnection)

	return server
}
