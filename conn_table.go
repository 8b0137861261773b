package gorelay

import "github.com/pkg/errors"

var ErrTooManyConnections = errors.New("too many connections")

// connTable holds the live connections keyed by socket fd. it is touched only
// from the loop goroutine
type connTable struct {
	conns map[int]*tcpConnection
	max   int
}

func newConnTable(max int) *connTable {
	if max <= 0 {
		panic(max)
	}

	return &connTable{
		conns: make(map[int]*tcpConnection),
		max:   max,
	}
}

func (t *connTable) add(conn *tcpConnection) error {
	if t.full() {
		return ErrTooManyConnections
	}

	fd := conn.GetFD()
	if _, ok := t.conns[fd]; ok {
		// a fd is only reused after close, and close removes it from the table first
		panic("fd is already in the table")
	}

	t.conns[fd] = conn
	return nil
}

func (t *connTable) remove(fd int) bool {
	if _, ok := t.conns[fd]; !ok {
		return false
	}

	delete(t.conns, fd)
	return true
}

func (t *connTable) get(fd int) (*tcpConnection, bool) {
	conn, ok := t.conns[fd]
	return conn, ok
}

// each visits every connection once, f must not add or remove connections
func (t *connTable) each(f func(*tcpConnection)) {
	for _, conn := range t.conns {
		f(conn)
	}
}

// snapshot is used when the visitor may tear connections down
func (t *connTable) snapshot() []*tcpConnection {
	conns := make([]*tcpConnection, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (t *connTable) len() int {
	return len(t.conns)
}

func (t *connTable) full() bool {
	return len(t.conns) >= t.max
}

func (t *connTable) setMax(max int) {
	if max <= 0 {
		panic(max)
	}
	t.max = max
}
