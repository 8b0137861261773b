package main

import (
	"github.com/tidwall/evio"
)

// per connection outbound queue, evio hands it back through Data(c, nil) after Wake
type relayConn struct {
	out []byte
}

func main() {
	conns := make(map[evio.Conn]*relayConn)

	var events evio.Events
	// one loop, so the map needs no lock
	events.NumLoops = 1
	events.Opened = func(c evio.Conn) (out []byte, opts evio.Options, action evio.Action) {
		rc := &relayConn{}
		c.SetContext(rc)
		conns[c] = rc
		return
	}
	events.Closed = func(c evio.Conn, err error) (action evio.Action) {
		delete(conns, c)
		return
	}
	events.Data = func(c evio.Conn, in []byte) (out []byte, action evio.Action) {
		if in == nil {
			rc := c.Context().(*relayConn)
			out, rc.out = rc.out, nil
			return
		}

		for other, rc := range conns {
			if other == c {
				continue
			}
			rc.out = append(rc.out, in...)
			other.Wake()
		}
		return
	}

	if err := evio.Serve(events, "tcp://127.0.0.1:8000"); err != nil {
		panic(err)
	}
}
