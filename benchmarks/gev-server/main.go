package main

import (
	"sync"

	"github.com/Allenxuxu/gev"
)

type relay struct {
	// gev callbacks run on several loops
	mu    sync.Mutex
	conns map[*gev.Connection]struct{}
}

func (r *relay) OnConnect(c *gev.Connection) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *relay) OnMessage(c *gev.Connection, ctx interface{}, data []byte) (out interface{}) {
	chunk := make([]byte, len(data))
	copy(chunk, data)

	r.mu.Lock()
	for other := range r.conns {
		if other != c {
			other.Send(chunk)
		}
	}
	r.mu.Unlock()
	return
}

func (r *relay) OnClose(c *gev.Connection) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func main() {
	handler := &relay{conns: make(map[*gev.Connection]struct{})}
	s, err := gev.NewServer(handler,
		gev.Network("tcp"),
		gev.Address("127.0.0.1:8000"),
		gev.NumLoops(1))
	if err != nil {
		panic(err)
	}

	s.Start()
}
