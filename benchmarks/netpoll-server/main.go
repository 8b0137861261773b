package main

import (
	"context"
	"sync"

	"github.com/cloudwego/netpoll"
)

var (
	mu    sync.Mutex
	conns = make(map[netpoll.Connection]struct{})
)

func onConnect(ctx context.Context, conn netpoll.Connection) context.Context {
	mu.Lock()
	conns[conn] = struct{}{}
	mu.Unlock()

	conn.AddCloseCallback(func(conn netpoll.Connection) error {
		mu.Lock()
		delete(conns, conn)
		mu.Unlock()
		return nil
	})
	return ctx
}

func onRequest(ctx context.Context, conn netpoll.Connection) error {
	reader := conn.Reader()
	data, err := reader.Next(reader.Len())
	if err != nil {
		return err
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	reader.Release()

	mu.Lock()
	defer mu.Unlock()
	for other := range conns {
		if other == conn {
			continue
		}
		w := other.Writer()
		if _, err := w.WriteBinary(chunk); err == nil {
			w.Flush()
		}
	}
	return nil
}

func main() {
	listener, err := netpoll.CreateListener("tcp", "127.0.0.1:8000")
	if err != nil {
		panic(err)
	}

	loop, err := netpoll.NewEventLoop(onRequest, netpoll.WithOnConnect(onConnect))
	if err != nil {
		panic(err)
	}
	if err := loop.Serve(listener); err != nil {
		panic(err)
	}
}
