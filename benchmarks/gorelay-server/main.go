package main

import (
	"io"

	"github.com/sirupsen/logrus"

	gorelay "github.com/markity/go-relay"
	eventloop "github.com/markity/go-relay/pkg/event_loop"
)

func main() {
	loop, err := eventloop.NewEventLoop()
	if err != nil {
		panic(err)
	}

	lo := logrus.New()
	lo.SetOutput(io.Discard)

	server := gorelay.NewRelayServer(loop, "127.0.0.1:8000")
	server.SetLogger(lo)
	if err := server.Start(); err != nil {
		panic(err)
	}
	loop.Loop()
}
