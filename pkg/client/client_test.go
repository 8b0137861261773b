package client

import (
	"bytes"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// listen returns a listener and a channel that yields its first accepted conn
func listen(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	c := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			c <- conn
		}
	}()
	return ln, c
}

func run(t *testing.T, cli *Client, in *os.File, out io.Writer) <-chan error {
	t.Helper()
	result := make(chan error, 1)
	go func() {
		result <- cli.Run(int(in.Fd()), out)
	}()
	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not return")
		return nil
	}
}

func TestDialBadAddress(t *testing.T) {
	_, err := Dial("not an address")
	assert.Error(t, err)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(addr)
	assert.Error(t, err)
}

func TestInputForwardedAndBye(t *testing.T) {
	ln, accepted := listen(t)
	cli, err := Dial(ln.Addr().String())
	require.NoError(t, err)
	defer cli.Close()

	server := <-accepted
	defer server.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	out := &syncBuffer{}
	result := run(t, cli, r, out)

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)

	got := make([]byte, 6)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))

	// end of input
	w.Close()
	require.NoError(t, waitResult(t, result))
	assert.Equal(t, "Bye.\n", out.String())
}

func TestServerDataPrintedAndClose(t *testing.T) {
	ln, accepted := listen(t)
	cli, err := Dial(ln.Addr().String())
	require.NoError(t, err)
	defer cli.Close()

	server := <-accepted

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	out := &syncBuffer{}
	result := run(t, cli, r, out)

	_, err = server.Write([]byte("from server\n"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return out.String() == "from server\n"
	}, 5*time.Second, 5*time.Millisecond)

	server.Close()
	require.NoError(t, waitResult(t, result))
	assert.Equal(t, "from server\nServer closed connection\n", out.String())
}

func TestLargeInputIsSentWhole(t *testing.T) {
	ln, accepted := listen(t)
	cli, err := Dial(ln.Addr().String())
	require.NoError(t, err)
	defer cli.Close()

	server := <-accepted
	defer server.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	out := &syncBuffer{}
	result := run(t, cli, r, out)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	go func() {
		w.Write(payload)
		w.Close()
	}()

	got := make([]byte, len(payload))
	server.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	require.NoError(t, waitResult(t, result))
}
