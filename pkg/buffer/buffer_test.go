package buffer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// limitedWriter accepts at most limit bytes per call, like a socket with a full send buffer
type limitedWriter struct {
	limit int
	out   bytes.Buffer
	calls int
}

func (w *limitedWriter) write(iovs [][]byte) (int, error) {
	w.calls++
	n := 0
	for _, iov := range iovs {
		take := len(iov)
		if n+take > w.limit {
			take = w.limit - n
		}
		w.out.Write(iov[:take])
		n += take
		if n == w.limit {
			break
		}
	}
	return n, nil
}

func TestAppendAndRetrieve(t *testing.T) {
	buf := NewBuffer()
	assert.Equal(t, 0, buf.ReadableBytes())
	assert.Nil(t, buf.Peek())

	buf.Append([]byte("hello"))
	buf.Append(nil)
	buf.Append([]byte(" world"))
	assert.Equal(t, 11, buf.ReadableBytes())
	assert.Equal(t, []byte("hello"), buf.Peek())

	buf.Retrieve(3)
	assert.Equal(t, []byte("lo"), buf.Peek())
	assert.Equal(t, 8, buf.ReadableBytes())

	// crosses a chunk boundary
	buf.Retrieve(4)
	assert.Equal(t, []byte("orld"), buf.Peek())

	buf.RetrieveAll()
	assert.Equal(t, 0, buf.ReadableBytes())
	assert.Nil(t, buf.Peek())
}

func TestRetrieveTooMany(t *testing.T) {
	buf := NewBuffer()
	buf.Append([]byte("ab"))
	assert.Panics(t, func() { buf.Retrieve(3) })
}

func TestWriteVecPartial(t *testing.T) {
	buf := NewBuffer()
	var want bytes.Buffer
	for i := 0; i < 10; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 7+i)
		want.Write(chunk)
		buf.Append(chunk)
	}

	w := &limitedWriter{limit: 5}
	for buf.ReadableBytes() > 0 {
		before := buf.ReadableBytes()
		n, err := buf.WriteVec(w.write)
		require.NoError(t, err)
		require.Equal(t, min(5, before), n)
		require.Equal(t, before-n, buf.ReadableBytes())
	}

	assert.Equal(t, want.Bytes(), w.out.Bytes())
	assert.Equal(t, (want.Len()+4)/5, w.calls)
}

func TestWriteVecError(t *testing.T) {
	buf := NewBuffer()
	buf.Append([]byte("pending"))

	n, err := buf.WriteVec(func([][]byte) (int, error) {
		return 0, unix.EAGAIN
	})
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, unix.EAGAIN))
	assert.Equal(t, []byte("pending"), buf.Peek())
}

func TestWriteVecIovecLimit(t *testing.T) {
	buf := NewBuffer()
	for i := 0; i < MaxIovecs*2; i++ {
		buf.Append([]byte{byte(i)})
	}

	var seen int
	n, err := buf.WriteVec(func(iovs [][]byte) (int, error) {
		seen = len(iovs)
		return len(iovs), nil
	})
	require.NoError(t, err)
	assert.Equal(t, MaxIovecs, seen)
	assert.Equal(t, MaxIovecs, n)
	assert.Equal(t, []byte{byte(MaxIovecs)}, buf.Peek())
}

func TestSharedChunk(t *testing.T) {
	chunk := []byte("shared")
	a, b := NewBuffer(), NewBuffer()
	a.Append(chunk)
	b.Append(chunk)

	a.Retrieve(6)
	assert.Equal(t, []byte("shared"), b.Peek())
}

func TestWriteFD(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	buf := NewBuffer()
	buf.Append([]byte("ping "))
	buf.Append([]byte("pong"))

	n, err := buf.WriteFD(fds[0])
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, 0, buf.ReadableBytes())

	got := make([]byte, 16)
	n, err = unix.Read(fds[1], got)
	require.NoError(t, err)
	assert.Equal(t, "ping pong", string(got[:n]))
}
