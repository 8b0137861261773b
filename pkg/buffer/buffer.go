package buffer

import (
	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// at most MaxIovecs chunks are handed to a single writev call
const MaxIovecs = 64

// buffer is an outbound byte queue. chunks are never modified after Append, so the
// same chunk can sit in many buffers at once, readIndex is the cursor into the head chunk
type buffer struct {
	chunks    *queue.Queue
	readIndex int
	readable  int

	iovs [][]byte
}

func (buf *buffer) ReadableBytes() int {
	return buf.readable
}

// Peek returns the unsent part of the head chunk, nil if empty
func (buf *buffer) Peek() []byte {
	if buf.chunks.Length() == 0 {
		return nil
	}

	return buf.chunks.Peek().([]byte)[buf.readIndex:]
}

func (buf *buffer) Retrieve(i int) {
	if buf.ReadableBytes() < i {
		panic("retrieve too many bytes")
	}

	buf.readable -= i
	for i > 0 {
		head := buf.chunks.Peek().([]byte)
		left := len(head) - buf.readIndex
		if i < left {
			buf.readIndex += i
			return
		}

		i -= left
		buf.chunks.Remove()
		buf.readIndex = 0
	}
}

func (buf *buffer) RetrieveAll() {
	for buf.chunks.Length() != 0 {
		buf.chunks.Remove()
	}
	buf.readIndex = 0
	buf.readable = 0
}

// Append queues bs without copying it, the caller must not modify bs afterwards
func (buf *buffer) Append(bs []byte) {
	if len(bs) == 0 {
		return
	}

	buf.chunks.Add(bs)
	buf.readable += len(bs)
}

func (buf *buffer) WriteVec(write func([][]byte) (int, error)) (int, error) {
	if buf.readable == 0 {
		return 0, nil
	}

	iovs := buf.iovs[:0]
	for i := 0; i < buf.chunks.Length() && i < MaxIovecs; i++ {
		chunk := buf.chunks.Get(i).([]byte)
		if i == 0 {
			chunk = chunk[buf.readIndex:]
		}
		iovs = append(iovs, chunk)
	}
	buf.iovs = iovs

	n, err := write(iovs)
	for i := range iovs {
		iovs[i] = nil
	}
	if n > 0 {
		buf.Retrieve(n)
	}

	return n, err
}

// WriteFD sends as much of the queue as the socket accepts in one writev call
func (buf *buffer) WriteFD(fd int) (int, error) {
	return buf.WriteVec(func(iovs [][]byte) (int, error) {
		n, err := unix.Writev(fd, iovs)
		if n < 0 {
			n = 0
		}
		return n, err
	})
}

func NewBuffer() Buffer {
	return &buffer{
		chunks: queue.New(),
		iovs:   make([][]byte, 0, MaxIovecs),
	}
}

type Buffer interface {
	ReadableBytes() int
	Peek() []byte
	Retrieve(int)
	RetrieveAll()
	Append([]byte)

	// WriteVec passes the pending chunks to write and retires exactly the bytes it
	// reports as written
	WriteVec(write func([][]byte) (int, error)) (int, error)
	WriteFD(fd int) (int, error)
}
