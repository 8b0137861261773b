package async_log

import (
	"io"
	"sync"
	"time"
)

// Writer is a double buffered asynchronous writer. Write only copies into the
// current buffer, a background goroutine hands full buffers to out, so a slow
// terminal or disk never blocks the event loop
type Writer struct {
	mu sync.Mutex

	currentBuffer *buffer
	backupBuffers []*buffer
	fullBuffers   []*buffer
	closed        bool

	// readonly variables, can share without lock
	out        io.Writer
	bufferSize int
	interval   time.Duration

	notify   chan struct{}
	flushReq chan chan struct{}
	closing  chan struct{}
	done     chan struct{}

	closeOnce sync.Once
}

func NewWriter(out io.Writer, backupBufferNums int, bufferSize int, flushInterval time.Duration) *Writer {
	if backupBufferNums <= 0 || bufferSize <= 0 || flushInterval <= 0 {
		panic("check your params")
	}

	backup := make([]*buffer, 0, backupBufferNums)
	for i := 0; i < backupBufferNums; i++ {
		backup = append(backup, newLogBuffer(bufferSize))
	}
	w := &Writer{
		currentBuffer: newLogBuffer(bufferSize),
		backupBuffers: backup,
		fullBuffers:   make([]*buffer, 0),
		out:           out,
		bufferSize:    bufferSize,
		interval:      flushInterval,
		notify:        make(chan struct{}, 1),
		flushReq:      make(chan chan struct{}),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
	}

	// background goroutine flushes buffers asynchronously
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		var ack chan struct{}
		stop := false
		select {
		case <-w.notify:
		case <-ticker.C:
		case ack = <-w.flushReq:
		case <-w.closing:
			stop = true
		}

		w.flush()
		if ack != nil {
			close(ack)
		}
		if stop {
			return
		}
	}
}

// must hold w.mu
func (w *Writer) nextBuffer() *buffer {
	if len(w.backupBuffers) != 0 {
		b := w.backupBuffers[len(w.backupBuffers)-1]
		w.backupBuffers = w.backupBuffers[:len(w.backupBuffers)-1]
		return b
	}
	return newLogBuffer(w.bufferSize)
}

func (w *Writer) flush() {
	w.mu.Lock()
	if !w.currentBuffer.Empty() {
		w.fullBuffers = append(w.fullBuffers, w.currentBuffer)
		w.currentBuffer = w.nextBuffer()
	}
	tobeWritten := w.fullBuffers
	w.fullBuffers = make([]*buffer, 0)
	w.mu.Unlock()

	for _, v := range tobeWritten {
		w.out.Write(v.data)
		v.Reset()
	}

	w.mu.Lock()
	for _, v := range tobeWritten {
		// oversized buffers are for a single record, let gc take them
		if cap(v.data) == w.bufferSize {
			w.backupBuffers = append(w.backupBuffers, v)
		}
	}
	w.mu.Unlock()
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.out.Write(p)
	}

	if w.currentBuffer.Append(p) {
		return len(p), nil
	}

	w.fullBuffers = append(w.fullBuffers, w.currentBuffer)
	if len(p) > w.bufferSize {
		big := newLogBuffer(len(p))
		big.Append(p)
		w.fullBuffers = append(w.fullBuffers, big)
		w.currentBuffer = w.nextBuffer()
	} else {
		w.currentBuffer = w.nextBuffer()
		w.currentBuffer.Append(p)
	}

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Flush blocks until everything written before the call reached out
func (w *Writer) Flush() {
	ack := make(chan struct{})
	select {
	case w.flushReq <- ack:
		<-ack
	case <-w.done:
	}
}

// Close flushes and stops the background goroutine, later writes go to out directly
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.closing)
		<-w.done

		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		// writes that raced with the last flush
		w.flush()
	})
	return nil
}

func (w *Writer) Metrics() (backup int, full int) {
	w.mu.Lock()
	backup = len(w.backupBuffers)
	full = len(w.fullBuffers)
	w.mu.Unlock()
	return
}
