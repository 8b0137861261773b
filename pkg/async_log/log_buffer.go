package async_log

type buffer struct {
	data []byte
}

func (buf *buffer) Empty() bool {
	return len(buf.data) == 0
}

func (buf *buffer) Reset() {
	buf.data = buf.data[0:0]
}

// Append fails instead of growing, a full buffer is handed to the flusher
func (buf *buffer) Append(bs []byte) bool {
	if cap(buf.data) < len(buf.data)+len(bs) {
		return false
	}

	buf.data = append(buf.data, bs...)
	return true
}

func newLogBuffer(size int) *buffer {
	return &buffer{
		data: make([]byte, 0, size),
	}
}
